package calnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

// Config declares the calendar resources to watch and the notification
// rules applied to outgoing change events.
type Config struct {
	Resources []*ResourceConfig   `yaml:"resources"`
	Rules     []*NotificationRule `yaml:"rules,omitempty"`
}

// ResourceConfig is a single watched calendar resource, e.g.
// "users/alice@example.com/events". Expiration overrides the app-level
// subscription lifetime for this resource.
type ResourceConfig struct {
	Resource   string        `yaml:"resource"`
	Expiration time.Duration `yaml:"expiration,omitempty"`
}

// NotificationRule rewrites or suppresses change events before delivery.
// When is a CEL expression (or a literal bool); Subject is a CEL expression
// returning a string (or a static string). Rules are applied in order; the
// first matching suppress rule wins.
type NotificationRule struct {
	RuleName string        `yaml:"name,omitempty"`
	When     *ExprOrBool   `yaml:"when,omitempty"`
	Suppress bool          `yaml:"suppress,omitempty"`
	Subject  *ExprOrString `yaml:"subject,omitempty"`
}

// LoadConfig fetches and parses a configuration from a local path, an
// http(s) URL or an s3:// URL. An empty path yields an empty config.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	content, err := fetchConfig(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%s load failed: %w", path, err)
	}
	if err := yaml.UnmarshalWithOptions(content, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("%s parse failed: %w", path, err)
	}
	return cfg, nil
}

func fetchConfig(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return os.ReadFile(path)
	}
	switch u.Scheme {
	case "http", "https":
		return fetchConfigFromHTTP(ctx, u)
	case "s3":
		return fetchConfigFromS3(ctx, u)
	case "file", "":
		return os.ReadFile(u.Path)
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

func fetchConfigFromHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchConfigFromS3(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	downloader := manager.NewDownloader(s3.NewFromConfig(awsCfg))
	var buf manager.WriteAtBuffer
	slog.DebugContext(ctx, "try download", "bucket", u.Host, "key", u.Path)
	_, err = downloader.Download(ctx, &buf, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimLeft(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3, %s", err)
	}
	return buf.Bytes(), nil
}

// Restrict restricts a configuration.
func (cfg *Config) Restrict(celEnv *CELEnv) error {
	seen := make(map[string]struct{}, len(cfg.Resources))
	for i, resourceCfg := range cfg.Resources {
		if err := resourceCfg.Restrict(); err != nil {
			return fmt.Errorf("resources[%d]:%w", i, err)
		}
		if _, ok := seen[resourceCfg.Resource]; ok {
			return fmt.Errorf("resources[%d]: %s is duplicated", i, resourceCfg.Resource)
		}
		seen[resourceCfg.Resource] = struct{}{}
	}
	for i, rule := range cfg.Rules {
		if err := rule.Restrict(celEnv); err != nil {
			return fmt.Errorf("rules[%d]:%w", i, err)
		}
	}
	return nil
}

// Restrict restricts a configuration.
func (cfg *ResourceConfig) Restrict() error {
	if cfg.Resource == "" {
		return errors.New("resource is required")
	}
	if cfg.Expiration < 0 {
		return errors.New("expiration must not be negative")
	}
	return nil
}

// Restrict restricts a configuration. Binds the rule's CEL expressions.
func (rule *NotificationRule) Restrict(celEnv *CELEnv) error {
	if rule.When == nil {
		return errors.New("when is required")
	}
	if err := rule.When.Bind(celEnv); err != nil {
		return fmt.Errorf("when:%w", err)
	}
	if rule.Suppress && rule.Subject != nil {
		return errors.New("suppress and subject are exclusive")
	}
	if !rule.Suppress && rule.Subject == nil {
		return errors.New("subject is required, if suppress is false")
	}
	if rule.Subject != nil {
		if err := rule.Subject.Bind(celEnv); err != nil {
			return fmt.Errorf("subject:%w", err)
		}
	}
	return nil
}

// Name returns the rule's display name for logs.
func (rule *NotificationRule) Name() string {
	if rule.RuleName != "" {
		return rule.RuleName
	}
	if rule.When != nil {
		return rule.When.Raw()
	}
	return "-"
}

// Match evaluates the rule's when expression against a change event.
func (rule *NotificationRule) Match(celEnv *CELEnv, detail *calnotifyevent.Detail) (bool, error) {
	if rule.When == nil {
		return true, nil
	}
	return rule.When.Eval(celEnv, detail)
}

// Apply rewrites the change event's subject when the rule defines one.
func (rule *NotificationRule) Apply(celEnv *CELEnv, detail *calnotifyevent.Detail) error {
	if rule.Subject == nil {
		return nil
	}
	subject, err := rule.Subject.Eval(celEnv, detail)
	if err != nil {
		return err
	}
	detail.Subject = subject
	return nil
}
