package calnotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// CredentialProvider supplies a valid bearer token for the provider API.
// Implementations may cache and refresh internally.
type CredentialProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// AuthUnavailable wraps failures to acquire a credential.
type AuthUnavailable struct {
	Err error
}

func (err *AuthUnavailable) Error() string {
	return fmt.Sprintf("credential unavailable: %s", err.Err)
}

func (err *AuthUnavailable) Unwrap() error {
	return err.Err
}

// CredentialOption contains configuration for bearer token acquisition.
//
// Supported credential types:
//   - "client_secret": OAuth2 client credentials flow against TokenURL (default)
//   - "static": fixed token from flag/env (development and tests)
type CredentialOption struct {
	Type           string `help:"credential type" default:"client_secret" enum:"client_secret,static" env:"CALNOTIFY_CREDENTIAL_TYPE"`
	Token          string `help:"bearer token (static type only)" env:"CALNOTIFY_TOKEN"`
	TokenURL       string `help:"OAuth2 token endpoint" env:"CALNOTIFY_TOKEN_URL"`
	ClientID       string `help:"OAuth2 client id" env:"CALNOTIFY_CLIENT_ID"`
	ClientSecret   string `help:"OAuth2 client secret" env:"CALNOTIFY_CLIENT_SECRET"`
	Scope          string `help:"OAuth2 scope" default:"https://graph.microsoft.com/.default" env:"CALNOTIFY_SCOPE"`
	SSMParameter   string `help:"SSM parameter name holding the client secret" env:"CALNOTIFY_SSM_PARAMETER"`
	Base64Encoding bool   `help:"client secret in SSM is base64 encoded" env:"CALNOTIFY_SSM_BASE64"`
}

// NewCredentialProvider creates a CredentialProvider based on the
// configuration type.
func NewCredentialProvider(cfg CredentialOption) (CredentialProvider, error) {
	switch cfg.Type {
	case "static":
		if cfg.Token == "" {
			return nil, errors.New("token is required, if credential type is static")
		}
		return &StaticCredentialProvider{Token: cfg.Token}, nil
	case "client_secret":
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, errors.New("token_url and client_id are required, if credential type is client_secret")
		}
		if cfg.ClientSecret == "" && cfg.SSMParameter == "" {
			return nil, errors.New("client_secret or ssm_parameter is required, if credential type is client_secret")
		}
		return &ClientSecretCredentialProvider{cfg: cfg}, nil
	}
	return nil, errors.New("unknown credential type")
}

// StaticCredentialProvider returns a fixed token.
type StaticCredentialProvider struct {
	Token string
}

func (p *StaticCredentialProvider) GetToken(_ context.Context) (string, error) {
	return p.Token, nil
}

// ClientSecretCredentialProvider exchanges a client secret for a bearer
// token and caches it until shortly before expiry. The secret itself can be
// inlined or resolved from SSM Parameter Store.
type ClientSecretCredentialProvider struct {
	cfg        CredentialOption
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (p *ClientSecretCredentialProvider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && flextime.Now().Before(p.expiresAt) {
		return p.token, nil
	}
	secret, err := p.resolveSecret(ctx)
	if err != nil {
		return "", err
	}
	token, expiresIn, err := p.exchange(ctx, secret)
	if err != nil {
		return "", err
	}
	p.token = token
	// refresh a minute early to avoid using a token at the edge of its life
	p.expiresAt = flextime.Now().Add(expiresIn - time.Minute)
	return p.token, nil
}

func (p *ClientSecretCredentialProvider) resolveSecret(ctx context.Context) (string, error) {
	if p.cfg.ClientSecret != "" {
		return p.cfg.ClientSecret, nil
	}
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return "", err
	}
	client := ssm.NewFromConfig(awsCfg)
	slog.DebugContext(ctx, "try get parameter", "name", p.cfg.SSMParameter)
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.cfg.SSMParameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		slog.DebugContext(ctx, "failed get parameter", "name", p.cfg.SSMParameter, "error", err)
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		slog.WarnContext(ctx, "get parameter from ssm, but empty", "name", p.cfg.SSMParameter)
		return "", fmt.Errorf("SSM parameter `%s` is empty", p.cfg.SSMParameter)
	}
	secret := *output.Parameter.Value
	if p.cfg.Base64Encoding {
		decoder := base64.NewDecoder(base64.RawStdEncoding, strings.NewReader(secret))
		bs, err := io.ReadAll(decoder)
		if err != nil {
			slog.WarnContext(ctx, "client secret base64 decode failed", "error", err)
			return "", err
		}
		secret = string(bs)
	}
	return secret, nil
}

func (p *ClientSecretCredentialProvider) exchange(ctx context.Context, secret string) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    []string{"client_credentials"},
		"client_id":     []string{p.cfg.ClientID},
		"client_secret": []string{secret},
		"scope":         []string{p.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpClient := p.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.DebugContext(ctx, "token endpoint returned error", "status", resp.StatusCode, "body", string(bs))
		return "", 0, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, fmt.Errorf("token endpoint decode: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, errors.New("token endpoint returned empty access_token")
	}
	expiresIn := time.Duration(payload.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	return payload.AccessToken, expiresIn, nil
}
