package calnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mashiike/slogutils"
)

// Version is the application version, set at build time.
var Version = "current"

// CLI is the command-line interface for calnotify.
//
// Use the Run method to execute the CLI:
//
//	var cli calnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// Available commands:
//   - serve: Start the webhook server (default)
//   - list: List registered subscriptions
//   - register: Create subscriptions for configured resources
//   - maintenance: Create missing subscriptions and renew expiring ones
//   - cleanup: Remove all subscriptions
//   - validate: Validate configuration files
type CLI struct {
	LogLevel     string             `help:"log level" default:"info" env:"CALNOTIFY_LOG_LEVEL"`
	LogFormat    string             `help:"log format" default:"text" enum:"text,json" env:"CALNOTIFY_LOG_FORMAT"`
	LogColor     bool               `help:"enable color output" default:"true" env:"CALNOTIFY_LOG_COLOR" negatable:""`
	Version      kong.VersionFlag   `help:"show version"`
	Storage      StorageOption      `embed:"" prefix:"storage-"`
	Notification NotificationOption `embed:"" prefix:"notification-"`
	Credential   CredentialOption   `embed:"" prefix:"credential-"`
	Graph        GraphOption        `embed:"" prefix:"graph-"`
	AppOption    `embed:""`

	List        ListOption        `cmd:"" help:"list subscriptions"`
	Serve       ServeOption       `cmd:"" help:"serve webhook server" default:"true"`
	Register    RegisterOption    `cmd:"" help:"create subscriptions for configured resources that have none"`
	Maintenance MaintenanceOption `cmd:"" help:"create missing subscriptions and renew those approaching expiry"`
	Cleanup     CleanupOption     `cmd:"" help:"delete all provider subscriptions and retire the records"`
	Validate    ValidateOption    `cmd:"" help:"validate configuration files"`
}

// ListOption contains options for the list command.
type ListOption struct {
	Output io.Writer `kong:"-"`
}

// ServeOption contains options for the serve command.
type ServeOption struct {
	Port int `help:"webhook httpd port" default:"8080" env:"CALNOTIFY_PORT"`
}

// RegisterOption contains options for the register command.
type RegisterOption struct {
}

// MaintenanceOption contains options for the maintenance command.
type MaintenanceOption struct {
}

// CleanupOption contains options for the cleanup command.
type CleanupOption struct {
	Purge bool `help:"physically delete subscription records instead of marking them inactive"`
}

// ValidateOption contains options for the validate command.
type ValidateOption struct {
	Config string `arg:"" name:"config-file" optional:"" help:"path to configuration file (overrides --config)"`
}

// Run parses command-line arguments and executes the appropriate command.
// Returns 0 on success, 1 on error.
func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("calnotify"),
		kong.Description("calnotify watches calendar subscriptions and notifies attendee response changes."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
		k.Fatalf("invalid log level: %s", c.LogLevel)
	}
	logger := newLogger(logLevel, c.LogFormat, c.LogColor)
	slog.SetDefault(logger)
	if err := c.run(ctx, k); err != nil {
		slog.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("calnotify version %s\n", Version)
		return nil
	}
	// validate command doesn't need App initialization
	if cmd == "validate" || cmd == "validate <config-file>" {
		return c.runValidate(ctx)
	}
	app, err := c.newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.WarnContext(ctx, "app cleanup error", "details", err)
		}
	}()
	switch cmd {
	case "list":
		if c.List.Output == nil {
			c.List.Output = os.Stdout
		}
		return app.List(ctx, c.List)
	case "serve", "":
		return app.Serve(ctx, c.Serve)
	case "register":
		return app.Register(ctx, c.Register)
	case "maintenance":
		return app.Maintenance(ctx, c.Maintenance)
	case "cleanup":
		return app.Cleanup(ctx, c.Cleanup)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) runValidate(ctx context.Context) error {
	configPath := c.Validate.Config
	if configPath == "" {
		configPath = c.AppOption.Config
	}
	if configPath == "" {
		return fmt.Errorf("no configuration file specified; use --config or provide a path as argument")
	}
	env, err := NewCELEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	slog.InfoContext(ctx, "validating configuration", "path", configPath)
	cfg, err := LoadConfig(ctx, configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := cfg.Restrict(env); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	slog.InfoContext(ctx, "configuration is valid",
		"resources", len(cfg.Resources),
		"rules", len(cfg.Rules),
	)
	for i, rule := range cfg.Rules {
		slog.InfoContext(ctx, "rule validated",
			"index", i,
			"name", rule.Name(),
			"when", rule.When.Raw(),
			"suppress", rule.Suppress,
		)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func (c *CLI) newApp(ctx context.Context) (*App, error) {
	env, err := NewCELEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	cfg, err := LoadConfig(ctx, c.AppOption.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Restrict(env); err != nil {
		return nil, fmt.Errorf("restrict config: %w", err)
	}
	storage, err := NewStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create Storage: %w", err)
	}
	snapshots, err := NewSnapshotStorage(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create SnapshotStorage: %w", err)
	}
	ledger, err := NewDedupeLedger(ctx, c.Storage)
	if err != nil {
		return nil, fmt.Errorf("create DedupeLedger: %w", err)
	}
	notification, err := NewNotification(ctx, c.Notification)
	if err != nil {
		return nil, fmt.Errorf("create Notification: %w", err)
	}
	credentials, err := NewCredentialProvider(c.Credential)
	if err != nil {
		return nil, fmt.Errorf("create CredentialProvider: %w", err)
	}
	graph := NewGraphClient(c.Graph, credentials)
	return New(c.AppOption, storage, snapshots, ledger, graph, graph, notification, cfg, env)
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	var addSource bool
	if level == slog.LevelDebug {
		addSource = true
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level:     level,
				AddSource: addSource,
			},
			RecordTransformerFuncs: []slogutils.RecordTransformerFunc{
				slogutils.ConvertLegacyLevel(
					map[string]slog.Level{
						"debug": slog.LevelDebug,
						"info":  slog.LevelInfo,
						"warn":  slog.LevelWarn,
						"error": slog.LevelError,
					},
					true,
				),
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}
