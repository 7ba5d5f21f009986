package calnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/fujiwara/ridge"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
	"github.com/najeira/randstr"
	"github.com/olekukonko/tablewriter"
	"github.com/shogo82148/go-retry"
	"golang.org/x/sync/errgroup"
)

// AppOption contains application-level configuration shared by all commands.
type AppOption struct {
	Webhook            string        `help:"webhook address notified by the provider" env:"CALNOTIFY_WEBHOOK"`
	Config             string        `help:"path or URL of the configuration file" env:"CALNOTIFY_CONFIG"`
	Expiration         time.Duration `help:"subscription lifetime" default:"72h" env:"CALNOTIFY_EXPIRATION"`
	RenewalLookahead   time.Duration `help:"renew subscriptions expiring within this window" default:"48h" env:"CALNOTIFY_RENEWAL_LOOKAHEAD"`
	RenewalConcurrency int           `help:"max parallel renewals" default:"4" env:"CALNOTIFY_RENEWAL_CONCURRENCY"`
	RenewalInterval    time.Duration `help:"interval between renewal scans while serving" default:"1h" env:"CALNOTIFY_RENEWAL_INTERVAL"`
	FingerprintTTL     time.Duration `help:"dedupe fingerprint retention" default:"24h" env:"CALNOTIFY_FINGERPRINT_TTL"`
	FetchTimeout       time.Duration `help:"timeout for a single resource fetch" default:"15s" env:"CALNOTIFY_FETCH_TIMEOUT"`
}

// App wires storage, the provider API client and the notification pipeline
// together. Create one with New and drive it through the command methods.
type App struct {
	storage            Storage
	snapshots          SnapshotStorage
	graph              SubscriptionAPI
	notification       Notification
	intake             *Intake
	resources          []*ResourceConfig
	router             *mux.Router
	wg                 sync.WaitGroup
	webhookAddress     string
	expiration         time.Duration
	renewalLookahead   time.Duration
	renewalConcurrency int
	renewalInterval    time.Duration
	lambdaClient       LambdaClient
}

// New creates an App from pre-built components.
func New(opts AppOption, storage Storage, snapshots SnapshotStorage, ledger DedupeLedger, graph SubscriptionAPI, fetcher ResourceFetcher, notification Notification, cfg *Config, celEnv *CELEnv) (*App, error) {
	if opts.Expiration <= 0 {
		return nil, errors.New("expiration must be positive")
	}
	if opts.RenewalConcurrency <= 0 {
		opts.RenewalConcurrency = 1
	}
	app := &App{
		storage:            storage,
		snapshots:          snapshots,
		graph:              graph,
		notification:       notification,
		intake:             NewIntake(storage, snapshots, ledger, fetcher, notification, celEnv, cfg.Rules, opts.FingerprintTTL, opts.FetchTimeout),
		resources:          cfg.Resources,
		router:             mux.NewRouter(),
		webhookAddress:     opts.Webhook,
		expiration:         opts.Expiration,
		renewalLookahead:   opts.RenewalLookahead,
		renewalConcurrency: opts.RenewalConcurrency,
		renewalInterval:    opts.RenewalInterval,
	}
	app.setupRoute()
	return app, nil
}

// Close waits for detached notification processing to finish.
func (app *App) Close() error {
	app.wg.Wait()
	return nil
}

// Serve runs the webhook server until the context is canceled. A background
// ticker scans for subscriptions approaching expiry and renews them.
func (app *App) Serve(ctx context.Context, opts ServeOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if app.renewalInterval > 0 {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			ticker := time.NewTicker(app.renewalInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := app.maintenanceSubscriptions(ctx, false); err != nil {
						slog.WarnContext(ctx, "background renewal scan failed", "error", err)
					}
				}
			}
		}()
	}
	if isLambda() {
		slog.InfoContext(ctx, "starting lambda handler")
		lambda.StartWithOptions(app.LambdaHandler(), lambda.WithContext(ctx))
		cancel()
		app.wg.Wait()
		return nil
	}
	address := fmt.Sprintf(":%d", opts.Port)
	slog.InfoContext(ctx, "starting webhook server", "address", address)
	ridge.RunWithContext(ctx, address, "/", app)
	cancel()
	app.wg.Wait()
	return nil
}

// List writes registered subscriptions as a table.
func (app *App) List(ctx context.Context, opts ListOption) error {
	var w io.Writer = opts.Output
	itemsCh, err := app.storage.FindAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("find all subscriptions: %w", err)
	}
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Subscription ID", "Resource", "Expiration", "Active", "Created At", "Updated At"})
	for items := range itemsCh {
		for _, item := range items {
			table.Append([]string{
				item.SubscriptionID,
				item.ResourcePath,
				item.Expiration.Format(time.RFC3339),
				fmt.Sprintf("%t", item.Active),
				item.CreatedAt.Format(time.RFC3339),
				item.UpdatedAt.Format(time.RFC3339),
			})
		}
	}
	return table.Render()
}

// Register creates subscriptions for configured resources that have none.
// Existing subscriptions are left untouched.
func (app *App) Register(ctx context.Context, _ RegisterOption) error {
	return app.maintenanceSubscriptions(ctx, true)
}

// Maintenance creates missing subscriptions and renews those approaching
// expiry.
func (app *App) Maintenance(ctx context.Context, _ MaintenanceOption) error {
	return app.maintenanceSubscriptions(ctx, false)
}

// Cleanup deletes all subscriptions from the provider. Storage records are
// marked inactive and kept for audit; with purge they are deleted outright.
func (app *App) Cleanup(ctx context.Context, opts CleanupOption) error {
	itemsCh, err := app.storage.FindAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("find all subscriptions: %w", err)
	}
	for items := range itemsCh {
		for _, item := range items {
			slog.InfoContext(ctx, "find subscription",
				"subscription_id", item.SubscriptionID,
				"resource", item.ResourcePath,
				"expiration", item.Expiration.Format(time.RFC3339),
			)
			if opts.Purge {
				if err := app.DeleteSubscription(ctx, item); err != nil {
					slog.WarnContext(ctx, "failed DeleteSubscription", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath, "error", err)
					continue
				}
				slog.InfoContext(ctx, "purged subscription", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath)
				continue
			}
			if err := app.deleteUpstreamSubscription(ctx, item); err != nil {
				slog.WarnContext(ctx, "failed provider delete", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath, "error", err)
				continue
			}
			retired := *item
			retired.Active = false
			retired.UpdatedAt = flextime.Now()
			if err := app.storage.UpdateSubscription(ctx, &retired); err != nil {
				slog.WarnContext(ctx, "failed mark subscription inactive", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath, "error", err)
				continue
			}
			slog.InfoContext(ctx, "retired subscription", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath)
		}
	}
	return nil
}

func (app *App) maintenanceSubscriptions(ctx context.Context, createOnly bool) error {
	if app.webhookAddress == "" {
		return errors.New("webhook address is empty, plz check configure")
	}
	itemsCh, err := app.storage.FindAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("find all subscriptions: %w", err)
	}
	covered := make(map[string]bool, len(app.resources))
	for _, resourceCfg := range app.resources {
		covered[resourceCfg.Resource] = false
	}
	renewalTargets := make([]*SubscriptionItem, 0)
	for items := range itemsCh {
		for _, item := range items {
			slog.InfoContext(ctx, "find subscription",
				"subscription_id", item.SubscriptionID,
				"resource", item.ResourcePath,
				"expiration", item.Expiration.Format(time.RFC3339),
				"active", item.Active,
			)
			if !item.Active {
				continue
			}
			if _, ok := covered[item.ResourcePath]; ok {
				covered[item.ResourcePath] = true
			}
			if item.IsAboutToExpired(ctx, app.renewalLookahead) {
				renewalTargets = append(renewalTargets, item)
			}
		}
	}
	egForNew, egCtxForNew := errgroup.WithContext(ctx)
	for _, resourceCfg := range app.resources {
		if covered[resourceCfg.Resource] {
			continue
		}
		egForNew.Go(func() error {
			slog.InfoContext(egCtxForNew, "subscription not exist, try create", "resource", resourceCfg.Resource)
			if err := app.CreateSubscription(egCtxForNew, resourceCfg); err != nil {
				slog.ErrorContext(egCtxForNew, "failed CreateSubscription", "resource", resourceCfg.Resource, "error", err)
				return fmt.Errorf("CreateSubscription:%w", err)
			}
			return nil
		})
	}
	if err := egForNew.Wait(); err != nil {
		return fmt.Errorf("NewSubscription:%w", err)
	}
	if createOnly {
		return nil
	}
	egForRenew, egCtxForRenew := errgroup.WithContext(ctx)
	egForRenew.SetLimit(app.renewalConcurrency)
	for _, item := range renewalTargets {
		egForRenew.Go(func() error {
			slog.InfoContext(egCtxForRenew, "try renewal", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath)
			return app.RenewSubscription(egCtxForRenew, item)
		})
	}
	if err := egForRenew.Wait(); err != nil {
		return fmt.Errorf("RenewSubscription:%w", err)
	}
	return nil
}

// CreateSubscription registers a new subscription with the provider and
// persists it. The clientState secret is generated here and never leaves
// storage except inside notifications from the provider.
func (app *App) CreateSubscription(ctx context.Context, resourceCfg *ResourceConfig) error {
	expiration := app.resourceExpiration(resourceCfg.Resource)
	now := flextime.Now()
	item := &SubscriptionItem{
		ResourcePath:    resourceCfg.Resource,
		ClientState:     randstr.CryptoString(32),
		NotificationURL: app.webhookAddress,
		Expiration:      now.Add(expiration),
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := app.graph.CreateSubscription(ctx, item)
	if err != nil {
		return fmt.Errorf("provider create: %w", err)
	}
	if created.SubscriptionID == "" {
		// should not happen; keep the item addressable in storage
		uuidObj, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("create new uuid v4: %w", err)
		}
		created.SubscriptionID = uuidObj.String()
	}
	slog.InfoContext(ctx, "create subscription",
		"subscription_id", created.SubscriptionID,
		"resource", created.ResourcePath,
		"expiration", created.Expiration.Format(time.RFC3339),
	)
	if err := app.storage.SaveSubscription(ctx, created); err != nil {
		return fmt.Errorf("save subscription:%w", err)
	}
	return nil
}

// resourceExpiration returns the subscription lifetime for a resource,
// honoring the per-resource override in the configuration.
func (app *App) resourceExpiration(resourcePath string) time.Duration {
	for _, resourceCfg := range app.resources {
		if resourceCfg.Resource == resourcePath && resourceCfg.Expiration > 0 {
			return resourceCfg.Expiration
		}
	}
	return app.expiration
}

var renewRetryPolicy = retry.Policy{
	MinDelay: 500 * time.Millisecond,
	MaxDelay: 30 * time.Second,
	MaxCount: 5,
	Jitter:   200 * time.Millisecond,
}

// RenewSubscription extends a subscription's expiration. Throttled upstream
// failures are retried with backoff; if the attempts are exhausted while the
// subscription is close to expiry, or the provider rejects the renewal, the
// subscription is marked inactive and a lapse alert is sent.
func (app *App) RenewSubscription(ctx context.Context, item *SubscriptionItem) error {
	desired := flextime.Now().Add(app.resourceExpiration(item.ResourcePath))
	var granted time.Time
	err := renewRetryPolicy.Do(ctx, func() error {
		var err error
		granted, err = app.graph.RenewSubscription(ctx, item.SubscriptionID, desired)
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return retry.MarkPermanent(err)
			}
			var throttled *ThrottledError
			if errors.As(err, &throttled) {
				slog.WarnContext(ctx, "renewal throttled, will retry",
					"subscription_id", item.SubscriptionID,
					"status", throttled.StatusCode,
					"retry_after", throttled.RetryAfter,
				)
			}
			return err
		}
		return nil
	})
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return app.lapseSubscription(ctx, item, err)
		}
		if item.IsAboutToExpired(ctx, app.renewalLookahead/2) {
			slog.ErrorContext(ctx, "renewal attempts exhausted near expiry",
				"subscription_id", item.SubscriptionID,
				"resource", item.ResourcePath,
				"expiration", item.Expiration.Format(time.RFC3339),
				"error", err,
			)
			return app.lapseSubscription(ctx, item, err)
		}
		slog.WarnContext(ctx, "renewal failed, will retry on next scan",
			"subscription_id", item.SubscriptionID,
			"resource", item.ResourcePath,
			"error", err,
		)
		return nil
	}
	// never trust the provider to clamp: the granted expiration must not
	// exceed what we asked for
	if granted.After(desired) || granted.IsZero() {
		granted = desired
	}
	renewed := *item
	renewed.Expiration = granted
	renewed.UpdatedAt = flextime.Now()
	if err := app.storage.UpdateSubscription(ctx, &renewed); err != nil {
		return fmt.Errorf("update subscription:%w", err)
	}
	slog.InfoContext(ctx, "renewed subscription",
		"subscription_id", item.SubscriptionID,
		"resource", item.ResourcePath,
		"expiration", granted.Format(time.RFC3339),
	)
	return nil
}

func (app *App) lapseSubscription(ctx context.Context, item *SubscriptionItem, reason error) error {
	lapsed := *item
	lapsed.Active = false
	lapsed.UpdatedAt = flextime.Now()
	if err := app.storage.UpdateSubscription(ctx, &lapsed); err != nil {
		return fmt.Errorf("mark subscription inactive:%w", err)
	}
	slog.ErrorContext(ctx, "subscription lapsed",
		"subscription_id", item.SubscriptionID,
		"resource", item.ResourcePath,
		"reason", reason,
	)
	detail := NewSubscriptionLapsedDetail(item, reason)
	if err := app.notification.SendChangeEvents(ctx, []*calnotifyevent.Detail{detail}); err != nil {
		return fmt.Errorf("send lapse alert:%w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription from the provider and storage.
func (app *App) DeleteSubscription(ctx context.Context, item *SubscriptionItem) error {
	slog.InfoContext(ctx, "delete subscription", "subscription_id", item.SubscriptionID, "resource", item.ResourcePath)
	if err := app.deleteUpstreamSubscription(ctx, item); err != nil {
		return err
	}
	if err := app.storage.DeleteSubscription(ctx, item); err != nil {
		return fmt.Errorf("delete subscription:%w", err)
	}
	return nil
}

// deleteUpstreamSubscription deletes a subscription at the provider. A
// provider-side 404 is tolerated so storage can still be cleaned up.
func (app *App) deleteUpstreamSubscription(ctx context.Context, item *SubscriptionItem) error {
	if err := app.graph.DeleteSubscription(ctx, item.SubscriptionID); err != nil {
		var notFound *ResourceNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("provider delete:%w", err)
		}
		slog.WarnContext(ctx, "subscription is already gone upstream", "subscription_id", item.SubscriptionID)
	}
	return nil
}
