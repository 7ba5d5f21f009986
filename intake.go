package calnotify

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

// NotificationEnvelope is a single change notification as delivered by the
// provider. A webhook POST carries a batch of these under "value".
type NotificationEnvelope struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID   string `json:"id"`
		ETag string `json:"@odata.etag"`
	} `json:"resourceData"`
	ClientState string `json:"clientState"`
	TenantID    string `json:"tenantId,omitempty"`
}

// ResourceID returns the identifier of the changed resource. Falls back to
// the last segment of the resource path when resourceData is absent.
func (envelope *NotificationEnvelope) ResourceID() string {
	if envelope.ResourceData.ID != "" {
		return envelope.ResourceData.ID
	}
	if i := strings.LastIndex(envelope.Resource, "/"); i >= 0 {
		return envelope.Resource[i+1:]
	}
	return envelope.Resource
}

// ETag returns the resource version carried in the notification, if any.
func (envelope *NotificationEnvelope) ETag() string {
	return envelope.ResourceData.ETag
}

// AcceptedNotification is a notification that passed authenticity and
// deduplication checks and is queued for detached processing.
type AcceptedNotification struct {
	Envelope    *NotificationEnvelope
	Item        *SubscriptionItem
	Fingerprint string
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock entries are reference counted and removed on the last unlock, so the
// map does not grow with every resource ever seen.
func (km *keyedMutex) Lock(key string) func() {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}

// Intake implements the change notification pipeline: authenticity check,
// deduplication, resource fetch, diff against the stored snapshot and
// downstream delivery.
type Intake struct {
	storage        Storage
	snapshots      SnapshotStorage
	ledger         DedupeLedger
	fetcher        ResourceFetcher
	notification   Notification
	celEnv         *CELEnv
	rules          []*NotificationRule
	fingerprintTTL time.Duration
	fetchTimeout   time.Duration
	locker         keyedMutex
}

func NewIntake(storage Storage, snapshots SnapshotStorage, ledger DedupeLedger, fetcher ResourceFetcher, notification Notification, celEnv *CELEnv, rules []*NotificationRule, fingerprintTTL, fetchTimeout time.Duration) *Intake {
	return &Intake{
		storage:        storage,
		snapshots:      snapshots,
		ledger:         ledger,
		fetcher:        fetcher,
		notification:   notification,
		celEnv:         celEnv,
		rules:          rules,
		fingerprintTTL: fingerprintTTL,
		fetchTimeout:   fetchTimeout,
	}
}

// NotificationRejected marks a notification that failed the authenticity
// check. It is dropped, not retried.
type NotificationRejected struct {
	SubscriptionID string
	Reason         string
}

func (err *NotificationRejected) Error() string {
	return fmt.Sprintf("notification for subscription %s rejected: %s", err.SubscriptionID, err.Reason)
}

// VerifyEnvelope checks that a notification belongs to a known active
// subscription and carries the clientState that was issued at subscription
// creation. The comparison is constant time.
func (intake *Intake) VerifyEnvelope(ctx context.Context, envelope *NotificationEnvelope) (*SubscriptionItem, error) {
	item, err := intake.storage.FindOneBySubscriptionID(ctx, envelope.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !item.Active {
		return nil, &NotificationRejected{SubscriptionID: envelope.SubscriptionID, Reason: "subscription is inactive"}
	}
	if subtle.ConstantTimeCompare([]byte(item.ClientState), []byte(envelope.ClientState)) != 1 {
		return nil, &NotificationRejected{SubscriptionID: envelope.SubscriptionID, Reason: "clientState mismatch"}
	}
	return item, nil
}

// AcceptBatch runs the synchronous half of intake. Each notification is
// verified and a dedupe fingerprint is inserted before any processing
// happens; notifications whose fingerprint already exists are dropped.
//
// An unverifiable notification is skipped, not failed: a batch can mix
// notifications for multiple subscriptions and one bad envelope must not
// block the rest. A storage failure fails the whole batch so the caller can
// signal the provider to redeliver; fingerprints claimed for earlier
// envelopes in the batch are released so that redelivery is not dropped as
// a duplicate.
func (intake *Intake) AcceptBatch(ctx context.Context, envelopes []*NotificationEnvelope) ([]*AcceptedNotification, error) {
	accepted := make([]*AcceptedNotification, 0, len(envelopes))
	for _, envelope := range envelopes {
		item, err := intake.VerifyEnvelope(ctx, envelope)
		if err != nil {
			var notFound *SubscriptionNotFound
			if errors.As(err, &notFound) {
				slog.WarnContext(ctx, "notification for unknown subscription", "subscription_id", envelope.SubscriptionID)
				continue
			}
			var rejected *NotificationRejected
			if errors.As(err, &rejected) {
				slog.WarnContext(ctx, "notification rejected", "subscription_id", rejected.SubscriptionID, "reason", rejected.Reason)
				continue
			}
			intake.rollbackAccepted(ctx, accepted)
			return nil, fmt.Errorf("verify notification: %w", err)
		}
		fingerprint := Fingerprint(envelope.SubscriptionID, envelope.ResourceID(), envelope.ETag())
		inserted, err := intake.ledger.Insert(ctx, fingerprint, intake.fingerprintTTL)
		if err != nil {
			intake.rollbackAccepted(ctx, accepted)
			return nil, fmt.Errorf("dedupe ledger insert: %w", err)
		}
		if !inserted {
			slog.InfoContext(ctx, "duplicate notification dropped", "subscription_id", envelope.SubscriptionID, "resource_id", envelope.ResourceID(), "etag", coalesce(envelope.ETag(), "-"))
			continue
		}
		accepted = append(accepted, &AcceptedNotification{
			Envelope:    envelope,
			Item:        item,
			Fingerprint: fingerprint,
		})
	}
	return accepted, nil
}

func (intake *Intake) rollbackAccepted(ctx context.Context, accepted []*AcceptedNotification) {
	for _, notification := range accepted {
		if err := intake.ledger.Remove(ctx, notification.Fingerprint); err != nil {
			slog.WarnContext(ctx, "fingerprint rollback failed", "fingerprint", notification.Fingerprint, "error", err)
		}
	}
}

// ProcessAccepted runs the detached half of intake for each accepted
// notification. Failures are logged per notification; a resource fetch
// failure rolls the fingerprint back so a redelivered notification can
// retry.
func (intake *Intake) ProcessAccepted(ctx context.Context, accepted []*AcceptedNotification) {
	for _, notification := range accepted {
		if err := intake.processOne(ctx, notification); err != nil {
			slog.ErrorContext(ctx, "process notification failed",
				"subscription_id", notification.Envelope.SubscriptionID,
				"resource_id", notification.Envelope.ResourceID(),
				"change_type", notification.Envelope.ChangeType,
				"error", err,
			)
		}
	}
}

func (intake *Intake) processOne(ctx context.Context, notification *AcceptedNotification) error {
	envelope := notification.Envelope
	resourceID := envelope.ResourceID()
	observedAt := flextime.Now()

	if envelope.ChangeType == "deleted" {
		unlock := intake.locker.Lock(resourceID)
		defer unlock()
		if err := intake.snapshots.DeleteSnapshot(ctx, resourceID); err != nil {
			var notFound *SnapshotNotFound
			if !errors.As(err, &notFound) {
				return fmt.Errorf("delete snapshot: %w", err)
			}
		}
		return intake.deliver(ctx, []*calnotifyevent.Detail{
			NewEventRemovedDetail(envelope, observedAt),
		})
	}

	fetchCtx := ctx
	if intake.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, intake.fetchTimeout)
		defer cancel()
	}
	current, err := intake.fetcher.FetchResource(fetchCtx, envelope.Resource, resourceID)
	if err != nil {
		var notFound *ResourceNotFound
		if errors.As(err, &notFound) {
			// the resource is gone; report a removal rather than retrying
			unlock := intake.locker.Lock(resourceID)
			defer unlock()
			if err := intake.snapshots.DeleteSnapshot(ctx, resourceID); err != nil {
				var snapNotFound *SnapshotNotFound
				if !errors.As(err, &snapNotFound) {
					return fmt.Errorf("delete snapshot: %w", err)
				}
			}
			return intake.deliver(ctx, []*calnotifyevent.Detail{
				NewEventRemovedDetail(envelope, observedAt),
			})
		}
		if removeErr := intake.ledger.Remove(ctx, notification.Fingerprint); removeErr != nil {
			slog.WarnContext(ctx, "fingerprint rollback failed", "fingerprint", notification.Fingerprint, "error", removeErr)
		}
		return fmt.Errorf("fetch resource: %w", err)
	}

	unlock := intake.locker.Lock(resourceID)
	defer unlock()

	previous, err := intake.snapshots.FindSnapshot(ctx, resourceID)
	if err != nil {
		var notFound *SnapshotNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("find snapshot: %w", err)
		}
		previous = nil
	}
	changes := DiffSnapshots(previous, current)
	if err := intake.snapshots.SaveSnapshot(ctx, current); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if previous == nil {
		slog.InfoContext(ctx, "baseline snapshot captured", "resource_id", resourceID, "attendees", len(current.AttendeeStates))
		return nil
	}
	if len(changes) == 0 {
		slog.DebugContext(ctx, "no attendee response changes", "resource_id", resourceID, "etag", coalesce(current.ETag, "-"))
		return nil
	}
	details := make([]*calnotifyevent.Detail, 0, len(changes))
	for _, attendee := range changes {
		details = append(details, NewAttendeeChangeDetail(envelope, attendee, observedAt))
	}
	return intake.deliver(ctx, details)
}

func (intake *Intake) deliver(ctx context.Context, details []*calnotifyevent.Detail) error {
	filtered, err := intake.applyRules(ctx, details)
	if err != nil {
		return err
	}
	if len(filtered) == 0 {
		return nil
	}
	if err := intake.notification.SendChangeEvents(ctx, filtered); err != nil {
		return fmt.Errorf("send change events: %w", err)
	}
	return nil
}

func (intake *Intake) applyRules(ctx context.Context, details []*calnotifyevent.Detail) ([]*calnotifyevent.Detail, error) {
	if len(intake.rules) == 0 {
		return details, nil
	}
	filtered := make([]*calnotifyevent.Detail, 0, len(details))
	for _, detail := range details {
		suppressed := false
		for _, rule := range intake.rules {
			matched, err := rule.Match(intake.celEnv, detail)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.Name(), err)
			}
			if !matched {
				continue
			}
			if rule.Suppress {
				slog.DebugContext(ctx, "change event suppressed by rule", "rule", rule.Name(), "resource_id", detail.ResourceID)
				suppressed = true
				break
			}
			if err := rule.Apply(intake.celEnv, detail); err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.Name(), err)
			}
		}
		if !suppressed {
			filtered = append(filtered, detail)
		}
	}
	return filtered, nil
}
