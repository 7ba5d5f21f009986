package calnotify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/stretchr/testify/require"
)

func testSubscription(t *testing.T, ctx context.Context, storage Storage) *SubscriptionItem {
	t.Helper()
	now := flextime.Now()
	item := &SubscriptionItem{
		SubscriptionID:  "sub-1",
		ResourcePath:    "users/alice@example.com/events",
		ClientState:     "expected-secret",
		Expiration:      now.Add(72 * time.Hour),
		NotificationURL: "https://example.com/webhook",
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, storage.SaveSubscription(ctx, item))
	return item
}

func testEnvelope(resourceID, etag, clientState string) *NotificationEnvelope {
	envelope := &NotificationEnvelope{
		SubscriptionID: "sub-1",
		ChangeType:     "updated",
		Resource:       "users/alice@example.com/events/" + resourceID,
		ClientState:    clientState,
	}
	envelope.ResourceData.ID = resourceID
	envelope.ResourceData.ETag = etag
	return envelope
}

func TestIntakeBaselineThenChange(t *testing.T) {
	restore := flextime.Set(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC))
	defer restore()

	ctx := context.Background()
	server, stub := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	intake := NewIntake(storage, snapshots, ledger, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	stub.SetEvent("ev-1", `W/"v1"`,
		newStubInvitee("alice@example.com", "none"),
		newStubInvitee("bob@example.com", "accepted"),
	)
	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	intake.ProcessAccepted(ctx, accepted)
	require.Empty(t, notification.Details(), "first observation establishes the baseline")

	snapshot, err := snapshots.FindSnapshot(ctx, "ev-1")
	require.NoError(t, err)
	require.EqualValues(t, ResponseStateAccepted, snapshot.AttendeeStates["bob@example.com"])

	stub.SetEvent("ev-1", `W/"v2"`,
		newStubInvitee("alice@example.com", "declined"),
		newStubInvitee("bob@example.com", "accepted"),
	)
	accepted, err = intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v2"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	intake.ProcessAccepted(ctx, accepted)

	details := notification.Details()
	require.Len(t, details, 1)
	require.Equal(t, "sub-1", details[0].SubscriptionID)
	require.Equal(t, "ev-1", details[0].ResourceID)
	require.NotNil(t, details[0].Attendee)
	require.Equal(t, "alice@example.com", details[0].Attendee.ID)
	require.Equal(t, "none", details[0].Attendee.PreviousState)
	require.Equal(t, "declined", details[0].Attendee.NewState)
}

func TestIntakeDuplicateDropped(t *testing.T) {
	ctx := context.Background()
	server, stub := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	intake := NewIntake(storage, snapshots, ledger, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	stub.SetEvent("ev-1", `W/"v1"`, newStubInvitee("alice@example.com", "accepted"))

	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1, "same fingerprint within one batch is a duplicate")

	accepted2, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Empty(t, accepted2, "redelivery after accept is a duplicate")
}

func TestIntakeClientStateMismatchSkipped(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	intake := NewIntake(storage, snapshots, ledger, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "wrong-secret"),
		testEnvelope("ev-2", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1, "forged notification is skipped, the rest of the batch survives")
	require.Equal(t, "ev-2", accepted[0].Envelope.ResourceID())
}

func TestIntakeUnknownSubscriptionSkipped(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	intake := NewIntake(storage, snapshots, ledger, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Empty(t, accepted)
}

// flakyLedger fails inserts after the first failAfter calls.
type flakyLedger struct {
	inner     DedupeLedger
	failAfter int
	inserts   int
}

func (l *flakyLedger) Insert(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	if l.inserts >= l.failAfter {
		return false, errors.New("ledger unavailable")
	}
	l.inserts++
	return l.inner.Insert(ctx, fingerprint, ttl)
}

func (l *flakyLedger) Remove(ctx context.Context, fingerprint string) error {
	return l.inner.Remove(ctx, fingerprint)
}

func TestIntakeBatchFailureReleasesClaimedFingerprints(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	flaky := &flakyLedger{inner: ledger, failAfter: 1}
	intake := NewIntake(storage, snapshots, flaky, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	_, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
		testEnvelope("ev-2", `W/"v1"`, "expected-secret"),
	})
	require.Error(t, err, "a mid-batch store failure fails the whole batch")

	// the first envelope's fingerprint was released, so the provider's
	// redelivery of the identical batch is not dropped as a duplicate
	inserted, err := ledger.Insert(ctx, Fingerprint("sub-1", "ev-1", `W/"v1"`), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var km keyedMutex
	unlock := km.Lock("ev-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := km.Lock("ev-1")
		u()
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done

	unlockOther := km.Lock("ev-2")
	unlockOther()
	require.Empty(t, km.locks, "lock entries are removed on the last unlock")
}

type throttledFetcher struct {
	calls int
}

func (f *throttledFetcher) FetchResource(_ context.Context, _ string, _ string) (*ResourceSnapshot, error) {
	f.calls++
	return nil, &ThrottledError{StatusCode: 503}
}

func TestIntakeFetchFailureRollsBackFingerprint(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, _, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	fetcher := &throttledFetcher{}
	intake := NewIntake(storage, snapshots, ledger, fetcher, notification, nil, nil, 24*time.Hour, 15*time.Second)

	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	intake.ProcessAccepted(ctx, accepted)
	require.Empty(t, notification.Details())

	// the fingerprint was released, so the redelivery is accepted again
	accepted, err = intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
}

func TestIntakeDeletedResource(t *testing.T) {
	restore := flextime.Set(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC))
	defer restore()

	ctx := context.Background()
	server, stub := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)
	intake := NewIntake(storage, snapshots, ledger, graph, notification, nil, nil, 24*time.Hour, 15*time.Second)

	stub.SetEvent("ev-1", `W/"v1"`, newStubInvitee("alice@example.com", "accepted"))
	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	intake.ProcessAccepted(ctx, accepted)

	envelope := testEnvelope("ev-1", `W/"v2"`, "expected-secret")
	envelope.ChangeType = "deleted"
	accepted, err = intake.AcceptBatch(ctx, []*NotificationEnvelope{envelope})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	intake.ProcessAccepted(ctx, accepted)

	details := notification.Details()
	require.Len(t, details, 1)
	require.Equal(t, DetailTypeEventRemoved, DetailType(details[0]))

	_, err = snapshots.FindSnapshot(ctx, "ev-1")
	var notFound *SnapshotNotFound
	require.ErrorAs(t, err, &notFound, "snapshot is removed with the resource")
}

func TestIntakeRulesSuppressAndRewrite(t *testing.T) {
	ctx := context.Background()
	server, stub := NewStub(t)
	defer server.Close()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, server.URL)
	testSubscription(t, ctx, storage)

	env, err := NewCELEnv()
	require.NoError(t, err)
	rules := []*NotificationRule{
		{
			RuleName: "drop tentative",
			When:     &ExprOrBool{raw: `attendee.newState == "tentative"`},
			Suppress: true,
		},
		{
			RuleName: "tag declines",
			When:     &ExprOrBool{raw: `attendee.newState == "declined"`},
			Subject:  &ExprOrString{raw: `"[decline] " + attendee.id`},
		},
	}
	for _, rule := range rules {
		require.NoError(t, rule.Restrict(env))
	}
	intake := NewIntake(storage, snapshots, ledger, graph, notification, env, rules, 24*time.Hour, 15*time.Second)

	stub.SetEvent("ev-1", `W/"v1"`,
		newStubInvitee("alice@example.com", "none"),
		newStubInvitee("bob@example.com", "none"),
	)
	accepted, err := intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v1"`, "expected-secret"),
	})
	require.NoError(t, err)
	intake.ProcessAccepted(ctx, accepted)

	stub.SetEvent("ev-1", `W/"v2"`,
		newStubInvitee("alice@example.com", "tentative"),
		newStubInvitee("bob@example.com", "declined"),
	)
	accepted, err = intake.AcceptBatch(ctx, []*NotificationEnvelope{
		testEnvelope("ev-1", `W/"v2"`, "expected-secret"),
	})
	require.NoError(t, err)
	intake.ProcessAccepted(ctx, accepted)

	details := notification.Details()
	require.Len(t, details, 1, "tentative change is suppressed")
	require.Equal(t, "[decline] bob@example.com", details[0].Subject)
}
