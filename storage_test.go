package calnotify_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/calnotify"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionItemIsAboutToExpired(t *testing.T) {

	cases := []struct {
		now       time.Time
		item      *calnotify.SubscriptionItem
		remaining time.Duration
		expected  bool
	}{
		{
			now: time.Date(2022, 6, 1, 11, 0, 0, 0, time.UTC),
			item: &calnotify.SubscriptionItem{
				Expiration: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC),
			},
			remaining: time.Hour,
			expected:  true,
		},
		{
			now: time.Date(2022, 6, 1, 11, 0, 0, 0, time.UTC),
			item: &calnotify.SubscriptionItem{
				Expiration: time.Date(2022, 6, 1, 13, 0, 0, 0, time.UTC),
			},
			remaining: time.Hour,
			expected:  false,
		},
		{
			now: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC),
			item: &calnotify.SubscriptionItem{
				Expiration: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC),
			},
			remaining: time.Hour,
			expected:  true,
		},
		{
			now: time.Date(2022, 6, 1, 14, 0, 0, 0, time.UTC),
			item: &calnotify.SubscriptionItem{
				Expiration: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC),
			},
			remaining: time.Hour,
			expected:  true,
		},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case.%d", i), func(t *testing.T) {
			restore := flextime.Set(c.now)
			defer restore()
			actual := c.item.IsAboutToExpired(context.Background(), c.remaining)
			require.EqualValues(t, c.expected, actual)
		})
	}
}

func TestFileStorage(t *testing.T) {
	restore := flextime.Set(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC))
	defer restore()

	ctx := context.Background()
	storage, err := calnotify.NewFileStorage(ctx, calnotify.StorageOption{
		Type:    "file",
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	item := &calnotify.SubscriptionItem{
		SubscriptionID:  "sub-1",
		ResourcePath:    "users/alice@example.com/events",
		ClientState:     "secret",
		Expiration:      time.Date(2022, 6, 4, 12, 0, 0, 0, time.UTC),
		NotificationURL: "https://example.com/webhook",
		Active:          true,
		CreatedAt:       flextime.Now(),
		UpdatedAt:       flextime.Now(),
	}
	require.NoError(t, storage.SaveSubscription(ctx, item))

	err = storage.SaveSubscription(ctx, item)
	var alreadyExists *calnotify.SubscriptionAlreadyExists
	require.ErrorAs(t, err, &alreadyExists, "save is create-only")

	found, err := storage.FindOneBySubscriptionID(ctx, "sub-1")
	require.NoError(t, err)
	require.EqualValues(t, item, found)

	_, err = storage.FindOneBySubscriptionID(ctx, "sub-unknown")
	var notFound *calnotify.SubscriptionNotFound
	require.ErrorAs(t, err, &notFound)

	updated := *item
	updated.Expiration = time.Date(2022, 6, 7, 12, 0, 0, 0, time.UTC)
	updated.UpdatedAt = time.Date(2022, 6, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, storage.UpdateSubscription(ctx, &updated))

	found, err = storage.FindOneBySubscriptionID(ctx, "sub-1")
	require.NoError(t, err)
	require.EqualValues(t, updated.Expiration, found.Expiration)

	itemsCh, err := storage.FindAllSubscriptions(ctx)
	require.NoError(t, err)
	count := 0
	for items := range itemsCh {
		count += len(items)
	}
	require.Equal(t, 1, count)

	require.NoError(t, storage.DeleteSubscription(ctx, item))
	_, err = storage.FindOneBySubscriptionID(ctx, "sub-1")
	require.ErrorAs(t, err, &notFound)
}

func TestFileStorageFindAllSurfacesReadFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storage, err := calnotify.NewFileStorage(ctx, calnotify.StorageOption{
		Type:    "file",
		DataDir: dir,
	})
	require.NoError(t, err)

	// an unreadable data file must fail the listing, not silently
	// truncate it
	require.NoError(t, os.Mkdir(filepath.Join(dir, "calnotify_subscriptions.dat"), 0755))
	_, err = storage.FindAllSubscriptions(ctx)
	require.Error(t, err)
}

func TestFileSnapshotStorage(t *testing.T) {
	ctx := context.Background()
	storage, err := calnotify.NewFileSnapshotStorage(ctx, calnotify.StorageOption{
		Type:    "file",
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = storage.FindSnapshot(ctx, "ev-1")
	var notFound *calnotify.SnapshotNotFound
	require.ErrorAs(t, err, &notFound)

	snapshot := &calnotify.ResourceSnapshot{
		ResourceID: "ev-1",
		ETag:       `W/"abc"`,
		AttendeeStates: map[string]calnotify.ResponseState{
			"alice@example.com": calnotify.ResponseStateAccepted,
		},
		CapturedAt: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, storage.SaveSnapshot(ctx, snapshot))

	found, err := storage.FindSnapshot(ctx, "ev-1")
	require.NoError(t, err)
	require.EqualValues(t, snapshot, found)

	// a save fully replaces the prior snapshot
	replaced := &calnotify.ResourceSnapshot{
		ResourceID: "ev-1",
		ETag:       `W/"def"`,
		AttendeeStates: map[string]calnotify.ResponseState{
			"bob@example.com": calnotify.ResponseStateDeclined,
		},
		CapturedAt: time.Date(2022, 6, 1, 13, 0, 0, 0, time.UTC),
	}
	require.NoError(t, storage.SaveSnapshot(ctx, replaced))
	found, err = storage.FindSnapshot(ctx, "ev-1")
	require.NoError(t, err)
	require.EqualValues(t, replaced, found)
	require.NotContains(t, found.AttendeeStates, "alice@example.com")

	require.NoError(t, storage.DeleteSnapshot(ctx, "ev-1"))
	_, err = storage.FindSnapshot(ctx, "ev-1")
	require.ErrorAs(t, err, &notFound)
}
