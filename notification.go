package calnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

// NotificationOption contains configuration for change event delivery.
//
// Supported notification types:
//   - "eventbridge": Sends events to Amazon EventBridge (default, recommended for production)
//   - "file": Writes events to a local JSON file (suitable for development)
type NotificationOption struct {
	Type      string `help:"notification type" default:"eventbridge" enum:"eventbridge,file" env:"CALNOTIFY_NOTIFICATION_TYPE"`
	EventBus  string `help:"event bus name (eventbridge type only)" default:"default" env:"CALNOTIFY_EVENTBRIDGE_EVENT_BUS"`
	EventFile string `help:"event file path (file type only)" default:"calnotify.json" env:"CALNOTIFY_EVENT_FILE"`
}

// Notification defines the interface for delivering change events to
// downstream systems. The pipeline calls it at most once per distinct
// change event; delivery guarantees beyond that are the implementation's
// concern.
type Notification interface {
	SendChangeEvents(context.Context, []*calnotifyevent.Detail) error
}

// NewNotification creates a Notification implementation based on the configuration type.
// Returns [EventBridgeNotification] for "eventbridge" or [FileNotification] for "file".
func NewNotification(ctx context.Context, cfg NotificationOption) (Notification, error) {
	switch cfg.Type {
	case "eventbridge":
		return NewEventBridgeNotification(ctx, cfg)
	case "file":
		return NewFileNotification(ctx, cfg)
	}
	return nil, errors.New("unknown notification type")
}

// EventBridgeClient is the interface for Amazon EventBridge operations.
// This is satisfied by *eventbridge.Client.
type EventBridgeClient interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeNotification implements Notification using Amazon EventBridge.
//
// Each change event is sent as a separate EventBridge event with detail-type
// indicating the change class (e.g., "Attendee Response Changed").
type EventBridgeNotification struct {
	client   EventBridgeClient
	eventBus string
}

// NewEventBridgeNotification creates a new EventBridge-based notification sender.
func NewEventBridgeNotification(_ context.Context, cfg NotificationOption) (Notification, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	n := &EventBridgeNotification{
		client:   eventbridge.NewFromConfig(awsCfg),
		eventBus: cfg.EventBus,
	}
	return n, nil
}

const eventSourcePrefix = "oss.calnotify"

func (n *EventBridgeNotification) SendChangeEvents(ctx context.Context, details []*calnotifyevent.Detail) error {
	convertor := func(d *calnotifyevent.Detail) types.PutEventsRequestEntry {
		t := d.ObservedAt
		if t.IsZero() {
			t = flextime.Now()
		}
		bs, err := json.Marshal(d)
		if err != nil {
			slog.WarnContext(ctx, "detail marshal failed", "error", err)
			bs = []byte("{}")
		}
		detail := string(bs)
		source := eventSource(eventSourcePrefix, d)
		detailType := DetailType(d)
		slog.DebugContext(ctx, "event", "source", source, "detail-type", detailType, "detail", detail)
		return types.PutEventsRequestEntry{
			EventBusName: aws.String(n.eventBus),
			Resources:    []string{},
			Source:       aws.String(source),
			DetailType:   aws.String(detailType),
			Time:         aws.Time(t),
			Detail:       aws.String(detail),
		}
	}
	var lastErr error
	for entries := range slices.Chunk(Map(details, convertor), 10) {
		output, err := n.client.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: entries,
		})
		if err != nil {
			slog.ErrorContext(ctx, "PutEvents failed", "error", err)
			lastErr = err
			continue
		}
		for i, entry := range output.Entries {
			if entry.ErrorCode != nil {
				slog.ErrorContext(ctx, "put event error", "event_bus", n.eventBus, "error_code", *entry.ErrorCode, "error_message", *entry.ErrorMessage, "detail", *entries[i].Detail)
				lastErr = fmt.Errorf("put events failed error_code=%s, error_message=%s", *entry.ErrorCode, *entry.ErrorMessage)
				continue
			}
			if entry.EventId != nil {
				slog.InfoContext(ctx, "put event", "event_bus", n.eventBus, "event_id", *entry.EventId)
				continue
			}
		}
	}
	return lastErr
}

// FileNotification implements Notification by writing events to a local JSON file.
//
// This is suitable for development and debugging. Events are appended to the file
// as newline-delimited JSON (NDJSON format).
type FileNotification struct {
	eventFile string
}

// NewFileNotification creates a new file-based notification writer.
func NewFileNotification(_ context.Context, cfg NotificationOption) (*FileNotification, error) {
	n := &FileNotification{
		eventFile: cfg.EventFile,
	}
	return n, nil
}

func (n *FileNotification) SendChangeEvents(ctx context.Context, details []*calnotifyevent.Detail) error {
	fp, err := os.OpenFile(n.eventFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		slog.DebugContext(ctx, "can not create notification event file", "event_file", n.eventFile, "error", err)
		return err
	}
	defer fp.Close()
	encoder := json.NewEncoder(fp)
	slog.InfoContext(ctx, "output change events", "event_file", n.eventFile)
	var lastErr error
	for _, d := range details {
		slog.DebugContext(ctx, "output change event", "detail_type", DetailType(d), "resource_id", coalesce(d.ResourceID, "-"), "subscription_id", coalesce(d.SubscriptionID, "-"))
		if err := encoder.Encode(d); err != nil {
			lastErr = err
			slog.WarnContext(ctx, "FileNotification.SendChangeEvents", "error", err)
		}
	}
	return lastErr
}
