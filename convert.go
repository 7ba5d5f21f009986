package calnotify

import (
	"fmt"
	"time"

	"github.com/Songmu/flextime"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

// NewAttendeeChangeDetail builds the event detail for a single attendee
// response change.
func NewAttendeeChangeDetail(envelope *NotificationEnvelope, attendee *calnotifyevent.Attendee, observedAt time.Time) *calnotifyevent.Detail {
	return &calnotifyevent.Detail{
		Subject: fmt.Sprintf("Attendee %s changed response from %s to %s on event %s",
			attendee.ID, attendee.PreviousState, attendee.NewState, envelope.ResourceID(),
		),
		SubscriptionID: envelope.SubscriptionID,
		ResourceID:     envelope.ResourceID(),
		ChangeType:     envelope.ChangeType,
		ETag:           envelope.ETag(),
		Attendee:       attendee,
		ObservedAt:     observedAt,
	}
}

// NewEventRemovedDetail builds the event detail for a deleted resource.
func NewEventRemovedDetail(envelope *NotificationEnvelope, observedAt time.Time) *calnotifyevent.Detail {
	return &calnotifyevent.Detail{
		Subject:        fmt.Sprintf("Event %s was removed", envelope.ResourceID()),
		SubscriptionID: envelope.SubscriptionID,
		ResourceID:     envelope.ResourceID(),
		ChangeType:     envelope.ChangeType,
		ObservedAt:     observedAt,
	}
}

// NewSubscriptionLapsedDetail builds the alert detail raised when a
// subscription could not be renewed and was marked inactive. A lapsed
// subscription silently produces no future notifications, so this detail
// must always reach the operator.
func NewSubscriptionLapsedDetail(item *SubscriptionItem, reason error) *calnotifyevent.Detail {
	return &calnotifyevent.Detail{
		Subject: fmt.Sprintf("Subscription %s for %s lapsed: %s",
			item.SubscriptionID, item.ResourcePath, reason,
		),
		SubscriptionID: item.SubscriptionID,
		ResourceID:     item.ResourcePath,
		ChangeType:     "lapsed",
		ObservedAt:     flextime.Now(),
	}
}

// DetailType returns the EventBridge detail-type for a detail payload.
func DetailType(d *calnotifyevent.Detail) string {
	if d == nil {
		return "Unexpected Change"
	}
	switch {
	case d.ChangeType == "lapsed":
		return DetailTypeSubscriptionLapsed
	case d.ChangeType == "deleted":
		return DetailTypeEventRemoved
	case d.Attendee != nil:
		return DetailTypeAttendeeResponseChanged
	default:
		return "Unexpected Change"
	}
}

func eventSource(sourcePrefix string, d *calnotifyevent.Detail) string {
	if d == nil || d.ResourceID == "" {
		return sourcePrefix
	}
	return fmt.Sprintf("%s/event/%s", sourcePrefix, d.ResourceID)
}
