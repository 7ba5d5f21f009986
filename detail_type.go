package calnotify

// DetailType constants for EventBridge events.
const (
	DetailTypeAttendeeResponseChanged = "Attendee Response Changed"
	DetailTypeEventRemoved            = "Calendar Event Removed"
	DetailTypeSubscriptionLapsed      = "Subscription Lapsed"
)
