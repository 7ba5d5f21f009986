// Package calnotifyevent provides types for calnotify EventBridge event payloads.
// These types can be used in Lambda functions to unmarshal calnotify events.
//
//	func handler(ctx context.Context, event calnotifyevent.Event) error {
//	    fmt.Println(event.DetailType)
//	    fmt.Println(event.Detail.Subject)
//	}
package calnotifyevent

import "time"

// Event represents the full EventBridge event from calnotify.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload.
type Detail struct {
	Subject        string    `json:"subject"`
	SubscriptionID string    `json:"subscriptionId"`
	ResourceID     string    `json:"resourceId"`
	ChangeType     string    `json:"changeType"`
	ETag           string    `json:"etag,omitempty"`
	Attendee       *Attendee `json:"attendee,omitempty"`
	ObservedAt     time.Time `json:"observedAt"`
}

// Attendee describes a single attendee whose response state changed.
type Attendee struct {
	ID            string `json:"id"`
	PreviousState string `json:"previousState"`
	NewState      string `json:"newState"`
}
