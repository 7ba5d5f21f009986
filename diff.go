package calnotify

import (
	"sort"

	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

// DiffSnapshots compares two snapshots of the same resource and reports one
// change per attendee whose response state differs.
//
// A nil previous snapshot establishes the baseline and yields no changes.
// Attendees absent from the previous snapshot are treated as "none".
// Attendees present only in the previous snapshot are a membership change,
// not a response change, and are not reported.
//
// The result is sorted by attendee id so the output is independent of map
// iteration order. The function has no side effects.
func DiffSnapshots(previous, current *ResourceSnapshot) []*calnotifyevent.Attendee {
	if previous == nil {
		return nil
	}
	changes := make([]*calnotifyevent.Attendee, 0, len(current.AttendeeStates))
	for id, state := range current.AttendeeStates {
		prevState, ok := previous.AttendeeStates[id]
		if !ok {
			prevState = ResponseStateNone
		}
		if prevState == state {
			continue
		}
		changes = append(changes, &calnotifyevent.Attendee{
			ID:            id,
			PreviousState: string(prevState),
			NewState:      string(state),
		})
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].ID < changes[j].ID
	})
	return changes
}
