package mirror

import (
	"context"
	"fmt"
)

// EventKind identifies a live mutation kind.
type EventKind string

const (
	// EventKindInsert announces newly posted messages.
	EventKindInsert EventKind = "insert"
	// EventKindUpdate announces edited messages.
	EventKindUpdate EventKind = "update"
	// EventKindDelete announces deleted messages.
	EventKindDelete EventKind = "delete"
)

// Event is one live mutation notification for the mirrored channel.
//
// Events carry ids only; content is always re-fetched before it is stored.
type Event struct {
	Kind EventKind
	IDs  []RecordID
}

// Validate checks kind and ids.
func (e Event) Validate() error {
	switch e.Kind {
	case EventKindInsert, EventKindUpdate, EventKindDelete:
	default:
		return fmt.Errorf("validate event: unsupported kind %q", e.Kind)
	}
	if len(e.IDs) == 0 {
		return fmt.Errorf("validate event %s: no ids", e.Kind)
	}
	for _, id := range e.IDs {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("validate event %s: %w", e.Kind, err)
		}
	}

	return nil
}

// EventHandler consumes live mutation events.
type EventHandler interface {
	Handle(ctx context.Context, event Event)
}
