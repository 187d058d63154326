package model

import "time"

// Fragment is one attributable slice of a participant's private context.
type Fragment struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Similarity float64   `json:"similarity"`
	Redactions int       `json:"redactions,omitempty"`
}

// ContextBundle is the ordered, bounded output of a successful retrieval.
type ContextBundle struct {
	RequestID string     `json:"request_id"`
	RoomID    string     `json:"room_id"`
	TargetID  string     `json:"target_id"`
	Fragments []Fragment `json:"fragments"`
}

// FragmentIDs lists the ids of the bundled fragments in order.
func (b *ContextBundle) FragmentIDs() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.Fragments))
	for _, f := range b.Fragments {
		out = append(out, f.ID)
	}
	return out
}

// Result is what the broker hands back to the caller: either a bundle or an
// explicit "nothing relevant" marker.
type Result struct {
	RequestID         string         `json:"request_id"`
	Bundle            *ContextBundle `json:"bundle,omitempty"`
	NoRelevantContext bool           `json:"no_relevant_context,omitempty"`
}
