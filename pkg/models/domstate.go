package models

import (
	"encoding/json"
	"time"
)

// RegisteredListener records a DOM event listener so it can be restored when
// a browser reattaches to the agent.
type RegisteredListener struct {
	Selector       string          `json:"selector"`
	Events         []string        `json:"events"`
	TargetWorkerID string          `json:"targetWorkerId,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// DOMState is the persistent snapshot of an agent's page.
type DOMState struct {
	BodyHTML            string               `json:"bodyHtml"`
	BodyAttrs           map[string]string    `json:"bodyAttrs,omitempty"`
	HeadHTML            string               `json:"headHtml,omitempty"`
	HTMLAttrs           map[string]string    `json:"htmlAttrs,omitempty"`
	RegisteredListeners []RegisteredListener `json:"registeredListeners,omitempty"`
	CapturedAt          time.Time            `json:"capturedAt,omitempty"`
}

// Clone deep-copies the snapshot.
func (d *DOMState) Clone() *DOMState {
	if d == nil {
		return nil
	}
	out := *d
	if d.BodyAttrs != nil {
		out.BodyAttrs = make(map[string]string, len(d.BodyAttrs))
		for k, v := range d.BodyAttrs {
			out.BodyAttrs[k] = v
		}
	}
	if d.HTMLAttrs != nil {
		out.HTMLAttrs = make(map[string]string, len(d.HTMLAttrs))
		for k, v := range d.HTMLAttrs {
			out.HTMLAttrs[k] = v
		}
	}
	if d.RegisteredListeners != nil {
		out.RegisteredListeners = make([]RegisteredListener, len(d.RegisteredListeners))
		copy(out.RegisteredListeners, d.RegisteredListeners)
	}
	return &out
}
