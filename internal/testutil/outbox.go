package testutil

import (
	"encoding/json"
	"sync"
)

// Frame is a decoded outbound envelope.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbox records every frame enqueued for one session. It satisfies the
// server's outbox contract without a network connection.
type Outbox struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	// Refuse makes Enqueue report a full buffer.
	Refuse bool
}

// NewOutbox returns an empty recording outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue records msg unless the outbox is closed or Refuse is set.
func (o *Outbox) Enqueue(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.Refuse {
		return false
	}
	o.frames = append(o.frames, append([]byte(nil), msg...))
	return true
}

// Close marks the outbox closed.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Frames decodes every recorded frame. Undecodable frames are skipped.
func (o *Outbox) Frames() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Frame, 0, len(o.frames))
	for _, raw := range o.frames {
		var f Frame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// OfType returns frames whose type equals typ.
func (o *Outbox) OfType(typ string) []Frame {
	var out []Frame
	for _, f := range o.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// Reset discards recorded frames.
func (o *Outbox) Reset() {
	o.mu.Lock()
	o.frames = nil
	o.mu.Unlock()
}
