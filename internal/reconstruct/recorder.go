package reconstruct

import (
	"context"
	"sync"

	"github.com/memohai/sticker/internal/message"
)

// Recorder is a Sender that keeps every message instead of delivering it.
// Previews use it to show what a reply would turn into.
type Recorder struct {
	mu       sync.Mutex
	messages [][]message.Segment
}

// Send records segments.
func (r *Recorder) Send(_ context.Context, segments []message.Segment, _ message.ReplyRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, append([]message.Segment(nil), segments...))
	return nil
}

// Messages returns the recorded messages in send order.
func (r *Recorder) Messages() [][]message.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]message.Segment, len(r.messages))
	copy(out, r.messages)
	return out
}
