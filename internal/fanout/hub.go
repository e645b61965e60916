// Package fanout routes play notifications to the overlays connected for a
// broadcaster.
package fanout

import (
	"sync"
	"time"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

const defaultBuffer = 16

// Frame is one message pushed to an overlay connection.
type Frame struct {
	Type         string `json:"type"`
	core.Notification
	HTML string `json:"html"`
}

// Subscription is one live overlay connection.
type Subscription struct {
	broadcasterID string
	ch            chan Frame
	once          sync.Once
}

// C yields frames until the subscription is removed or the hub closes.
func (s *Subscription) C() <-chan Frame { return s.ch }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type HubOptions struct {
	Buffer int
	// OnDrop runs when a slow subscriber's buffer is full.
	OnDrop func(broadcasterID string)
	// OnChange reports the connection count after subscribe/unsubscribe.
	OnChange func(total int)
	// DropSummaryInterval spaces the drop summary log lines. Zero means 5s.
	DropSummaryInterval time.Duration
}

// Hub keeps one group of subscriptions per broadcaster. Publishing never
// blocks: a full subscriber buffer drops the frame for that subscriber.
type Hub struct {
	opts  HubOptions
	drops *dropLogger

	mu     sync.RWMutex
	groups map[string]map[*Subscription]struct{}
	total  int
	closed bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Hub{
		opts:   opts,
		drops:  newDropLogger(time.Now(), opts.DropSummaryInterval),
		groups: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe adds a connection to broadcasterID's group. It returns nil once
// the hub is closed.
func (h *Hub) Subscribe(broadcasterID string) *Subscription {
	sub := &Subscription{broadcasterID: broadcasterID, ch: make(chan Frame, h.opts.Buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	group, ok := h.groups[broadcasterID]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[broadcasterID] = group
	}
	group[sub] = struct{}{}
	h.total++
	total := h.total
	h.mu.Unlock()

	if h.opts.OnChange != nil {
		h.opts.OnChange(total)
	}
	return sub
}

// Unsubscribe removes sub. Removing an absent or nil subscription is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	group, ok := h.groups[sub.broadcasterID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := group[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(group, sub)
	if len(group) == 0 {
		delete(h.groups, sub.broadcasterID)
	}
	h.total--
	total := h.total
	h.mu.Unlock()

	sub.close()
	if h.opts.OnChange != nil {
		h.opts.OnChange(total)
	}
}

// Publish delivers n to every subscriber of its broadcaster and returns how
// many received it. An empty group is not an error.
func (h *Hub) Publish(n core.Notification) int {
	frame := Frame{Type: "play_sfx", Notification: n}
	html, err := Render(n)
	if err != nil {
		logging.Warn().Err(err).Str("broadcaster_id", n.BroadcasterID).Msg("fanout: render failed")
	}
	frame.HTML = html

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.groups[n.BroadcasterID] {
		select {
		case sub.ch <- frame:
			delivered++
		default:
			h.drops.note(time.Now(), n.BroadcasterID, n.ArtifactID)
			if h.opts.OnDrop != nil {
				h.opts.OnDrop(n.BroadcasterID)
			}
		}
	}
	return delivered
}

func (h *Hub) Subscribers(broadcasterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[broadcasterID])
}

// Close ends every subscription; later Subscribe calls return nil.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	groups := h.groups
	h.groups = make(map[string]map[*Subscription]struct{})
	h.total = 0
	h.mu.Unlock()

	h.drops.flush(time.Now())
	for _, group := range groups {
		for sub := range group {
			sub.close()
		}
	}
}
