package status

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

const subscriberBuffer = 256

// Stream feeds.
const (
	FeedTab   = "tab"
	FeedRelay = "relay"
)

// TabEvent is a tab badge change.
type TabEvent struct {
	Seq    int64        `json:"seq,omitempty"`
	Tab    types.TabID  `json:"tab_id"`
	Status types.Status `json:"status"`
}

// RelayEvent is a change of the global relay state.
type RelayEvent struct {
	Seq    int64  `json:"seq,omitempty"`
	Status string `json:"status"`
}

// Change is one published change. Exactly one of Tab and Relay is set.
type Change struct {
	Tab   *TabEvent
	Relay *RelayEvent
}

// Feed names the feed the change belongs to.
func (c Change) Feed() string {
	if c.Tab != nil {
		return FeedTab
	}
	return FeedRelay
}

// Seq is the broker sequence number, zero for snapshot entries.
func (c Change) Seq() int64 {
	if c.Tab != nil {
		return c.Tab.Seq
	}
	return c.Relay.Seq
}

// Payload returns the event value, TabEvent or RelayEvent.
func (c Change) Payload() any {
	if c.Tab != nil {
		return *c.Tab
	}
	return *c.Relay
}

// ParseFeeds turns "tab,relay" into a feed set. Unknown names are ignored;
// nil means every feed.
func ParseFeeds(s string) map[string]bool {
	var feeds map[string]bool
	for _, f := range strings.Split(s, ",") {
		switch f = strings.TrimSpace(f); f {
		case FeedTab, FeedRelay:
			if feeds == nil {
				feeds = make(map[string]bool)
			}
			feeds[f] = true
		}
	}
	return feeds
}

type subscriber struct {
	ch      chan Change
	feeds   map[string]bool
	dropped atomic.Int64
}

func (s *subscriber) wants(feed string) bool {
	return s.feeds == nil || s.feeds[feed]
}

// Broker fans badge and relay changes out to stream subscribers, each
// filtered to its feeds. Every change gets the next sequence number. A slow
// subscriber loses changes instead of blocking the relay.
type Broker struct {
	mu   sync.RWMutex
	subs map[int64]*subscriber
	next int64
	seq  atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a subscriber for feeds (nil for all).
func (b *Broker) Subscribe(feeds map[string]bool) (int64, <-chan Change) {
	s := &subscriber{ch: make(chan Change, subscriberBuffer), feeds: feeds}
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()
	return id, s.ch
}

// Unsubscribe removes a subscriber, closes its channel and returns how many
// changes it lost.
func (b *Broker) Unsubscribe(id int64) int64 {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(s.ch)
	}
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return s.dropped.Load()
}

// PublishTab publishes a tab badge change.
func (b *Broker) PublishTab(tab types.TabID, s types.Status) {
	b.publish(Change{Tab: &TabEvent{Seq: b.seq.Add(1), Tab: tab, Status: s}})
}

// PublishRelay publishes a relay state change.
func (b *Broker) PublishRelay(s string) {
	b.publish(Change{Relay: &RelayEvent{Seq: b.seq.Add(1), Status: s}})
}

func (b *Broker) publish(c Change) {
	feed := c.Feed()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(feed) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			s.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
