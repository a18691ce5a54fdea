// Package status keeps the visual state of the relay (per-tab badge and the
// global relay state) and streams every change to stream subscribers.
package status

import (
	"sort"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

// Relay states reported on the relay feed.
const (
	RelayDisabled   = "disabled"
	RelayEnabling   = "enabling"
	RelayConnected  = "connected"
	RelayConnecting = "connecting"
	RelayDisabling  = "disabling"
)

// TabStatus is one tab's badge.
type TabStatus struct {
	Tab    types.TabID  `json:"tab_id"`
	Status types.Status `json:"status"`
}

// Board is the types.StatusSink of the daemon.
type Board struct {
	broker *Broker

	mu    sync.Mutex
	tabs  map[types.TabID]types.Status
	relay string
}

// NewBoard creates a Board publishing to broker. A nil broker keeps state
// without publishing.
func NewBoard(broker *Broker) *Board {
	return &Board{broker: broker, tabs: make(map[types.TabID]types.Status), relay: RelayDisabled}
}

// SetTabStatus records and publishes a tab badge.
func (b *Board) SetTabStatus(tab types.TabID, s types.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.tabs[tab]
	b.tabs[tab] = s
	if had && prev == s {
		return
	}
	if b.broker != nil {
		b.broker.PublishTab(tab, s)
	}
}

// ClearTab forgets a tab's badge; subscribers see it switch off.
func (b *Board) ClearTab(tab types.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, had := b.tabs[tab]
	delete(b.tabs, tab)
	if had && b.broker != nil {
		b.broker.PublishTab(tab, types.StatusOff)
	}
}

// SetRelayStatus records and publishes the global relay state.
func (b *Board) SetRelayStatus(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.relay != s
	b.relay = s
	if changed && b.broker != nil {
		b.broker.PublishRelay(s)
	}
}

// RelayStatus returns the global relay state.
func (b *Board) RelayStatus() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relay
}

// TabStatus returns a tab's badge, StatusOff when it has none.
func (b *Board) TabStatus(tab types.TabID) types.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.tabs[tab]; ok {
		return s
	}
	return types.StatusOff
}

// Tabs lists every badge ordered by tab id.
func (b *Board) Tabs() []TabStatus {
	b.mu.Lock()
	out := make([]TabStatus, 0, len(b.tabs))
	for tab, s := range b.tabs {
		out = append(out, TabStatus{Tab: tab, Status: s})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tab < out[j].Tab })
	return out
}

// Subscribe registers a stream subscriber and returns the current state as
// a snapshot, taken atomically with the registration so no change falls
// between the two. ok is false when the board has no broker.
func (b *Board) Subscribe(feeds map[string]bool) (id int64, changes <-chan Change, snapshot []Change, ok bool) {
	if b.broker == nil {
		return 0, nil, nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, changes = b.broker.Subscribe(feeds)
	if feeds == nil || feeds[FeedRelay] {
		snapshot = append(snapshot, Change{Relay: &RelayEvent{Status: b.relay}})
	}
	if feeds == nil || feeds[FeedTab] {
		tabs := make([]types.TabID, 0, len(b.tabs))
		for tab := range b.tabs {
			tabs = append(tabs, tab)
		}
		sort.Slice(tabs, func(i, j int) bool { return tabs[i] < tabs[j] })
		for _, tab := range tabs {
			snapshot = append(snapshot, Change{Tab: &TabEvent{Tab: tab, Status: b.tabs[tab]}})
		}
	}
	return id, changes, snapshot, true
}

// Unsubscribe ends a stream subscription and returns its dropped count.
func (b *Board) Unsubscribe(id int64) int64 {
	if b.broker == nil {
		return 0
	}
	return b.broker.Unsubscribe(id)
}
