package sync

import (
	"sync"
)

// Source names the environmental event that triggered a sync.
type Source string

const (
	SourceOnline     Source = "online"
	SourceFocus      Source = "focus"
	SourceVisibility Source = "visibility"
)

// Signal is one raw event from the host.
type Signal uint8

const (
	SignalOnline Signal = iota + 1
	SignalOffline
	SignalFocus
	SignalVisibility
)

func (s Signal) String() string {
	switch s {
	case SignalOnline:
		return "online"
	case SignalOffline:
		return "offline"
	case SignalFocus:
		return "focus"
	case SignalVisibility:
		return "visibility"
	default:
		return "unknown"
	}
}

// Source returns the trigger source of s. SignalOffline triggers nothing.
func (s Signal) Source() (Source, bool) {
	switch s {
	case SignalOnline:
		return SourceOnline, true
	case SignalFocus:
		return SourceFocus, true
	case SignalVisibility:
		return SourceVisibility, true
	default:
		return "", false
	}
}

// SignalSource delivers host connectivity and visibility events. A browser
// shell maps window events onto it; a daemon maps a reachability check.
type SignalSource interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
	// Online reports the host's current connectivity.
	Online() bool
}

// ManualSource is a SignalSource driven by explicit Emit calls.
type ManualSource struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(Signal)
}

// NewManualSource creates a source with the given initial connectivity.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, subs: make(map[int]func(Signal))}
}

func (m *ManualSource) Subscribe(fn func(Signal)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *ManualSource) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Emit records connectivity changes and delivers sig to every subscriber
// on the calling goroutine.
func (m *ManualSource) Emit(sig Signal) {
	m.mu.Lock()
	switch sig {
	case SignalOnline:
		m.online = true
	case SignalOffline:
		m.online = false
	}
	subs := make([]func(Signal), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(sig)
	}
}

// Subscribers returns the number of active subscriptions.
func (m *ManualSource) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
