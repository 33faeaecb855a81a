package watch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tgwatch/internal/rules"
	"tgwatch/internal/source"
	logx "tgwatch/pkg/logx"
)

// State is the subscription lifecycle phase.
type State int32

const (
	// StateIdle means no subscriptions are installed.
	StateIdle State = iota
	// StateActive means subscriptions are installed and events flow.
	StateActive
	// StateRebuilding means a teardown/reinstall cycle is in progress.
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Manager owns the installed subscriptions and rebuilds them when the rules
// change. Rebuilds are serialized: a mutex guarantees teardown of the old
// set completes before the new set is installed, so no event is ever seen by
// both generations.
type Manager struct {
	src  source.Source
	pipe *Pipeline
	log  logx.Logger

	mu      sync.Mutex
	handles []source.Handle
	state   atomic.Int32
}

func NewManager(src source.Source, pipe *Pipeline, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{src: src, pipe: pipe, log: log}
}

// State reports the current lifecycle phase. It is safe to call concurrently
// with Rebuild.
func (m *Manager) State() State { return State(m.state.Load()) }

// Rebuild tears down every installed subscription and installs a fresh set
// for rs. The pipeline watermark is reset and the duplicate cache cleared so
// the new generation starts clean. Install failures are logged and reported,
// but whatever did install stays active: monitoring degrades instead of
// stopping outright, and the next rule change retries the failed kind.
func (m *Manager) Rebuild(rs rules.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Store(int32(StateRebuilding))
	m.teardownLocked()
	m.pipe.Reset()

	var installed []source.Handle
	var errs []error

	chats := rs.WatchedChats()
	if len(chats) > 0 {
		h, err := m.src.Subscribe(source.Filter{Kind: source.EventChat, Chats: chats}, m.pipe.HandleChat)
		if err != nil {
			m.log.Error("chat subscription install failed", logx.Err(err))
			errs = append(errs, fmt.Errorf("subscribe chats: %w", err))
		} else {
			installed = append(installed, h)
		}
	}
	if len(rs.Users) > 0 {
		h, err := m.src.Subscribe(source.Filter{Kind: source.EventDirect}, m.pipe.HandleDirect)
		if err != nil {
			m.log.Error("direct subscription install failed", logx.Err(err))
			errs = append(errs, fmt.Errorf("subscribe direct: %w", err))
		} else {
			installed = append(installed, h)
		}
	}

	m.handles = installed
	if len(installed) == 0 {
		m.state.Store(int32(StateIdle))
		if len(errs) == 0 {
			m.log.Info("no watch targets configured, monitor idle")
		}
		return errors.Join(errs...)
	}
	m.state.Store(int32(StateActive))
	m.log.Info("subscriptions rebuilt",
		logx.Int("chats", len(chats)),
		logx.Int("users", len(rs.Users)),
		logx.Int("subscriptions", len(installed)),
	)
	return errors.Join(errs...)
}

// Teardown removes every installed subscription and returns the manager to
// idle. Safe to call repeatedly.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.state.Store(int32(StateIdle))
}

func (m *Manager) teardownLocked() {
	for _, h := range m.handles {
		m.src.Unsubscribe(h)
	}
	m.handles = nil
}
