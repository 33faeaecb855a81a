package source

import (
	"context"
	"strconv"
	"strings"
	"time"

	"tgwatch/internal/rules"
)

type EventKind string

const (
	// EventChat is a message posted in a watched channel or group.
	EventChat EventKind = "chat"
	// EventDirect is an incoming private message.
	EventDirect EventKind = "direct"
)

// ChatMeta describes the chat a message arrived in.
type ChatMeta struct {
	ID      int64
	Handle  string // public username, empty for private chats/groups without one
	Title   string
	Channel bool // broadcast channel (as opposed to a group)
}

// Name returns the operator-friendly chat name: handle, else title, else id.
func (c ChatMeta) Name() string {
	if c.Handle != "" {
		return c.Handle
	}
	if c.Title != "" {
		return c.Title
	}
	return strconv.FormatInt(c.ID, 10)
}

// UserMeta describes a message sender or a resolved identity.
type UserMeta struct {
	ID        int64
	Handle    string
	FirstName string
	LastName  string
}

// DisplayName returns the handle, else "First Last", else "ID:<id>".
func (u UserMeta) DisplayName() string {
	if u.Handle != "" {
		return u.Handle
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	return "ID:" + strconv.FormatInt(u.ID, 10)
}

// Event is the transport-neutral inbound message model. The adapter produces
// the tagged variant at the boundary so the core never inspects
// transport-internal types.
type Event struct {
	Kind      EventKind
	MessageID int
	Time      time.Time
	Text      string

	Chat   ChatMeta // chat events
	Sender UserMeta // direct events; best-effort for chat events
}

// Filter selects which events a subscription receives.
// Chat subscriptions carry the watched chat set; direct subscriptions receive
// every incoming private message (per-user filtering happens in the pipeline,
// because the transport subscribes at "all DMs" granularity).
type Filter struct {
	Kind  EventKind
	Chats []rules.ChatRef
}

// Handle identifies an installed subscription. The zero Handle is invalid.
type Handle uint64

// Source is the inbound transport contract.
//
// Unsubscribe must be complete and idempotent: after it returns, the callback
// registered under that handle is never invoked again, and calling it twice
// (or with an unknown handle) is a no-op.
type Source interface {
	Subscribe(f Filter, fn func(Event)) (Handle, error)
	Unsubscribe(h Handle)
	ResolveIdentity(ctx context.Context, ref rules.UserRef) (UserMeta, error)
}
