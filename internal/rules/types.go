package rules

import (
	"strconv"
	"strings"
)

// ChatRef identifies a watched channel or group: either a numeric chat id
// (Telegram channel/supergroup ids are negative) or a public handle.
type ChatRef struct {
	ID     int64
	Handle string
}

func (r ChatRef) IsID() bool { return r.Handle == "" }

func (r ChatRef) String() string {
	if r.IsID() {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Handle
}

// UserRef identifies a watched direct-message peer: a numeric user id or a
// handle (leading @ already stripped; may also be a bare display name, which
// the resolver will fail to look up and treat as a non-match).
type UserRef struct {
	ID     int64
	Handle string
}

func (r UserRef) IsID() bool { return r.Handle == "" }

// Key is the canonical form used as the resolver cache key.
func (r UserRef) Key() string {
	if r.IsID() {
		return "id:" + strconv.FormatInt(r.ID, 10)
	}
	return "handle:" + r.Handle
}

func (r UserRef) String() string {
	if r.IsID() {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Handle
}

// RuleSet is an immutable snapshot of the four rule files.
// A new RuleSet replaces the old one wholesale on refresh; slices are never
// mutated after publication.
type RuleSet struct {
	Channels []ChatRef
	Groups   []ChatRef
	Users    []UserRef
	Keywords []string

	// MonitorAll is true iff the keywords file is empty: every message with a
	// text payload matches.
	MonitorAll bool
}

// WatchedChats returns channels + groups as one list (the subscription filter
// covers both with a single chat-broadcast subscription).
func (rs RuleSet) WatchedChats() []ChatRef {
	if len(rs.Channels) == 0 {
		return rs.Groups
	}
	if len(rs.Groups) == 0 {
		return rs.Channels
	}
	out := make([]ChatRef, 0, len(rs.Channels)+len(rs.Groups))
	out = append(out, rs.Channels...)
	out = append(out, rs.Groups...)
	return out
}

// ContainsChat reports whether a chat identified by id and/or handle is still
// watched. Handles compare case-insensitively (Telegram usernames are).
func (rs RuleSet) ContainsChat(id int64, handle string) bool {
	for _, c := range rs.WatchedChats() {
		if c.IsID() {
			if c.ID == id {
				return true
			}
			continue
		}
		if handle != "" && strings.EqualFold(c.Handle, handle) {
			return true
		}
	}
	return false
}

// MatchesText reports whether text matches the keyword rules:
// monitor-all, or any keyword as a case-insensitive substring.
func (rs RuleSet) MatchesText(text string) bool {
	if rs.MonitorAll {
		return true
	}
	lower := strings.ToLower(text)
	for _, k := range rs.Keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// ParseChatRef parses one line of a channels/groups file: a leading @ is
// stripped; a leading '-' means a signed integer chat id.
func ParseChatRef(line string) (ChatRef, error) {
	l := strings.TrimPrefix(strings.TrimSpace(line), "@")
	if strings.HasPrefix(l, "-") {
		id, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return ChatRef{}, err
		}
		return ChatRef{ID: id}, nil
	}
	return ChatRef{Handle: l}, nil
}

// ParseUserRef parses one line of the users file: all digits means a numeric
// user id, otherwise a handle with any leading @ stripped.
func ParseUserRef(line string) UserRef {
	l := strings.TrimSpace(line)
	if id, err := strconv.ParseInt(l, 10, 64); err == nil {
		return UserRef{ID: id}
	}
	return UserRef{Handle: strings.TrimPrefix(l, "@")}
}
