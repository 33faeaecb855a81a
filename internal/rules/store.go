package rules

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tgwatch/pkg/logx"
)

// Rule file names inside the rules directory.
const (
	ChannelsFile = "channels.txt"
	GroupsFile   = "groups.txt"
	UsersFile    = "users.txt"
	KeywordsFile = "keywords.txt"
)

// Store owns the current RuleSet and the per-file fingerprints used to detect
// edits. Refresh is cheap when nothing changed (four file hashes).
//
// It is safe for concurrent use: the reload loop calls Refresh while the
// dispatch pipeline calls Current per message.
type Store struct {
	dir string
	log logx.Logger

	mu      sync.RWMutex
	current RuleSet
	prints  map[string]string // file name -> content fingerprint
	changed []string          // file names changed by the last Refresh
}

func NewStore(dir string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		dir:    dir,
		log:    log,
		prints: map[string]string{},
	}
}

// Dir returns the rules directory (watched by the reload loop's fsnotify
// accelerator).
func (s *Store) Dir() string { return s.dir }

// Current returns the latest published RuleSet snapshot.
// The returned value (and its slices) must not be mutated.
func (s *Store) Current() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ChangedFiles returns the file names the last Refresh re-parsed.
func (s *Store) ChangedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.changed...)
}

// Refresh re-fingerprints the four rule files and re-parses any whose content
// changed, publishing a new RuleSet snapshot. It returns true iff at least one
// file changed. Missing files are created from templates first (idempotent);
// per-line parse errors are logged and skipped, never fatal.
func (s *Store) Refresh() bool {
	if err := s.EnsureTemplates(); err != nil {
		s.log.Warn("rule templates", logx.Err(err))
	}

	type parsed struct {
		name string
		fp   string
	}
	var touched []parsed

	s.mu.RLock()
	old := s.current
	oldPrints := make(map[string]string, len(s.prints))
	for k, v := range s.prints {
		oldPrints[k] = v
	}
	s.mu.RUnlock()

	next := old
	for _, name := range []string{ChannelsFile, GroupsFile, UsersFile, KeywordsFile} {
		path := filepath.Join(s.dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			// Treat as empty; the template creation above normally prevents this.
			b = nil
		}
		fp := fingerprint(b)
		if fp == oldPrints[name] {
			continue
		}
		lines := cleanLines(b)
		switch name {
		case ChannelsFile:
			next.Channels = s.parseChats(name, lines)
		case GroupsFile:
			next.Groups = s.parseChats(name, lines)
		case UsersFile:
			next.Users = parseUsers(lines)
		case KeywordsFile:
			next.Keywords = append([]string(nil), lines...)
			next.MonitorAll = len(lines) == 0
		}
		touched = append(touched, parsed{name: name, fp: fp})
	}

	if len(touched) == 0 {
		s.mu.Lock()
		s.changed = nil
		s.mu.Unlock()
		return false
	}

	names := make([]string, 0, len(touched))
	for _, t := range touched {
		names = append(names, t.name)
	}

	s.mu.Lock()
	s.current = next
	for _, t := range touched {
		s.prints[t.name] = t.fp
	}
	s.changed = names
	s.mu.Unlock()

	s.log.Info("rules reloaded",
		logx.Any("files", names),
		logx.Int("chats", len(next.WatchedChats())),
		logx.Int("users", len(next.Users)),
		logx.Int("keywords", len(next.Keywords)),
		logx.Bool("monitor_all", next.MonitorAll),
	)
	return true
}

func (s *Store) parseChats(file string, lines []string) []ChatRef {
	out := make([]ChatRef, 0, len(lines))
	for _, l := range lines {
		ref, err := ParseChatRef(l)
		if err != nil {
			s.log.Warn("invalid chat id; line skipped", logx.String("file", file), logx.String("line", l))
			continue
		}
		out = append(out, ref)
	}
	return out
}

func parseUsers(lines []string) []UserRef {
	out := make([]UserRef, 0, len(lines))
	for _, l := range lines {
		out = append(out, ParseUserRef(l))
	}
	return out
}

// cleanLines drops blank lines and comment lines (leading '#').
func cleanLines(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}

// fingerprint hashes file content. Missing files (nil) hash to "" so a file
// appearing with empty content is still seen as a change.
func fingerprint(b []byte) string {
	if b == nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Operator-facing templates written when a rule file is missing.
// Comment text is kept from the operator docs (Chinese deployments).
var templates = map[string]string{
	ChannelsFile: "# 频道（每行一个）\n" +
		"# 例子：\n" +
		"# your_channel_name\n" +
		"# -1001234567890\n",
	GroupsFile: "# 群组（每行一个）\n" +
		"# 例子：\n" +
		"# mygroup\n" +
		"# -1001234567890\n",
	UsersFile: "# 私聊目标（每行一个）\n" +
		"# 例子：\n" +
		"# @username\n" +
		"# 123456789\n",
	KeywordsFile: "# 关键词（每行一个）\n" +
		"# 留空即全量转发\n" +
		"# 空投\n" +
		"# 暴涨\n",
}

// EnsureTemplates creates the rules directory and any missing rule files with
// a template comment. Existing files are never touched.
func (s *Store) EnsureTemplates() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	for name, content := range templates {
		path := filepath.Join(s.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		s.log.Info("rule file created from template", logx.String("file", name))
	}
	return nil
}
