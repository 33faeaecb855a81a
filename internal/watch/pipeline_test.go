package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgwatch/internal/mail"
	"tgwatch/internal/resolver"
	"tgwatch/internal/rules"
	"tgwatch/internal/source"
	logx "tgwatch/pkg/logx"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []mail.Notification
	err   error
}

func (f *fakeNotifier) Enqueue(n mail.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeNotifier) all() []mail.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Notification(nil), f.notes...)
}

type fakeLookup struct {
	mu    sync.Mutex
	known map[string]source.UserMeta
	calls int
}

func (f *fakeLookup) ResolveIdentity(_ context.Context, ref rules.UserRef) (source.UserMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.known[ref.Key()]
	if !ok {
		return source.UserMeta{}, errors.New("no such entity")
	}
	return u, nil
}

// newRuleStore writes the given rule files into a temp dir and returns a
// refreshed store. Files not listed are created from templates (empty rules).
func newRuleStore(t *testing.T, files map[string]string) *rules.Store {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	s := rules.NewStore(dir, logx.Nop())
	s.Refresh()
	return s
}

func newTestPipeline(t *testing.T, store *rules.Store, lookup *fakeLookup) (*Pipeline, *fakeNotifier) {
	t.Helper()
	if lookup == nil {
		lookup = &fakeLookup{}
	}
	notes := &fakeNotifier{}
	p := NewPipeline(PipelineConfig{}, store, resolver.New(lookup, logx.Nop()), notes, logx.Nop())
	return p, notes
}

func chatEvent(id int64, handle string, channel bool, msgID int, text string) source.Event {
	return source.Event{
		Kind:      source.EventChat,
		MessageID: msgID,
		Time:      time.Now(),
		Text:      text,
		Chat:      source.ChatMeta{ID: id, Handle: handle, Channel: channel},
	}
}

func TestChatMatchProducesNotification(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.ChannelsFile: "alpha\n",
		rules.KeywordsFile: "空投\n",
	})
	p, notes := newTestPipeline(t, store, nil)

	p.HandleChat(chatEvent(-100, "alpha", true, 7, "今晚空投开始"))

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "【Telegram频道】alpha", got[0].Subject)
	assert.Equal(t, "channel", got[0].Kind)
	assert.Equal(t, int64(-100), got[0].ChatID)
	assert.Equal(t, 7, got[0].MessageID)
	// The body leads with the chat identity (the id operators paste back into
	// the rule files) and separates the content block with a blank line.
	assert.Contains(t, got[0].Body, "频道: alpha\nID: -100\n")
	assert.Contains(t, got[0].Body, "\n\n内容:\n今晚空投开始")
}

func TestGroupSubjectLabel(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.GroupsFile:   "mygroup\n",
		rules.KeywordsFile: "",
	})
	p, notes := newTestPipeline(t, store, nil)

	p.HandleChat(chatEvent(-200, "mygroup", false, 1, "hello"))

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "【Telegram群组】mygroup", got[0].Subject)
	assert.Equal(t, "group", got[0].Kind)
}

func TestChatSkips(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.ChannelsFile: "alpha\n",
		rules.KeywordsFile: "空投\n",
	})
	p, notes := newTestPipeline(t, store, nil)

	// Empty text.
	p.HandleChat(chatEvent(-100, "alpha", true, 1, "   "))
	// No keyword.
	p.HandleChat(chatEvent(-100, "alpha", true, 2, "nothing to see"))
	// Chat no longer watched (removed between install and rebuild).
	p.HandleChat(chatEvent(-300, "beta", true, 3, "今晚空投开始"))
	// Backlog: stamped well before the watermark.
	old := chatEvent(-100, "alpha", true, 4, "今晚空投开始")
	old.Time = time.Now().Add(-5 * time.Minute)
	p.HandleChat(old)

	assert.Empty(t, notes.all())
}

func TestDuplicateMessageSentOnce(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.ChannelsFile: "alpha\n",
		rules.KeywordsFile: "",
	})
	p, notes := newTestPipeline(t, store, nil)

	ev := chatEvent(-100, "alpha", true, 42, "once")
	p.HandleChat(ev)
	p.HandleChat(ev)

	// The dedup bucket comes from the dispatch clock, so a redelivery with a
	// different message timestamp is still suppressed.
	ev.Time = ev.Time.Add(45 * time.Second)
	p.HandleChat(ev)

	assert.Len(t, notes.all(), 1)
}

func TestResetClearsDedup(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.ChannelsFile: "alpha\n",
		rules.KeywordsFile: "",
	})
	p, notes := newTestPipeline(t, store, nil)

	ev := chatEvent(-100, "alpha", true, 42, "again")
	p.HandleChat(ev)
	p.Reset()
	ev.Time = time.Now()
	p.HandleChat(ev)

	assert.Len(t, notes.all(), 2)
}

func TestDirectSenderMatching(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.UsersFile:    "123\nfriend\nMystery Person\n",
		rules.KeywordsFile: "",
	})
	lookup := &fakeLookup{known: map[string]source.UserMeta{
		"handle:Mystery Person": {ID: 999, FirstName: "Mystery"},
	}}
	p, notes := newTestPipeline(t, store, lookup)

	direct := func(sender source.UserMeta, msgID int) source.Event {
		return source.Event{
			Kind:      source.EventDirect,
			MessageID: msgID,
			Time:      time.Now(),
			Text:      "hi",
			Sender:    sender,
		}
	}

	// By numeric id.
	p.HandleDirect(direct(source.UserMeta{ID: 123, Handle: "whoever"}, 1))
	// By handle, case-insensitive.
	p.HandleDirect(direct(source.UserMeta{ID: 456, Handle: "Friend"}, 2))
	// Via the identity resolver (display-name entry, sender has no handle).
	p.HandleDirect(direct(source.UserMeta{ID: 999, FirstName: "Mystery"}, 3))
	// Unwatched sender.
	p.HandleDirect(direct(source.UserMeta{ID: 555, Handle: "stranger"}, 4))

	got := notes.all()
	require.Len(t, got, 3)
	assert.Equal(t, "【Telegram私聊】whoever", got[0].Subject)
	assert.Equal(t, "direct", got[0].Kind)
	assert.Equal(t, "【Telegram私聊】Friend", got[1].Subject)
	assert.Equal(t, "【Telegram私聊】Mystery", got[2].Subject)
}

func TestRuleEditTakesEffectWithoutRebuild(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, rules.ChannelsFile), []byte("alpha\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, rules.KeywordsFile), []byte("old\n"), 0o644))
	store := rules.NewStore(dir, logx.Nop())
	store.Refresh()

	p, notes := newTestPipeline(t, store, nil)

	p.HandleChat(chatEvent(-100, "alpha", true, 1, "new word"))
	assert.Empty(t, notes.all())

	// The pipeline reads the live snapshot per message, so a refreshed
	// keyword list applies before any subscription rebuild.
	require.NoError(t, os.WriteFile(filepath.Join(dir, rules.KeywordsFile), []byte("new\n"), 0o644))
	require.True(t, store.Refresh())

	p.HandleChat(chatEvent(-100, "alpha", true, 2, "new word"))
	assert.Len(t, notes.all(), 1)
}

func TestQueueFullIsDropped(t *testing.T) {
	store := newRuleStore(t, map[string]string{
		rules.ChannelsFile: "alpha\n",
		rules.KeywordsFile: "",
	})
	lookup := &fakeLookup{}
	notes := &fakeNotifier{err: mail.ErrQueueFull}
	p := NewPipeline(PipelineConfig{}, store, resolver.New(lookup, logx.Nop()), notes, logx.Nop())

	// Must not panic or block; the drop is logged and the message forgotten.
	p.HandleChat(chatEvent(-100, "alpha", true, 1, "hello"))
}
