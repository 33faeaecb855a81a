package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tgwatch/internal/runtime/supervisor"

	"tgwatch/internal/rules"
	"tgwatch/internal/source"
	logx "tgwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements source.Source on top of the Telegram Bot API.
//
// Telebot handlers are registered exactly once at construction; Subscribe and
// Unsubscribe only mutate an internal registry that incoming messages are
// fanned out against. That makes Unsubscribe complete and idempotent without
// touching transport internals.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	mu   sync.RWMutex
	subs map[source.Handle]*subscription
	seq  atomic.Uint64

	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor
}

type subscription struct {
	filter source.Filter
	fn     func(source.Event)
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log,
		bot:  b,
		subs: map[source.Handle]*subscription{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		a.fanOut(eventFromMessage(m))
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnChannelPost, onMessage)
}

func eventFromMessage(m *tele.Message) source.Event {
	ev := source.Event{
		MessageID: m.ID,
		Time:      m.Time(),
		Text:      m.Text,
	}
	if m.Sender != nil {
		ev.Sender = source.UserMeta{
			ID:        m.Sender.ID,
			Handle:    m.Sender.Username,
			FirstName: m.Sender.FirstName,
			LastName:  m.Sender.LastName,
		}
	}
	if m.Chat != nil && m.Chat.Type == tele.ChatPrivate {
		ev.Kind = source.EventDirect
		return ev
	}
	ev.Kind = source.EventChat
	if m.Chat != nil {
		ev.Chat = source.ChatMeta{
			ID:      m.Chat.ID,
			Handle:  m.Chat.Username,
			Title:   m.Chat.Title,
			Channel: m.Chat.Type == tele.ChatChannel,
		}
	}
	return ev
}

// fanOut delivers ev to every subscription whose filter matches.
// The subscription snapshot is taken under RLock so a concurrent rebuild never
// sees a half-installed set.
func (a *Adapter) fanOut(ev source.Event) {
	a.mu.RLock()
	matched := make([]*subscription, 0, len(a.subs))
	for _, sub := range a.subs {
		if filterMatches(sub.filter, ev) {
			matched = append(matched, sub)
		}
	}
	a.mu.RUnlock()

	for _, sub := range matched {
		sub.fn(ev)
	}
}

func filterMatches(f source.Filter, ev source.Event) bool {
	if f.Kind != ev.Kind {
		return false
	}
	if ev.Kind == source.EventDirect {
		// Direct subscriptions receive all incoming private messages.
		return true
	}
	for _, c := range f.Chats {
		if c.IsID() {
			if c.ID == ev.Chat.ID {
				return true
			}
			continue
		}
		if ev.Chat.Handle != "" && strings.EqualFold(c.Handle, ev.Chat.Handle) {
			return true
		}
	}
	return false
}

func (a *Adapter) Subscribe(f source.Filter, fn func(source.Event)) (source.Handle, error) {
	if fn == nil {
		return 0, errors.New("nil subscription callback")
	}
	h := source.Handle(a.seq.Add(1))
	a.mu.Lock()
	a.subs[h] = &subscription{filter: f, fn: fn}
	a.mu.Unlock()
	a.log.Debug("subscription installed", logx.String("kind", string(f.Kind)), logx.Int("chats", len(f.Chats)))
	return h, nil
}

func (a *Adapter) Unsubscribe(h source.Handle) {
	a.mu.Lock()
	delete(a.subs, h)
	a.mu.Unlock()
}

// ResolveIdentity looks a user up by numeric id or username.
// Bare display names cannot be resolved through the Bot API; the lookup fails
// and the caller treats the ref as a non-match.
func (a *Adapter) ResolveIdentity(ctx context.Context, ref rules.UserRef) (source.UserMeta, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return source.UserMeta{}, ctx.Err()
		default:
		}
	}

	var (
		chat *tele.Chat
		err  error
	)
	if ref.IsID() {
		chat, err = a.bot.ChatByID(ref.ID)
	} else {
		chat, err = a.bot.ChatByUsername("@" + strings.TrimPrefix(ref.Handle, "@"))
	}
	if err != nil {
		return source.UserMeta{}, err
	}
	return source.UserMeta{
		ID:        chat.ID,
		Handle:    chat.Username,
		FirstName: chat.FirstName,
		LastName:  chat.LastName,
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}

	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		// Don't hard-fail shutdown for the adapter; just report.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}
