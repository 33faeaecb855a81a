package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tgwatch/internal/mail"
	"tgwatch/internal/resolver"
	"tgwatch/internal/rules"
	"tgwatch/internal/source"
	logx "tgwatch/pkg/logx"
)

// Notifier is the outbound side of the pipeline (the mail dispatcher in
// production). Enqueue must never block.
type Notifier interface {
	Enqueue(n mail.Notification) error
}

type PipelineConfig struct {
	// BacklogGrace is how far before the watermark a message may be stamped
	// and still be processed. Telegram can deliver slightly stale updates
	// right after a subscription is installed.
	BacklogGrace time.Duration
	// DedupCapacity bounds the duplicate-suppression cache.
	DedupCapacity int
	// ResolveTimeout bounds a single identity lookup for direct messages.
	ResolveTimeout time.Duration
}

// Pipeline turns inbound events into email notifications. Every event
// re-fetches the current rule snapshot, so a rule edit takes effect on the
// very next message even before the subscriptions are rebuilt.
type Pipeline struct {
	cfg    PipelineConfig
	store  *rules.Store
	res    *resolver.Resolver
	notify Notifier
	dedup  *DedupCache
	log    logx.Logger

	// watermark is the rebuild instant as unix nanos; messages stamped more
	// than BacklogGrace before it are backlog and skipped.
	watermark atomic.Int64
}

func NewPipeline(cfg PipelineConfig, store *rules.Store, res *resolver.Resolver, notify Notifier, log logx.Logger) *Pipeline {
	if cfg.BacklogGrace <= 0 {
		cfg.BacklogGrace = 30 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		cfg:    cfg,
		store:  store,
		res:    res,
		notify: notify,
		dedup:  NewDedupCache(cfg.DedupCapacity),
		log:    log,
	}
	p.watermark.Store(time.Now().UnixNano())
	return p
}

// Reset moves the watermark to now and clears the duplicate cache. Called on
// every subscription rebuild so messages matched under the old rules can be
// re-evaluated under the new ones.
func (p *Pipeline) Reset() {
	p.watermark.Store(time.Now().UnixNano())
	p.dedup.Clear()
}

func (p *Pipeline) isBacklog(at time.Time) bool {
	cutoff := time.Unix(0, p.watermark.Load()).Add(-p.cfg.BacklogGrace)
	return at.Before(cutoff)
}

// HandleChat processes one channel or group message.
func (p *Pipeline) HandleChat(ev source.Event) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	if p.isBacklog(ev.Time) {
		p.log.Debug("backlog message skipped",
			logx.Int64("chat", ev.Chat.ID), logx.Int("msg", ev.MessageID))
		return
	}

	rs := p.store.Current()
	if !rs.ContainsChat(ev.Chat.ID, ev.Chat.Handle) {
		// The chat was removed from the rules after the subscription was
		// installed but before the rebuild tore it down.
		return
	}
	if !rs.MatchesText(ev.Text) {
		return
	}
	if p.dedup.Seen(DedupKey(ev.Chat.ID, ev.MessageID)) {
		return
	}

	kind, chatType := "group", "群组"
	if ev.Chat.Channel {
		kind, chatType = "channel", "频道"
	}
	name := ev.Chat.Name()
	p.send(mail.Notification{
		Subject:   "【Telegram" + chatType + "】" + name,
		Body:      formatBody(chatType, name, ev.Chat.ID, ev.Text),
		Kind:      kind,
		Target:    name,
		ChatID:    ev.Chat.ID,
		MessageID: ev.MessageID,
	})
}

// HandleDirect processes one incoming private message.
func (p *Pipeline) HandleDirect(ev source.Event) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	if p.isBacklog(ev.Time) {
		p.log.Debug("backlog message skipped",
			logx.Int64("sender", ev.Sender.ID), logx.Int("msg", ev.MessageID))
		return
	}

	rs := p.store.Current()
	if !p.senderWatched(rs, ev.Sender) {
		return
	}
	if !rs.MatchesText(ev.Text) {
		return
	}
	if p.dedup.Seen(DedupKey(ev.Sender.ID, ev.MessageID)) {
		return
	}

	name := ev.Sender.DisplayName()
	p.send(mail.Notification{
		Subject:   "【Telegram私聊】" + name,
		Body:      formatBody("发送者", name, ev.Sender.ID, ev.Text),
		Kind:      "direct",
		Target:    name,
		ChatID:    ev.Sender.ID,
		MessageID: ev.MessageID,
	})
}

// senderWatched reports whether the sender is one of the configured direct
// targets. Numeric ids and handles compare directly; anything else goes
// through the identity resolver (display names, handles entered without the
// sender having shown one yet).
func (p *Pipeline) senderWatched(rs rules.RuleSet, sender source.UserMeta) bool {
	for _, ref := range rs.Users {
		if ref.IsID() {
			if ref.ID == sender.ID {
				return true
			}
			continue
		}
		if sender.Handle != "" && strings.EqualFold(ref.Handle, sender.Handle) {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResolveTimeout)
		meta, ok := p.res.Resolve(ctx, ref)
		cancel()
		if ok && meta.ID == sender.ID {
			return true
		}
	}
	return false
}

func (p *Pipeline) send(n mail.Notification) {
	if err := p.notify.Enqueue(n); err != nil {
		if errors.Is(err, mail.ErrQueueFull) {
			p.log.Warn("notification dropped, queue full", logx.String("subject", n.Subject))
			return
		}
		p.log.Error("notification enqueue failed", logx.Err(err))
	}
}

// formatBody renders the fixed mail body. The ID line carries the chat or
// sender id (the value operators paste back into the rule files), and the
// timestamp is the dispatch wall clock.
func formatBody(label, name string, id int64, text string) string {
	return fmt.Sprintf("%s: %s\nID: %d\n时间: %s\n\n内容:\n%s",
		label, name, id, time.Now().Local().Format("2006-01-02 15:04:05"), text)
}
