package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tgwatch/internal/storage"
	logx "tgwatch/pkg/logx"
)

// ErrQueueFull is returned by Enqueue when the dispatch queue is at capacity.
// Callers drop the notification and keep processing messages.
var ErrQueueFull = errors.New("mail queue full")

// Sender is the delivery backend the dispatcher drains into.
type Sender interface {
	Send(subject, body string) error
}

// Notification is one pending email plus the metadata recorded in the
// delivery audit log.
type Notification struct {
	ID        string
	Subject   string
	Body      string
	Kind      string
	Target    string
	ChatID    int64
	MessageID int
}

type DispatcherConfig struct {
	// QueueSize is the Enqueue buffer. When full, notifications are dropped.
	QueueSize int
	// Workers is the number of concurrent senders.
	Workers int
	// RatePerMinute caps outbound sends across all workers. Zero disables
	// the limiter.
	RatePerMinute int
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

// Dispatcher decouples message matching from SMTP latency: matches are
// enqueued without blocking and a small worker pool drains the queue,
// recording every outcome in the audit store when one is configured.
type Dispatcher struct {
	cfg     DispatcherConfig
	sender  Sender
	audit   storage.Store
	log     logx.Logger
	limiter *rate.Limiter

	queue  chan Notification
	wg     sync.WaitGroup
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher builds a stopped dispatcher. audit may be nil.
func NewDispatcher(cfg DispatcherConfig, sender Sender, audit storage.Store, log logx.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		audit:   audit,
		log:     log,
		limiter: lim,
		queue:   make(chan Notification, cfg.QueueSize),
	}
}

// Start launches the worker pool. It is safe to call once.
func (d *Dispatcher) Start(parent context.Context) {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		d.cancel = cancel
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Stop drains in-flight sends and returns. Queued but unstarted
// notifications are abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

// Enqueue hands a notification to the worker pool without blocking. A full
// queue returns ErrQueueFull; the caller logs and drops.
func (d *Dispatcher) Enqueue(n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports how many notifications are waiting.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- d.sender.Send(n.Subject, n.Body) }()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(d.cfg.SendTimeout):
		err = errors.New("send timed out")
	case <-ctx.Done():
		// Finish the in-flight send during shutdown rather than abandoning
		// a half-written SMTP conversation.
		err = <-errCh
	}
	took := time.Since(start)

	if err != nil {
		d.log.Error("notification send failed",
			logx.String("id", n.ID),
			logx.String("subject", n.Subject),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		d.log.Info("notification sent",
			logx.String("id", n.ID),
			logx.String("subject", n.Subject),
			logx.Duration("took", took),
		)
	}
	d.record(n, err, took)
}

func (d *Dispatcher) record(n Notification, sendErr error, took time.Duration) {
	if d.audit == nil {
		return
	}
	rec := storage.DeliveryRecord{
		ID:        n.ID,
		At:        time.Now().UTC(),
		Kind:      n.Kind,
		Target:    n.Target,
		ChatID:    n.ChatID,
		MessageID: n.MessageID,
		Subject:   n.Subject,
		OK:        sendErr == nil,
		TookMS:    took.Milliseconds(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	// The audit write must survive shutdown cancellation of the worker ctx.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.audit.AppendDelivery(ctx, rec); err != nil {
		d.log.Warn("audit append failed", logx.Err(err))
	}
}
