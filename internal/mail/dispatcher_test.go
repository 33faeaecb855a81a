package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgwatch/internal/storage"
	logx "tgwatch/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(subject, body string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, subject)
	return f.err
}

func (f *fakeSender) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memAudit struct {
	mu   sync.Mutex
	recs []storage.DeliveryRecord
}

func (m *memAudit) AppendDelivery(_ context.Context, rec storage.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAudit) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }
func (m *memAudit) Close() error                                                   { return nil }

func (m *memAudit) records() []storage.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.DeliveryRecord(nil), m.recs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherDeliversAndAudits(t *testing.T) {
	sender := &fakeSender{}
	audit := &memAudit{}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, sender, audit, logx.Nop())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Enqueue(Notification{
		Subject: "【Telegram群组】alpha",
		Body:    "hello",
		Kind:    "group",
		ChatID:  -100,
	}))

	waitFor(t, func() bool { return len(audit.records()) == 1 })

	rec := audit.records()[0]
	assert.True(t, rec.OK)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "group", rec.Kind)
	assert.Equal(t, int64(-100), rec.ChatID)
	assert.Equal(t, []string{"【Telegram群组】alpha"}, sender.subjects())
}

func TestDispatcherRecordsFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	audit := &memAudit{}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, sender, audit, logx.Nop())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Enqueue(Notification{Subject: "s"}))

	waitFor(t, func() bool { return len(audit.records()) == 1 })
	rec := audit.records()[0]
	assert.False(t, rec.OK)
	assert.Contains(t, rec.Error, "boom")
}

func TestEnqueueFullQueue(t *testing.T) {
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1}, sender, nil, logx.Nop())
	d.Start(context.Background())

	// First enqueue is picked up by the worker and blocks in Send, the
	// second fills the buffer, the third must be rejected.
	require.NoError(t, d.Enqueue(Notification{Subject: "a"}))
	waitFor(t, func() bool { return d.QueueDepth() == 0 })
	require.NoError(t, d.Enqueue(Notification{Subject: "b"}))
	err := d.Enqueue(Notification{Subject: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	d.Stop()
}

func TestEnqueueAssignsID(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, &fakeSender{}, nil, logx.Nop())
	n := Notification{Subject: "s"}
	require.NoError(t, d.Enqueue(n))

	got := <-d.queue
	assert.NotEmpty(t, got.ID)
}
