package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tgwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// It appends delivery records to <prefix>.deliveries.jsonl (append-only JSON
// Lines). Pruning is left to external log rotation; PruneBefore reports 0.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, file: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("delivery log closed")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return json.NewEncoder(s.file).Encode(rec)
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	_, _ = ctx, cutoff
	// Append-only backend; rotation is an operational concern.
	return 0, nil
}
