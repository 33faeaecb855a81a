package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tgwatch/pkg/logx"
)

// Store is the minimal persistence API used by the mail dispatcher.
type Store interface {
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
	// PruneBefore removes delivery records older than cutoff and reports how
	// many were removed. Drivers that only append may report 0.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
