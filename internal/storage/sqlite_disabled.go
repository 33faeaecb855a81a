//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "tgwatch/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_, _ = cfg, log
	return nil, errors.New("sqlite storage driver not built in (rebuild with -tags sqlite)")
}
