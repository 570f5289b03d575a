package storage

import (
	"context"
	"fmt"
	"strings"

	logx "stagehand/pkg/logx"
)

// Store is the minimal persistence API used by the recorder, the control API and the CLI.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns matching records, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error)
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
