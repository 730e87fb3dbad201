package eventlog

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/config"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/db"
)

// Provide builds the store selected by eventLog.driver.
func Provide(cfg config.EventLogConfig, log *logger.Logger) (Store, error) {
	log = log.WithFields(zap.String("component", "event-log"), zap.String("driver", cfg.Driver))

	switch cfg.Driver {
	case "memory":
		log.Info("Using in-memory event log")
		return NewMemoryStore(), nil
	case "", "file":
		dir := config.ExpandHome(cfg.Dir)
		log.Info("Using file event log", zap.String("dir", dir))
		return NewFileStore(dir)
	case "sqlite":
		path := config.ExpandHome(cfg.SQLitePath)
		conn, err := db.Open(db.SQLite3, path)
		if err != nil {
			return nil, err
		}
		log.Info("Using sqlite event log", zap.String("path", path))
		return NewSQLStore(conn)
	case "postgres":
		conn, err := db.Open(db.PGX, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("Using postgres event log")
		return NewSQLStore(conn)
	default:
		return nil, fmt.Errorf("unknown event log driver %q", cfg.Driver)
	}
}
