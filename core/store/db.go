package store

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"redress/config"
	"redress/core/utils"
)

// NewDB opens the configured database. Production runs on postgres via the
// pgx stdlib driver; the sqlite driver is only permitted inside go test.
func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*sql.DB, error) {
	driver := "postgres"
	if cfg != nil && strings.TrimSpace(cfg.DBDriver) != "" {
		driver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	}
	if cfg != nil && strings.TrimSpace(cfg.DBPath) != "" {
		driver = "sqlite"
	}
	switch driver {
	case "postgres":
		if cfg == nil || strings.TrimSpace(cfg.DBURL) == "" {
			return nil, errors.New("db_url is required for the postgres driver")
		}
		db, err := sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Printf("opened postgres database")
		}
		return db, nil
	case "sqlite":
		if !isTestRuntime() {
			return nil, errors.New("sqlite driver is restricted to the go test runtime")
		}
		path := "data/redress.db"
		if cfg != nil && strings.TrimSpace(cfg.DBPath) != "" {
			path = cfg.DBPath
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// Single writer connection keeps concurrent test callers off SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, errors.New("unsupported db driver: " + driver)
	}
}

func isTestRuntime() bool {
	if flag.Lookup("test.v") != nil {
		return true
	}
	return strings.HasSuffix(os.Args[0], ".test")
}
