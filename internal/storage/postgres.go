package storage

import (
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type DatabaseConfig struct {
	Driver         string
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	Path           string
	RequestTimeout time.Duration
}

// New opens the storage backend selected by config.Driver.
func New(config DatabaseConfig, logger *zap.Logger) (Storage, error) {
	switch config.Driver {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(config, logger)
	case "postgres", "":
		return NewPostgresStorage(config, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", config.Driver)
	}
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("dbname", config.DBName))
	return newSQLStorage(db, sqrl.Dollar, config.RequestTimeout, logger)
}

// NewSQLiteStorage opens a single-node store. Path ":memory:" gives a
// throwaway database.
func NewSQLiteStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	path := config.Path
	if path == "" {
		path = "persona.db"
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("error enabling WAL: %w", err)
		}
	}

	logger.Info("Opened SQLite database", zap.String("path", path))
	return newSQLStorage(db, sqrl.Question, config.RequestTimeout, logger)
}
