package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"ridechat/internal/config"
	"ridechat/internal/model"
)

// Store persists relayed messages for the history endpoint
type Store interface {
	Save(ctx context.Context, msg model.Message) error
	ListByGroup(ctx context.Context, groupID string) ([]model.Message, error)
	Close() error
}

// DSN builds the MySQL data source name from cfg
func DSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
	)
}

// Init initializes database connection
func Init(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続テスト
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("Database connection established")
	return db, nil
}

// Open returns the MySQL store when cfg configures a database and the
// in-memory store otherwise.
func Open(cfg config.Config) (Store, error) {
	if !cfg.DatabaseEnabled() {
		log.Warn().Msg("DB_HOST/DB_NAME not set, messages are kept in memory only")
		return NewMemoryStore(), nil
	}

	db, err := Init(cfg)
	if err != nil {
		return nil, err
	}
	store := NewMySQLStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
