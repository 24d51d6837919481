package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"ridechat/internal/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
	uuid CHAR(36) NOT NULL PRIMARY KEY,
	group_id VARCHAR(191) NOT NULL,
	body TEXT NOT NULL,
	sender VARCHAR(64) NOT NULL,
	created_at DATETIME(3) NOT NULL,
	seq BIGINT AUTO_INCREMENT UNIQUE,
	INDEX idx_messages_group (group_id, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// MySQLStore keeps messages in the messages table
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Migrate creates the messages table if it does not exist
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

// Save inserts msg. A message already stored under the same uuid is left as is.
func (s *MySQLStore) Save(ctx context.Context, msg model.Message) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (uuid, group_id, body, sender, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.GroupID, msg.Body, msg.Sender, msg.Timestamp.UTC())
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return nil
		}
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// ListByGroup returns a group's messages in insertion order
func (s *MySQLStore) ListByGroup(ctx context.Context, groupID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT uuid, group_id, body, sender, created_at FROM messages WHERE group_id = ? ORDER BY seq ASC",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgList := []model.Message{}
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.Body, &msg.Sender, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Status = model.StatusDelivered
		msgList = append(msgList, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return msgList, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
