// Copyright 2025-2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	// Register the CGo free SQLite driver
	_ "modernc.org/sqlite"
)

const messagesTableSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	message TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
`

// sqliteMessageStoreImpl implements MessageStore against a SQLite database
type sqliteMessageStoreImpl struct {
	common.Component
	db       *sql.DB
	validate *validator.Validate
}

// GetSQLiteMessageStore define a SQLite backed MessageStore.
//
// The database file is created if absent, and the message schema is applied
// on open.
func GetSQLiteMessageStore(dbFile string) (MessageStore, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "sqlite-message-store",
		"instance":  dbFile,
	}
	if strings.TrimSpace(dbFile) == "" {
		return nil, fmt.Errorf("storage db file is required")
	}
	dsn := filepath.Clean(dbFile) +
		"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to open sqlite db")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to ping sqlite db")
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(messagesTableSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to apply message schema")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened message store")
	return &sqliteMessageStoreImpl{
		Component: common.Component{LogTags: logTags},
		db:        db,
		validate:  validator.New(),
	}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// applyPersistenceDefaults fill in the server assigned fields of a new record
func applyPersistenceDefaults(message Message) Message {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.RecipientID == "" {
		message.RecipientID = DefaultRecipient
	}
	if message.Type == "" {
		message.Type = MessageTypeText
	}
	if message.Status == "" {
		message.Status = MessageStatusSent
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	return message
}

// Insert persist a new message record
func (s *sqliteMessageStoreImpl) Insert(ctxt context.Context, message Message) (Message, error) {
	message = applyPersistenceDefaults(message)
	if err := s.validate.Struct(&message); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Message record failed validation")
		return Message{}, err
	}
	_, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO messages (
			id, session_id, sender_id, recipient_id, message, type, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		message.SenderID,
		message.RecipientID,
		message.Message,
		message.Type,
		message.Status,
		toMillis(message.CreatedAt),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to insert message for session %s", message.SessionID,
		)
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	log.WithFields(s.LogTags).Debugf(
		"Recorded message %s for session %s", message.ID, message.SessionID,
	)
	return message, nil
}

func scanMessage(scan func(dest ...interface{}) error) (Message, error) {
	var message Message
	var createdAt int64
	if err := scan(
		&message.ID,
		&message.SessionID,
		&message.SenderID,
		&message.RecipientID,
		&message.Message,
		&message.Type,
		&message.Status,
		&createdAt,
	); err != nil {
		return Message{}, err
	}
	message.CreatedAt = fromMillis(createdAt)
	return message, nil
}

// QueryBySession fetch all messages of a session in ascending creation time order
func (s *sqliteMessageStoreImpl) QueryBySession(
	ctxt context.Context, sessionID string,
) ([]Message, error) {
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT id, session_id, sender_id, recipient_id, message, type, status, created_at
		   FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to query messages for session %s", sessionID,
		)
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	results := []Message{}
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		results = append(results, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

// QueryCreatedSince fetch all messages persisted at or after a point in time
func (s *sqliteMessageStoreImpl) QueryCreatedSince(
	ctxt context.Context, since time.Time,
) ([]Message, error) {
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT id, session_id, sender_id, recipient_id, message, type, status, created_at
		   FROM messages WHERE created_at >= ? ORDER BY created_at ASC, id ASC`,
		toMillis(since),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to query messages created since %s", since,
		)
		return nil, fmt.Errorf("query messages by creation time: %w", err)
	}
	defer func() { _ = rows.Close() }()
	results := []Message{}
	for rows.Next() {
		message, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		results = append(results, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return results, nil
}

// QueryByID fetch one message by ID
func (s *sqliteMessageStoreImpl) QueryByID(
	ctxt context.Context, messageID string,
) (Message, error) {
	row := s.db.QueryRowContext(
		ctxt,
		`SELECT id, session_id, sender_id, recipient_id, message, type, status, created_at
		   FROM messages WHERE id = ?`,
		messageID,
	)
	message, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to query message %s", messageID,
		)
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return message, nil
}

// ListDistinctSessionIDs fetch the set of session IDs with messages
func (s *sqliteMessageStoreImpl) ListDistinctSessionIDs(ctxt context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctxt, `SELECT DISTINCT session_id FROM messages ORDER BY session_id ASC`,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to list sessions")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	results := []string{}
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		results = append(results, sessionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return results, nil
}

// Ready verify the store connection works
func (s *sqliteMessageStoreImpl) Ready(ctxt context.Context) error {
	return s.db.PingContext(ctxt)
}

// Close release the store connection
func (s *sqliteMessageStoreImpl) Close() error {
	return s.db.Close()
}
