// Package storage holds the relay server's store-and-forward queue:
// messages for offline recipients live in SQLite until they are fetched or
// their TTL runs out.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
)

// DefaultTTL bounds server-side custody when a message carries no TTL
const DefaultTTL = 7 * 24 * time.Hour

// QueuedMessage is one stored message waiting for its recipient
type QueuedMessage struct {
	ID        int64
	Recipient string
	Sender    string
	MessageID string
	Protocol  string
	Payload   []byte
	Encrypted bool
	Timestamp int64 // original send time, unix milliseconds
	ExpiresAt int64 // unix seconds
	Attempts  int
}

// RelayMessage rebuilds the wire message for redelivery, keeping the
// original id, sender and timestamp
func (m *QueuedMessage) RelayMessage() *protocol.RelayMessage {
	msg := &protocol.RelayMessage{
		Type:      protocol.RelayTypeMessage,
		ID:        m.MessageID,
		Timestamp: m.Timestamp,
		From:      m.Sender,
		To:        m.Recipient,
		Protocol:  m.Protocol,
		Encrypted: m.Encrypted,
	}
	msg.SetPayload(m.Payload)
	return msg
}

// MessageQueue manages offline message storage for a relay server
type MessageQueue struct {
	db     *sql.DB
	ttl    time.Duration
	logger *logrus.Entry
	done   chan struct{}
}

// NewMessageQueue opens (or creates) the queue database. ttl of zero picks
// the 7-day default.
func NewMessageQueue(dbPath string, ttl time.Duration, logger *logrus.Entry) (*MessageQueue, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	queue := &MessageQueue{
		db:     db,
		ttl:    ttl,
		logger: logger.WithField("component", "message-queue"),
		done:   make(chan struct{}),
	}

	if err := queue.initSchema(); err != nil {
		return nil, err
	}

	go queue.sweepExpired()

	return queue, nil
}

// initSchema creates the database schema
func (q *MessageQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queued_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		message_id TEXT UNIQUE NOT NULL,
		protocol TEXT NOT NULL,
		payload BLOB NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Fast lookup by recipient
	CREATE INDEX IF NOT EXISTS idx_recipient ON queued_messages(recipient);

	-- Expiration sweep
	CREATE INDEX IF NOT EXISTS idx_expires ON queued_messages(expires_at);
	`

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Enqueue stores one MESSAGE for an offline recipient. Re-queueing the
// same message id is a no-op, so a retried send cannot duplicate custody.
func (q *MessageQueue) Enqueue(msg *protocol.RelayMessage) error {
	if msg.Type != protocol.RelayTypeMessage {
		return fmt.Errorf("cannot queue message of type %s", msg.Type)
	}

	payload, err := msg.DecodePayload()
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	ttl := q.ttl
	if msg.TTL > 0 {
		ttl = time.Duration(msg.TTL) * time.Second
	}
	expiresAt := time.Now().Add(ttl).Unix()

	query := `
		INSERT OR IGNORE INTO queued_messages (recipient, sender, message_id, protocol, payload, encrypted, timestamp, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	encrypted := 0
	if msg.Encrypted {
		encrypted = 1
	}

	if _, err := q.db.Exec(query, msg.To, msg.From, msg.ID, msg.Protocol, payload, encrypted, msg.Timestamp, expiresAt); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"message":   msg.ID,
		"recipient": msg.To,
		"ttl":       ttl.String(),
	}).Info("📬 Message queued for offline recipient")

	return nil
}

// PendingFor returns all unexpired messages for a recipient, oldest first
func (q *MessageQueue) PendingFor(recipient string) ([]*QueuedMessage, error) {
	query := `
		SELECT id, recipient, sender, message_id, protocol, payload, encrypted, timestamp, expires_at, attempts
		FROM queued_messages
		WHERE recipient = ? AND expires_at > ?
		ORDER BY timestamp ASC
	`

	rows, err := q.db.Query(query, recipient, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get queued messages: %w", err)
	}
	defer rows.Close()

	var messages []*QueuedMessage
	for rows.Next() {
		msg := &QueuedMessage{}
		var encrypted int
		if err := rows.Scan(&msg.ID, &msg.Recipient, &msg.Sender, &msg.MessageID, &msg.Protocol, &msg.Payload, &encrypted, &msg.Timestamp, &msg.ExpiresAt, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Encrypted = encrypted != 0
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Delete removes a message after successful delivery
func (q *MessageQueue) Delete(messageID string) error {
	if _, err := q.db.Exec(`DELETE FROM queued_messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the delivery attempt counter
func (q *MessageQueue) IncrementAttempts(messageID string) error {
	_, err := q.db.Exec(`UPDATE queued_messages SET attempts = attempts + 1 WHERE message_id = ?`, messageID)
	return err
}

// CountFor returns the number of unexpired messages waiting for a
// recipient
func (q *MessageQueue) CountFor(recipient string) (int, error) {
	var count int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE recipient = ? AND expires_at > ?`,
		recipient, time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get message count: %w", err)
	}
	return count, nil
}

// TotalSize returns the total number of unexpired queued messages
func (q *MessageQueue) TotalSize() (int, error) {
	var count int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM queued_messages WHERE expires_at > ?`,
		time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}

// Stats returns queue statistics for the status API
func (q *MessageQueue) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	total, err := q.TotalSize()
	if err != nil {
		return nil, err
	}
	stats["total_messages"] = total

	query := `
		SELECT recipient, COUNT(*) as count
		FROM queued_messages
		WHERE expires_at > ?
		GROUP BY recipient
	`

	rows, err := q.db.Query(query, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byRecipient := make(map[string]int)
	for rows.Next() {
		var recipient string
		var count int
		if err := rows.Scan(&recipient, &count); err != nil {
			return nil, err
		}
		byRecipient[recipient] = count
	}
	stats["by_recipient"] = byRecipient

	return stats, rows.Err()
}

// sweepExpired removes expired messages once an hour
func (q *MessageQueue) sweepExpired() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			result, err := q.db.Exec(`DELETE FROM queued_messages WHERE expires_at <= ?`, time.Now().Unix())
			if err != nil {
				q.logger.WithError(err).Warn("⚠️  Failed to sweep expired messages")
				continue
			}

			if count, _ := result.RowsAffected(); count > 0 {
				q.logger.WithField("count", count).Info("🧹 Swept expired messages")
			}
		}
	}
}

// Close stops the sweeper and closes the database
func (q *MessageQueue) Close() error {
	close(q.done)
	return q.db.Close()
}
