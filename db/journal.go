package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/xiuxian-bot/dispatch"
	"github.com/onnwee/xiuxian-bot/telemetry"
)

// Journal is an append-only audit trail of observed chat and send attempts. Feature state is
// never rebuilt from it.
type Journal struct {
	db *sql.DB
}

// NewJournal wraps an open, migrated database.
func NewJournal(db *sql.DB) *Journal { return &Journal{db: db} }

// SentAction is one row of sent_actions.
type SentAction struct {
	ID            int64     `json:"id"`
	Feature       string    `json:"feature"`
	Text          string    `json:"text"`
	ToTopic       bool      `json:"to_topic"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Result        string    `json:"result"`
	MessageID     string    `json:"message_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordInbound stores one in-scope event.
func (j *Journal) RecordInbound(ctx context.Context, ev dispatch.Event) error {
	observed := ev.Time
	if observed.IsZero() {
		observed = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO chat_events (chat_id, message_id, reply_to_id, sender_id, text, edited, reply_to_me, correlation_id, observed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ChatID, ev.MessageID, nullable(ev.ReplyToID), nullable(ev.SenderID), ev.Text, ev.Edited, ev.IsReplyToMe,
		nullable(telemetry.GetCorrelation(ctx)), observed.UTC())
	if err != nil {
		return fmt.Errorf("journal inbound: %w", err)
	}
	return nil
}

// RecordOutbound stores one send attempt with its result (see telemetry.SendResult*).
func (j *Journal) RecordOutbound(ctx context.Context, msg dispatch.Outgoing, result, messageID string, sendErr error) error {
	var errText string
	if sendErr != nil {
		errText = sendErr.Error()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sent_actions (feature, text, to_topic, reply_to, result, message_id, error, correlation_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.Feature, msg.Text, msg.ToTopic, nullable(msg.ReplyTo), result, nullable(messageID), nullable(errText),
		nullable(telemetry.GetCorrelation(ctx)))
	if err != nil {
		return fmt.Errorf("journal outbound: %w", err)
	}
	return nil
}

// RecentOutbound returns the latest send attempts, newest first.
func (j *Journal) RecentOutbound(ctx context.Context, limit int) ([]SentAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, feature, text, to_topic, COALESCE(reply_to,''), result, COALESCE(message_id,''), COALESCE(error,''), COALESCE(correlation_id,''), created_at
		 FROM sent_actions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var out []SentAction
	for rows.Next() {
		var a SentAction
		if err := rows.Scan(&a.ID, &a.Feature, &a.Text, &a.ToTopic, &a.ReplyTo, &a.Result, &a.MessageID, &a.Error, &a.CorrelationID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

// Close closes the underlying pool.
func (j *Journal) Close() error { return j.db.Close() }
