// Package journal keeps an append-only SQLite audit trail of settlement
// events. It subscribes to the event emitter and records every emission so
// operators can answer "who paid what, when" without replaying ledger
// snapshots.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "embed"
	_ "github.com/mattn/go-sqlite3" // Enable sqlite3 driver

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/events"
)

//go:embed schema.sql
var schemaDefinition string

// Record is one journaled settlement event.
type Record struct {
	ID        int64     `db:"id"`
	Type      string    `db:"type"`
	SessionID string    `db:"session_id"`
	Actor     string    `db:"actor"`
	Amount    uint64    `db:"amount"`
	Data      string    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New opens the journal database at url (":memory:" for tests) and ensures
// the schema exists. The WAL pragmas follow the usual SQLite tuning for
// long-lived single-writer connections.
func New(url string, logger *slog.Logger) (*Journal, error) {
	// The options prefixed with underscore '_' are SQLite pragmas documented
	// at https://www.sqlite.org/pragma.html.
	dsn := "file:" + url + "?_journal_mode=wal&_busy_timeout=5000&_synchronous=normal&_foreign_keys=on"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open journal database", slog.String("url", url))
	}
	// A single connection keeps writes serialized and makes ":memory:" safe.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err = db.Exec(schemaDefinition); err != nil {
		return nil, errors.Wrap(err, "initialize journal schema")
	}

	return &Journal{
		db:     db,
		logger: logger.With("source", "journal.Journal"),
	}, nil
}

// Attach subscribes the journal to every event type the emitter knows.
func (j *Journal) Attach(emitter *events.Emitter) {
	emitter.SubscribeAll(j.record)
}

// record persists one event. Journal failures are logged, never propagated:
// the audit trail must not block settlement.
func (j *Journal) record(ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		j.logger.Error("encode event data", errors.SlogError(err))
		data = []byte("{}")
	}
	stmt := `INSERT INTO settlement_events (type, session_id, actor, amount, data, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	if _, err = j.db.Exec(stmt,
		string(ev.Type), ev.SessionID, eventActor(ev), eventAmount(ev), string(data), ev.Timestamp,
	); err != nil {
		j.logger.Error("journal settlement event",
			errors.SlogError(err), slog.String("type", string(ev.Type)))
	}
}

// eventActor pulls the acting address out of the event payload. The key
// varies by event type.
func eventActor(ev events.Event) string {
	for _, key := range []string{"payer", "winner", "recipient", "addr"} {
		if actor, ok := ev.Data[key].(string); ok && actor != "" {
			return actor
		}
	}
	return ""
}

func eventAmount(ev events.Event) uint64 {
	if amount, ok := ev.Data["amount"].(uint64); ok {
		return amount
	}
	return 0
}

// PaymentHistory returns the journaled accepted payments for payer, oldest
// first.
func (j *Journal) PaymentHistory(ctx context.Context, payer string) ([]Record, error) {
	var records []Record
	stmt := `SELECT id, type, session_id, actor, amount, data, created_at
	FROM settlement_events
	WHERE actor = ? AND type = ?
	ORDER BY id`
	if err := j.db.SelectContext(ctx, &records, stmt, payer, string(events.TypePaymentAccepted)); err != nil {
		return nil, errors.Wrap(err, "query payment history", slog.String("payer", payer))
	}
	return records, nil
}

// Recent returns the latest n journaled events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Record, error) {
	var records []Record
	stmt := `SELECT id, type, session_id, actor, amount, data, created_at
	FROM settlement_events
	ORDER BY id DESC
	LIMIT ?`
	if err := j.db.SelectContext(ctx, &records, stmt, n); err != nil {
		return nil, errors.Wrap(err, "query recent events")
	}
	return records, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return errors.Wrap(err, "close journal database")
	}
	return nil
}
