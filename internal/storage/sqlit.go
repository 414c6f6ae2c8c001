package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"catalyst/internal/chat"
	"catalyst/internal/pricetarget"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

type Store struct{ db DB }

func OpenSQLite(dsn string) (DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY between
	// the chat recorder and the price-target writer.
	db.SetMaxOpenConns(1)
	return db, nil
}

func InitSchema(ctx context.Context, db DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages(
			conversation_id TEXT NOT NULL, role TEXT NOT NULL, content TEXT, ts INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, ts)`,
		`CREATE TABLE IF NOT EXISTS price_targets(
			symbol TEXT NOT NULL, analyst_firm TEXT NOT NULL, analyst_name TEXT,
			price_target REAL NOT NULL, published_date TEXT NOT NULL,
			action TEXT, rating TEXT,
			UNIQUE(symbol, analyst_firm, published_date)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func NewStore(db DB) *Store { return &Store{db: db} }

// SaveMessage appends one turn of a conversation.
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(conversation_id,role,content,ts) VALUES(?,?,?,?)`,
		conversationID, role, content, ts.UnixMilli())
	return err
}

// FetchMessages returns the conversation in order, keeping only the last
// limit turns when limit > 0.
func (s *Store) FetchMessages(ctx context.Context, conversationID string, limit int) ([]chat.HistoryMessage, error) {
	q := `SELECT role, content FROM messages WHERE conversation_id=? ORDER BY ts ASC, rowid ASC`
	args := []any{conversationID}
	if limit > 0 {
		q = `SELECT role, content FROM (
			SELECT role, content, ts, rowid AS rid FROM messages WHERE conversation_id=?
			ORDER BY ts DESC, rowid DESC LIMIT ?
		) ORDER BY ts ASC, rid ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.HistoryMessage
	for rows.Next() {
		var m chat.HistoryMessage
		var content sql.NullString
		if err := rows.Scan(&m.Role, &content); err == nil && content.String != "" {
			m.Content = content.String
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// SavePriceTargets upserts targets; a repeat of (symbol, firm, date) replaces
// the stored row.
func (s *Store) SavePriceTargets(ctx context.Context, targets []pricetarget.PriceTarget) error {
	for _, t := range targets {
		if !t.Valid() || t.Symbol == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO price_targets
			(symbol,analyst_firm,analyst_name,price_target,published_date,action,rating)
			VALUES(?,?,?,?,?,?,?)
			ON CONFLICT(symbol,analyst_firm,published_date) DO UPDATE SET
				analyst_name=excluded.analyst_name, price_target=excluded.price_target,
				action=excluded.action, rating=excluded.rating`,
			strings.ToUpper(t.Symbol), t.AnalystFirm, t.AnalystName, t.PriceTarget, t.PublishedDate, t.Action, t.Rating)
		if err != nil {
			return fmt.Errorf("save price target %s/%s: %w", t.Symbol, t.AnalystFirm, err)
		}
	}
	return nil
}

// PriceTargets returns every stored target for symbol, newest first.
func (s *Store) PriceTargets(ctx context.Context, symbol string) ([]pricetarget.PriceTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, analyst_firm, COALESCE(analyst_name,''), price_target,
		published_date, COALESCE(action,''), COALESCE(rating,'')
		FROM price_targets WHERE symbol=? ORDER BY published_date DESC`, strings.ToUpper(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pricetarget.PriceTarget
	for rows.Next() {
		var t pricetarget.PriceTarget
		if err := rows.Scan(&t.Symbol, &t.AnalystFirm, &t.AnalystName, &t.PriceTarget,
			&t.PublishedDate, &t.Action, &t.Rating); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
