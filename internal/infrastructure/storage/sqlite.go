package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_autotrader/internal/domain"
)

// SQLiteStore is the append-only audit sink and the trade repository.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Auditor and trading loop write from different goroutines.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			pnl REAL NOT NULL,
			pnl_pct REAL NOT NULL,
			reason TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// AuditSink Implementation

// Append stores one audit event. Rows are never updated or deleted.
func (s *SQLiteStore) Append(ctx context.Context, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		eventType, string(data), time.Now().UTC())
	return err
}

// AuditEvent is a stored audit row.
type AuditEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAuditEvents returns the most recent events, newest first. An empty
// eventType matches every type.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, eventType string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, payload, created_at FROM audit_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode audit event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TradeRepository Implementation

// SaveTrade stores a closed trade. Saving the same position twice is a no-op.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	query := `INSERT INTO trades (position_id, symbol, entry_price, exit_price, quantity, pnl, pnl_pct, reason, entry_time, exit_time)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(position_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		trade.PositionID, trade.Symbol, trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.PnL, trade.PnLPct, string(trade.Reason), trade.EntryTime.UTC(), trade.Timestamp.UTC())
	return err
}

// ListTrades returns the most recent trades, newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT position_id, symbol, entry_price, exit_price, quantity, pnl, pnl_pct, reason, entry_time, exit_time
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var reason string
		if err := rows.Scan(&t.PositionID, &t.Symbol, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.PnL, &t.PnLPct, &reason, &t.EntryTime, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Reason = domain.ExitReason(reason)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// TradeSummary recomputes the session report from every persisted trade
// closed at or after since. A zero since covers the whole table.
func (s *SQLiteStore) TradeSummary(ctx context.Context, since time.Time) (domain.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pnl FROM trades WHERE exit_time >= ? ORDER BY id`, since.UTC())
	if err != nil {
		return domain.Report{}, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.PnL); err != nil {
			return domain.Report{}, err
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return domain.Report{}, err
	}
	return domain.Summarize(trades), nil
}
