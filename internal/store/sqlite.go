package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderEventStore = (*SQLiteStore)(nil)
var _ CredentialStore = (*sqliteCredentials)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	account    TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS order_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	account         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	client_order_id TEXT NOT NULL DEFAULT '',
	quantity        TEXT NOT NULL DEFAULT '0',
	price           TEXT NOT NULL DEFAULT '0',
	amount          TEXT NOT NULL DEFAULT '0',
	detail          TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_account ON order_events (account, created_at);
`

// SQLiteStore holds credential records and the order audit log in a SQLite
// database. One database can serve several accounts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the tables it needs.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}
	dsn := dbPath
	if dbPath != ":memory:" {
		// Several account sessions may open the same file.
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY and
	// keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// Credentials returns a CredentialStore for the named account.
func (s *SQLiteStore) Credentials(account string) CredentialStore {
	return &sqliteCredentials{db: s.db, account: account}
}

type sqliteCredentials struct {
	db      *sql.DB
	account string
}

func (c *sqliteCredentials) Load(ctx context.Context) (*domain.Credential, error) {
	var record string
	err := c.db.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE account = ?`, c.account).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential for %s: %w", c.account, err)
	}
	var cred domain.Credential
	if err := json.Unmarshal([]byte(record), &cred); err != nil {
		return nil, fmt.Errorf("decoding credential for %s: %w", c.account, err)
	}
	return &cred, nil
}

func (c *sqliteCredentials) Save(ctx context.Context, cred *domain.Credential) error {
	record, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (account, record, updated_at) VALUES (?, ?, ?)`,
		c.account, string(record), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving credential for %s: %w", c.account, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// OrderEventStore implementation
// ---------------------------------------------------------------------------

// RecordOrderEvent appends ev to the audit log and sets its ID.
func (s *SQLiteStore) RecordOrderEvent(ctx context.Context, ev *OrderEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events
			(account, kind, symbol, order_id, client_order_id, quantity, price, amount, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Account, ev.Kind, ev.Symbol, ev.OrderID, ev.ClientOrderID,
		ev.Quantity.String(), ev.Price.String(), ev.Amount.String(),
		ev.Detail, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording order event: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		ev.ID = id
	}
	return nil
}

// ListOrderEvents returns events for account at or after since, newest first.
func (s *SQLiteStore) ListOrderEvents(ctx context.Context, account string, since time.Time, limit int) ([]OrderEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, kind, symbol, order_id, client_order_id, quantity, price, amount, detail, created_at
		FROM order_events
		WHERE account = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		account, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing order events: %w", err)
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var (
			ev                 OrderEvent
			qty, price, amount string
			createdAt          int64
		)
		if err := rows.Scan(&ev.ID, &ev.Account, &ev.Kind, &ev.Symbol, &ev.OrderID,
			&ev.ClientOrderID, &qty, &price, &amount, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		ev.Quantity = parseDecimal(qty)
		ev.Price = parseDecimal(price)
		ev.Amount = parseDecimal(amount)
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
