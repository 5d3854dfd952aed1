// ABOUTME: SQLite-backed credit ledger tracking a consumable generation quota per user.
// ABOUTME: Fixed-window accounting with consume, best-effort reward (refund), and quota inspection.

package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInsufficientCredits is returned by Consume when the user's window
// has no points left.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Default quota tiers. Pro entitlement is decided by the EntitlementFunc.
const (
	FreePoints = 5
	ProPoints  = 100
)

// DefaultWindow is the quota accounting window.
const DefaultWindow = 30 * 24 * time.Hour

// EntitlementFunc reports whether the user has pro access. Nil means nobody does.
type EntitlementFunc func(ctx context.Context, userID string) (bool, error)

// Quota describes a user's current window.
type Quota struct {
	RemainingPoints   int
	MsBeforeNext      int64 // milliseconds until the window resets
	ConsumedPoints    int
	IsFirstInDuration bool
}

// Ledger is a SQLite-backed credit ledger.
type Ledger struct {
	db         *sql.DB
	mu         sync.Mutex // serializes read-modify-write on credit_windows
	window     time.Duration
	hasPro     EntitlementFunc
	freePoints int
	proPoints  int
	now        func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithWindow overrides the accounting window.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) { l.window = d }
}

// WithEntitlement sets the pro-access check used for tier sizing.
func WithEntitlement(fn EntitlementFunc) Option {
	return func(l *Ledger) { l.hasPro = fn }
}

// WithTiers overrides the free and pro point capacities.
func WithTiers(free, pro int) Option {
	return func(l *Ledger) {
		l.freePoints = free
		l.proPoints = pro
	}
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open opens or creates the ledger database at the given path.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS credit_windows (
			user_id TEXT PRIMARY KEY,
			consumed INTEGER NOT NULL,
			window_start TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	l := &Ledger{
		db:         db,
		window:     DefaultWindow,
		freePoints: FreePoints,
		proPoints:  ProPoints,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// capacity returns the user's window capacity based on entitlement.
func (l *Ledger) capacity(ctx context.Context, userID string) (int, error) {
	if l.hasPro == nil {
		return l.freePoints, nil
	}
	pro, err := l.hasPro(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("check entitlement: %w", err)
	}
	if pro {
		return l.proPoints, nil
	}
	return l.freePoints, nil
}

// loadWindow reads the user's current window, resetting it if expired.
// Returns consumed points, window start, and whether a row existed.
func (l *Ledger) loadWindow(ctx context.Context, userID string) (int, time.Time, bool, error) {
	var consumed int
	var startStr string
	err := l.db.QueryRowContext(ctx,
		`SELECT consumed, window_start FROM credit_windows WHERE user_id = ?`, userID,
	).Scan(&consumed, &startStr)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("query window: %w", err)
	}

	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("parse window_start: %w", err)
	}

	if l.now().Sub(start) >= l.window {
		// Window expired; treat as fresh.
		return 0, time.Time{}, false, nil
	}
	return consumed, start, true, nil
}

// Consume debits cost points from the user's window, starting a new window
// when none is active. Returns ErrInsufficientCredits when the debit would
// exceed the user's capacity.
func (l *Ledger) Consume(ctx context.Context, userID string, cost int) error {
	capacity, err := l.capacity(ctx, userID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	consumed, start, active, err := l.loadWindow(ctx, userID)
	if err != nil {
		return err
	}
	if !active {
		consumed = 0
		start = l.now().UTC()
	}

	if consumed+cost > capacity {
		return ErrInsufficientCredits
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO credit_windows (user_id, consumed, window_start)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			consumed = excluded.consumed,
			window_start = excluded.window_start`,
		userID, consumed+cost, start.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("update window: %w", err)
	}
	return nil
}

// Reward credits cost points back to the user's active window (a refund).
// Refunding without an active window is a no-op: there is nothing to restore.
func (l *Ledger) Reward(ctx context.Context, userID string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	consumed, start, active, err := l.loadWindow(ctx, userID)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	restored := consumed - cost
	if restored < 0 {
		restored = 0
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE credit_windows SET consumed = ? WHERE user_id = ? AND window_start = ?`,
		restored, userID, start.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("update window: %w", err)
	}
	return nil
}

// Get returns the user's quota for the active window, or nil when the user
// has never consumed in the current window.
func (l *Ledger) Get(ctx context.Context, userID string) (*Quota, error) {
	capacity, err := l.capacity(ctx, userID)
	if err != nil {
		return nil, err
	}

	consumed, start, active, err := l.loadWindow(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}

	remaining := capacity - consumed
	if remaining < 0 {
		remaining = 0
	}
	return &Quota{
		RemainingPoints:   remaining,
		MsBeforeNext:      start.Add(l.window).Sub(l.now()).Milliseconds(),
		ConsumedPoints:    consumed,
		IsFirstInDuration: consumed <= 1,
	}, nil
}
