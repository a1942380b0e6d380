package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	dErrors "biovote/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

// Runner executes fn atomically. Stores reached from fn's context join the
// unit of work.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs fn inside a database transaction bounded by a timeout.
type SQLRunner struct {
	db      *sql.DB
	timeout time.Duration
	opts    *sql.TxOptions
}

// SQLRunnerOption configures an SQLRunner.
type SQLRunnerOption func(*SQLRunner)

// WithTimeout bounds transactions started without a caller deadline.
func WithTimeout(d time.Duration) SQLRunnerOption {
	return func(r *SQLRunner) {
		r.timeout = d
	}
}

// WithTxOptions sets the isolation level and read-only flag.
func WithTxOptions(opts *sql.TxOptions) SQLRunnerOption {
	return func(r *SQLRunner) {
		r.opts = opts
	}
}

// NewSQLRunner constructs a transaction runner over db.
func NewSQLRunner(db *sql.DB, opts ...SQLRunnerOption) *SQLRunner {
	r := &SQLRunner{db: db, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunInTx begins a transaction, stores it in ctx for fn, and commits when fn
// returns nil. A transaction already present in ctx is reused.
func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sqlTx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MemoryRunner is the in-process counterpart of SQLRunner used with memory
// stores. It has no rollback; memory stores apply writes only after their
// checks pass. Locks taken through a KeyedMutex inside fn are held until fn
// returns, mirroring row locks held until commit.
type MemoryRunner struct{}

// NewMemoryRunner constructs a MemoryRunner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (r *MemoryRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := unitFrom(ctx); ok {
		return fn(ctx)
	}
	u := &unit{held: make(map[*KeyedMutex]map[string]struct{})}
	defer u.end()
	return fn(context.WithValue(ctx, unitKey, u))
}

type unitCtxKey struct{}

var unitKey = unitCtxKey{}

type unit struct {
	mu       sync.Mutex
	releases []func()
	held     map[*KeyedMutex]map[string]struct{}
}

func unitFrom(ctx context.Context) (*unit, bool) {
	u, ok := ctx.Value(unitKey).(*unit)
	return u, ok
}

func (u *unit) end() {
	u.mu.Lock()
	releases := u.releases
	u.releases = nil
	u.mu.Unlock()
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

// KeyedMutex hands out one exclusive lock per key. Memory stores use it to
// emulate SELECT ... FOR UPDATE.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires key for the unit of work in ctx and releases it when the unit
// ends. Locking the same key twice within one unit is a no-op. Outside a unit
// of work it returns ErrNoUnitOfWork.
func (m *KeyedMutex) Lock(ctx context.Context, key string) error {
	u, ok := unitFrom(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	u.mu.Lock()
	if _, held := u.held[m][key]; held {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l, false)
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "lock wait aborted")
	}

	u.mu.Lock()
	if u.held[m] == nil {
		u.held[m] = make(map[string]struct{})
	}
	u.held[m][key] = struct{}{}
	u.releases = append(u.releases, func() { m.release(key, l, true) })
	u.mu.Unlock()
	return nil
}

func (m *KeyedMutex) release(key string, l *keyLock, acquired bool) {
	if acquired {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// ErrNoUnitOfWork is returned when a lock is requested outside RunInTx.
var ErrNoUnitOfWork = errors.New("lock requested outside a unit of work")
