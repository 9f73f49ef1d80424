package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PoolConfig bounds the connections a Pool keeps and how long a lease may be
// held before it is reported as a probable leak.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	LeakThreshold   time.Duration
}

// DefaultPoolConfig returns the settings used when none are configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
		LeakThreshold:   2 * time.Minute,
	}
}

// Validate checks the configuration for impossible values.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("max open connections must be positive, got %d", c.MaxOpenConns))
	}
	if c.MaxIdleConns < 0 {
		errs = append(errs, fmt.Errorf("max idle connections cannot be negative, got %d", c.MaxIdleConns))
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max idle connections (%d) exceeds max open connections (%d)", c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.ConnMaxIdleTime < 0 || c.ConnMaxLifetime < 0 {
		errs = append(errs, errors.New("connection lifetimes cannot be negative"))
	}
	if c.LeakThreshold <= 0 {
		errs = append(errs, fmt.Errorf("leak threshold must be positive, got %s", c.LeakThreshold))
	}
	return errors.Join(errs...)
}

// Pool wraps *sql.DB and hands out exclusive connections as leases so that
// long-held connections can be reported.
type Pool struct {
	db     *sql.DB
	cfg    PoolConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	nextID uint64
	leases map[uint64]*Lease
	closed bool
}

// Open opens a database with driverName and dsn, applies cfg and verifies the
// connection.
func Open(ctx context.Context, driverName, dsn string, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
	}

	pool := NewPool(db, cfg, logger)
	if err := pool.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driverName, err)
	}
	return pool, nil
}

// NewPool wraps an existing handle. Zero fields in cfg keep the defaults.
func NewPool(db *sql.DB, cfg PoolConfig, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.LeakThreshold <= 0 {
		cfg.LeakThreshold = def.LeakThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Pool{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "pool"),
		now:    time.Now,
		leases: make(map[uint64]*Lease),
	}
}

// WithClock replaces the pool's time source.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	if now != nil {
		p.now = now
	}
	return p
}

// DB returns the underlying database handle.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Config returns the effective configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Ping tests the database connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Acquire reserves one connection. The caller must Release the lease.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	lease := &Lease{
		id:         p.nextID,
		conn:       conn,
		pool:       p,
		acquiredAt: p.now(),
	}
	p.leases[lease.id] = lease
	return lease, nil
}

// LeaseInfo describes a lease still held past the leak threshold.
type LeaseInfo struct {
	ID         uint64
	AcquiredAt time.Time
	Held       time.Duration
}

// Held reports outstanding leases older than the leak threshold, oldest first.
func (p *Pool) Held() []LeaseInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var held []LeaseInfo
	for _, l := range p.leases {
		if d := now.Sub(l.acquiredAt); d > p.cfg.LeakThreshold {
			held = append(held, LeaseInfo{ID: l.id, AcquiredAt: l.acquiredAt, Held: d})
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].AcquiredAt.Before(held[j].AcquiredAt) })
	return held
}

// Close reports leases still held and closes the database handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	outstanding := len(p.leases)
	p.mu.Unlock()

	if outstanding > 0 {
		p.logger.Warn("closing pool with unreleased connections", "outstanding", outstanding)
	}
	return p.db.Close()
}

// Lease is one exclusive connection taken from a Pool.
type Lease struct {
	id         uint64
	conn       *sql.Conn
	pool       *Pool
	acquiredAt time.Time
	once       sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() *sql.Conn {
	return l.conn
}

// AcquiredAt returns when the lease was taken.
func (l *Lease) AcquiredAt() time.Time {
	return l.acquiredAt
}

// Release returns the connection to the pool. A lease held longer than the
// leak threshold is logged. Releasing twice is a no-op.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		p := l.pool
		held := p.now().Sub(l.acquiredAt)

		p.mu.Lock()
		delete(p.leases, l.id)
		p.mu.Unlock()

		if held > p.cfg.LeakThreshold {
			p.logger.Warn("probable connection leak",
				"lease_id", l.id,
				"held", held.String(),
				"threshold", p.cfg.LeakThreshold.String())
		}
		err = l.conn.Close()
	})
	return err
}
