// Package pool implements the connection pool facade: borrow/return of
// shard-scoped sessions, lookup by id or shard, and a read-only flag.
// Each shard is backed by a query.Backend — in production
// query.Postgres, opening *sql.DB/*sql.Conn against a Postgres DSN via
// lib/pq; in tests, query.Fake, an in-memory double.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cameron/datahog/conf"
	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/query"
	"github.com/cameron/datahog/shardmap"
)

// Conn is a session borrowed from the pool, pinned to a single shard.
// Callers drive Session and must return the Conn via Pool.Put (or use
// one of the Pool.With* scoped helpers).
type Conn struct {
	ShardID uint64
	Session query.Session

	cancel context.CancelFunc
}

// Pool is the facade every multi-shard plan borrows sessions from.
type Pool interface {
	// GetByID borrows a session pinned to id's home shard.
	GetByID(ctx context.Context, id uint64, timeout *time.Duration) (*Conn, error)
	// GetByShard borrows a session pinned to shard. The pool keeps no
	// session cache: every call opens a fresh session from the backend,
	// whatever replace says.
	GetByShard(ctx context.Context, shard uint64, timeout *time.Duration, replace bool) (*Conn, error)
	// Put returns a connection to the pool.
	Put(c *Conn)

	// WithShard runs fn with a session scoped to shard, guaranteeing
	// the session is returned on every exit path including a panic.
	WithShard(ctx context.Context, shard uint64, timeout *time.Duration, fn func(*Conn) error) error
	// WithID is WithShard for a session pinned to id's home shard.
	WithID(ctx context.Context, id uint64, timeout *time.Duration, fn func(*Conn) error) error

	ReadOnly() bool
	DigestKey() []byte
	ShardBits() uint
	ShardMap() *shardmap.Map

	Start() error
	Stop() error
	WaitReady(timeout time.Duration) error
}

type pool struct {
	mu      sync.Mutex
	cfg     conf.Config
	backend query.Backend
	started bool

	smap *shardmap.Map

	health *healthServer
}

// New constructs a Pool from cfg, driven by backend. Production callers
// pass query.NewPostgres(cfg); tests pass query.NewFake().
func New(cfg conf.Config, backend query.Backend) Pool {
	return &pool{
		cfg:     cfg,
		backend: backend,
		smap:    shardmap.New(cfg),
	}
}

func (p *pool) ReadOnly() bool          { return p.cfg.ReadOnly }
func (p *pool) DigestKey() []byte       { return p.cfg.DigestKey }
func (p *pool) ShardBits() uint         { return p.cfg.ShardBits }
func (p *pool) ShardMap() *shardmap.Map { return p.smap }

func (p *pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for _, sd := range p.cfg.Shards {
		if err := withRetry(p.probeTimeout(), func() error {
			ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout())
			defer cancel()
			s, err := p.backend.Open(ctx, sd.ShardID)
			if err != nil {
				return err
			}
			return s.Close()
		}); err != nil {
			return fmt.Errorf("pool: probing shard %d: %w", sd.ShardID, err)
		}
		log.Debugf("pool: shard %d ready", sd.ShardID)
	}

	p.health = newHealthServer(p.cfg.HealthListenAddress)
	if err := p.health.start(); err != nil {
		return err
	}
	p.health.setServing()

	p.started = true
	log.Infof("pool: started with %d shards", len(p.cfg.Shards))
	return nil
}

func (p *pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	if p.health != nil {
		p.health.stop()
	}
	p.started = false
	return nil
}

func (p *pool) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		ready := p.started
		p.mu.Unlock()
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewTimeoutError()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *pool) GetByID(ctx context.Context, id uint64, timeout *time.Duration) (*Conn, error) {
	return p.GetByShard(ctx, p.smap.ShardByID(id), timeout, true)
}

func (p *pool) GetByShard(ctx context.Context, shard uint64, timeout *time.Duration, _ bool) (*Conn, error) {
	var cctx context.Context
	var cancel context.CancelFunc
	if timeout != nil {
		cctx, cancel = context.WithTimeout(ctx, *timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}

	sess, err := p.backend.Open(cctx, shard)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Conn{ShardID: shard, Session: sess, cancel: cancel}, nil
}

func (p *pool) Put(c *Conn) {
	if c == nil {
		return
	}
	if c.Session != nil {
		_ = c.Session.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

func (p *pool) WithShard(ctx context.Context, shard uint64, timeout *time.Duration, fn func(*Conn) error) (err error) {
	conn, err := p.GetByShard(ctx, shard, timeout, true)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

func (p *pool) WithID(ctx context.Context, id uint64, timeout *time.Duration, fn func(*Conn) error) error {
	return p.WithShard(ctx, p.smap.ShardByID(id), timeout, fn)
}

func (p *pool) probeTimeout() time.Duration {
	if p.cfg.ConnectTimeout > 0 {
		return p.cfg.ConnectTimeout
	}
	return 5 * time.Second
}
