// Package txn implements the two-phase coordinator: a per-shard
// prepared-transaction handle with an Enter/Exit/Elsewhere lifecycle.
// Postgres' two-phase commit surface (PREPARE TRANSACTION / COMMIT
// PREPARED / ROLLBACK PREPARED) is driven through query.Session, since
// database/sql has no native XA/2PC API.
package txn

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cameron/datahog/errors"
	"github.com/cameron/datahog/pool"
	"github.com/cameron/datahog/query"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateInit State = iota
	StateOpen
	StatePrepared
	StateCommitted
	StateRolledBack
)

// Coordinator drives one shard's prepared transaction through its
// enter/exit/elsewhere lifecycle.
type Coordinator struct {
	pool  pool.Pool
	shard uint64
	name  string
	xid   string

	state  State
	failed bool
	conn   *pool.Conn
}

// New builds a Coordinator for one shard. name and uniqData feed the
// distributed transaction identifier derived in Enter, matching the
// original's TwoPhaseCommit(pool, shard, name, uniq_data).
func New(p pool.Pool, shard uint64, name string, uniqData ...interface{}) *Coordinator {
	parts := make([]string, len(uniqData))
	for i, v := range uniqData {
		parts[i] = fmt.Sprint(v)
	}
	joined := strings.Join(parts, "-")
	if len(joined) > 64 {
		joined = joined[:64]
	}
	xid := fmt.Sprintf("%d_%s_%s", rand.Int31(), name, joined)

	return &Coordinator{
		pool:  p,
		shard: shard,
		name:  name,
		xid:   xid,
		state: StateInit,
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Shard returns the shard this coordinator is bound to.
func (c *Coordinator) Shard() uint64 { return c.shard }

// Enter borrows a session pinned to the shard and begins a distributed
// transaction, yielding the session for local work.
func (c *Coordinator) Enter(ctx context.Context, timeout *time.Duration) (query.Session, error) {
	conn, err := c.pool.GetByShard(ctx, c.shard, timeout, false)
	if err != nil {
		return nil, err
	}
	if err := conn.Session.Begin(ctx); err != nil {
		c.pool.Put(conn)
		return nil, err
	}
	c.conn = conn
	c.state = StateOpen
	return conn.Session, nil
}

// Fail marks the handle so any subsequent Exit/Elsewhere rolls back,
// regardless of whether the enclosed work itself returned an error.
func (c *Coordinator) Fail() {
	c.failed = true
}

// Exit prepares the transaction (without committing) if the enclosed
// work succeeded and Fail was never called; otherwise it rolls back.
// Either way the bound session is returned to the pool. This is the
// key property of the whole lifecycle: the first shard's work is
// durably prepared before any other shard is touched.
func (c *Coordinator) Exit(workErr error) error {
	defer func() {
		c.pool.Put(c.conn)
		c.conn = nil
	}()

	if c.failed || workErr != nil {
		if err := c.conn.Session.Rollback(context.Background()); err != nil {
			log.Errorf("txn: rollback of %s on shard %d failed: %v", c.xid, c.shard, errors.Cause(err))
		}
		c.state = StateRolledBack
		return workErr
	}

	if err := c.conn.Session.Prepare(context.Background(), c.xid); err != nil {
		c.state = StateRolledBack
		return err
	}
	c.state = StatePrepared
	return nil
}

// Elsewhere runs fn, the remaining shards' work. On fn's success (and
// no prior Fail()), it commits the prepared transaction from the first
// shard. On any failure, or a prior Fail(), it rolls back the prepared
// transaction and re-raises fn's error.
func (c *Coordinator) Elsewhere(fn func() error) error {
	if c.state != StatePrepared {
		panic("txn: Elsewhere called before a successful Exit")
	}

	workErr := fn()

	if c.failed || workErr != nil {
		if err := c.Rollback(); err != nil {
			log.Errorf("txn: rollback of prepared %s on shard %d failed: %v", c.xid, c.shard, errors.Cause(err))
		}
		return workErr
	}

	return c.Commit()
}

// Rollback rolls back a previously prepared transaction. Explicit
// terminator for drivers/call sites that don't use Elsewhere. A no-op
// unless the transaction is currently prepared: issuing ROLLBACK
// PREPARED for an xid that never reached PREPARE TRANSACTION (or was
// already finalized) is an error at the database, not a cleanup.
func (c *Coordinator) Rollback() error {
	if c.state != StatePrepared {
		return nil
	}
	return c.finish(func(ctx context.Context, s query.Session) error {
		return s.RollbackPrepared(ctx, c.xid)
	}, StateRolledBack)
}

// Commit commits a previously prepared transaction. Explicit terminator
// for drivers/call sites that don't use Elsewhere. A no-op unless the
// transaction is currently prepared.
func (c *Coordinator) Commit() error {
	if c.state != StatePrepared {
		return nil
	}
	return c.finish(func(ctx context.Context, s query.Session) error {
		return s.CommitPrepared(ctx, c.xid)
	}, StateCommitted)
}

func (c *Coordinator) finish(do func(context.Context, query.Session) error, nextState State) error {
	conn, err := c.pool.GetByShard(context.Background(), c.shard, nil, false)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	if err := do(context.Background(), conn.Session); err != nil {
		return err
	}
	c.state = nextState
	return nil
}
