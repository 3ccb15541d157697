// Package msgbus implements the durable, SQLite-backed multi-agent message
// bus: priority-ordered delivery, atomic claim-based receive, ack/fail
// lifecycle, and a visibility-timeout sweeper for messages that were
// claimed but never acknowledged.
package msgbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/R3E-Network/agentcore/infrastructure/errors"
	"github.com/R3E-Network/agentcore/infrastructure/logging"
)

// Priority orders delivery: urgent > high > normal > low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Status is a message's position in the send/receive/ack lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
)

const topicPrefix = "@topic:"

// Message is one unit of inter-agent communication.
type Message struct {
	ID          int64      `db:"id"`
	FromAgent   string     `db:"from_agent"`
	ToAgent     string     `db:"to_agent"`
	Type        string     `db:"type"`
	Priority    string     `db:"priority"`
	Payload     string     `db:"payload"`
	Status      string     `db:"status"`
	CreatedAt   float64    `db:"created_at"`
	ProcessedAt *float64   `db:"processed_at"`
	Retries     int        `db:"retries"`
	ExpiresAt   *float64   `db:"expires_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at REAL NOT NULL,
	processed_at REAL,
	retries INTEGER NOT NULL DEFAULT 0,
	expires_at REAL
);
CREATE INDEX IF NOT EXISTS idx_messages_to_status ON messages(to_agent, status);
CREATE INDEX IF NOT EXISTS idx_messages_status_priority ON messages(status, priority, created_at);
`

// Bus is the durable message bus backed by a single SQLite file.
type Bus struct {
	db              *sqlx.DB
	log             *logging.Logger
	visibilityTimeout time.Duration
	maxRetries      int
	cron            *cron.Cron

	mu            sync.Mutex
	subscriptions map[string]map[string]struct{} // topic -> set of agent ids
	waiters       map[string]chan struct{}       // to_agent -> notification channel
}

// Config controls sweeper cadence and retry limits.
type Config struct {
	VisibilityTimeout time.Duration
	MaxRetries        int
	SweepInterval     time.Duration
}

// DefaultConfig returns the spec's default timings.
func DefaultConfig() Config {
	return Config{VisibilityTimeout: 60 * time.Second, MaxRetries: 3, SweepInterval: 15 * time.Second}
}

// Open creates or opens the message bus database at path.
func Open(path string, cfg Config, log *logging.Logger) (*Bus, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("msgbus: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("msgbus: migrate: %w", err)
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}

	b := &Bus{
		db:                db,
		log:               log,
		visibilityTimeout: cfg.VisibilityTimeout,
		maxRetries:        cfg.MaxRetries,
		subscriptions:     make(map[string]map[string]struct{}),
		waiters:           make(map[string]chan struct{}),
	}
	return b, nil
}

// StartSweeper schedules the visibility-timeout sweep on a cron job running
// every sweepInterval (15s when not positive), using github.com/robfig/cron/v3.
func (b *Bus) StartSweeper(sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	b.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", sweepInterval)
	_, err := b.cron.AddFunc(spec, func() {
		n, err := b.sweepExpired(context.Background())
		if err != nil {
			b.log.WithContext(context.Background()).WithError(err).Warn("msgbus sweep failed")
			return
		}
		if n > 0 {
			b.log.WithContext(context.Background()).WithField("count", n).Info("msgbus swept expired in-flight messages")
		}
	})
	if err != nil {
		return err
	}
	b.cron.Start()
	return nil
}

// Close stops the sweeper and releases the database handle.
func (b *Bus) Close() error {
	if b.cron != nil {
		ctx := b.cron.Stop()
		<-ctx.Done()
	}
	return b.db.Close()
}

// Subscribe registers agentID to receive a copy of every message sent to
// the topic "@topic:<topic>".
func (b *Bus) Subscribe(topic, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscriptions[topic] == nil {
		b.subscriptions[topic] = make(map[string]struct{})
	}
	b.subscriptions[topic][agentID] = struct{}{}
}

// Send inserts a pending message and returns its id. A recipient of the
// form "@topic:<name>" fans out a distinct copy to every subscriber
// registered via Subscribe.
func (b *Bus) Send(ctx context.Context, from, to, msgType string, priority Priority, payload any) (int64, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.MessageUndelivered(err)
	}

	if len(to) > len(topicPrefix) && to[:len(topicPrefix)] == topicPrefix {
		topic := to[len(topicPrefix):]
		b.mu.Lock()
		subs := make([]string, 0, len(b.subscriptions[topic]))
		for agent := range b.subscriptions[topic] {
			subs = append(subs, agent)
		}
		b.mu.Unlock()

		var lastID int64
		for _, agent := range subs {
			id, err := b.insert(ctx, from, agent, msgType, priority, string(encoded))
			if err != nil {
				return 0, err
			}
			lastID = id
			b.notify(agent)
		}
		return lastID, nil
	}

	id, err := b.insert(ctx, from, to, msgType, priority, string(encoded))
	if err != nil {
		return 0, err
	}
	b.notify(to)
	return id, nil
}

func (b *Bus) insert(ctx context.Context, from, to, msgType string, priority Priority, payload string) (int64, error) {
	now := nowSeconds()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (from_agent, to_agent, type, priority, payload, status, created_at) VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		from, to, msgType, string(priority), payload, now)
	if err != nil {
		return 0, errors.MessageUndelivered(err)
	}
	return res.LastInsertId()
}

// Receive atomically claims up to max pending messages for toAgent, in
// (priority desc, created_at asc) order, transitioning them to in-flight
// and stamping processed_at. The SELECT of candidate ids and the UPDATE that
// claims them run in one transaction on the store's single connection, so
// concurrent receivers never claim the same message.
func (b *Bus) Receive(ctx context.Context, toAgent string, max int) ([]Message, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	defer tx.Rollback()

	var ids []int64
	err = tx.SelectContext(ctx, &ids,
		`SELECT id FROM messages
		 WHERE to_agent = ? AND status = 'pending'
		 ORDER BY CASE priority
		   WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 2 END,
		   created_at ASC
		 LIMIT ?`,
		toAgent, max)
	if err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := nowSeconds()
	query, args, err := sqlx.In(`UPDATE messages SET status = 'in-flight', processed_at = ? WHERE id IN (?)`, now, ids)
	if err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, errors.MessageUndelivered(err)
	}

	var claimed []Message
	selQuery, selArgs, err := sqlx.In(`SELECT id, from_agent, to_agent, type, priority, payload, status, created_at, processed_at, retries, expires_at FROM messages WHERE id IN (?) ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 2 END, created_at ASC`, ids)
	if err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	selQuery = tx.Rebind(selQuery)
	if err := tx.SelectContext(ctx, &claimed, selQuery, selArgs...); err != nil {
		return nil, errors.MessageUndelivered(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	return claimed, nil
}

// ReceiveWait blocks until either a message becomes available for toAgent
// or timeout elapses, falling back to polling every pollInterval as a
// liveness guard against a missed notification.
func (b *Bus) ReceiveWait(ctx context.Context, toAgent string, max int, timeout, pollInterval time.Duration) ([]Message, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	if msgs, err := b.Receive(ctx, toAgent, max); err != nil || len(msgs) > 0 {
		return msgs, err
	}

	deadline := time.Now().Add(timeout)
	for {
		waitCh := b.waiterFor(toAgent)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		case <-waitCh:
		}

		msgs, err := b.Receive(ctx, toAgent, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func (b *Bus) waiterFor(agent string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[agent]
	if !ok {
		ch = make(chan struct{})
		b.waiters[agent] = ch
	}
	return ch
}

func (b *Bus) notify(agent string) {
	b.mu.Lock()
	ch, ok := b.waiters[agent]
	if ok {
		delete(b.waiters, agent) // replaced lazily by the next waiterFor call
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Ack transitions a message from in-flight to acked.
func (b *Bus) Ack(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, `UPDATE messages SET status = 'acked' WHERE id = ? AND status = 'in-flight'`, id)
	if err != nil {
		return errors.MessageUndelivered(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("msgbus: message %d is not in-flight", id)
	}
	return nil
}

// Fail transitions a message from in-flight to failed and increments its
// retry counter. reason is logged but not persisted as a column; callers
// wanting a durable dead-letter trail should journal it via the episodic
// store.
func (b *Bus) Fail(ctx context.Context, id int64, reason string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', retries = retries + 1 WHERE id = ? AND status = 'in-flight'`, id)
	if err != nil {
		return errors.MessageUndelivered(err)
	}
	if b.log != nil {
		b.log.WithContext(ctx).WithField("message_id", id).WithField("reason", reason).Warn("message failed")
	}
	return nil
}

// sweepExpired resets any in-flight message whose processed_at is older
// than visibilityTimeout back to pending (or to failed once retries are
// exhausted), incrementing its retry counter.
func (b *Bus) sweepExpired(ctx context.Context) (int64, error) {
	cutoff := nowSeconds() - b.visibilityTimeout.Seconds()

	res, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed'
		 WHERE status = 'in-flight' AND processed_at < ? AND retries >= ?`,
		cutoff, b.maxRetries)
	if err != nil {
		return 0, err
	}
	failedN, _ := res.RowsAffected()

	res, err = b.db.ExecContext(ctx,
		`UPDATE messages SET status = 'pending', retries = retries + 1
		 WHERE status = 'in-flight' AND processed_at < ? AND retries < ?`,
		cutoff, b.maxRetries)
	if err != nil {
		return failedN, err
	}
	resetN, _ := res.RowsAffected()

	return failedN + resetN, nil
}

// Recent returns the most recently created messages across all agents, for
// read-only introspection. It does not affect delivery state.
func (b *Bus) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	err := b.db.SelectContext(ctx, &msgs,
		`SELECT id, from_agent, to_agent, type, priority, payload, status, created_at, processed_at, retries, expires_at
		 FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.MessageUndelivered(err)
	}
	return msgs, nil
}

// CheckHealth reports an error if the message bus database is unreachable.
func (b *Bus) CheckHealth(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func nowSeconds() float64 {
	return float64(time.Now().UTC().UnixNano()) / 1e9
}
