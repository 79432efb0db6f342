package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DurableLog is an Adapter backed by an append-only, per-(topic,key)-ordered
// PostgreSQL table. It is the default production backend: messages survive
// an ASR worker restart and are never lost between publish and delivery.
//
// Grounded on the pgxpool construction idiom of pkg/memory/postgres.Store,
// generalized from a three-layer memory store to a single append-only log
// table. Publish emits a NOTIFY; subscribers poll the table for new rows.
type DurableLog struct {
	pool *pgxpool.Pool
}

// Compile-time assertion.
var _ Adapter = (*DurableLog)(nil)

// NewDurableLog connects to dsn, ensures the backing schema exists, and
// returns a ready DurableLog.
func NewDurableLog(ctx context.Context, dsn string) (*DurableLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: durable log: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pubsub: durable log: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pubsub: durable log: migrate: %w", err)
	}
	return &DurableLog{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS pubsub_messages (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pubsub_messages_topic_key_id_idx
	ON pubsub_messages (topic, key, id);
CREATE TABLE IF NOT EXISTS pubsub_offsets (
	topic          TEXT NOT NULL,
	consumer_group TEXT NOT NULL,
	last_id        BIGINT NOT NULL,
	PRIMARY KEY (topic, consumer_group)
);
`
	_, err := pool.Exec(ctx, schema)
	return err
}

// Publish inserts msg as a new row. Per-key ordering is guaranteed by the
// BIGSERIAL primary key combined with consumers reading in id order.
func (d *DurableLog) Publish(ctx context.Context, msg Message) error {
	var js json.RawMessage = msg.Value
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pubsub_messages (topic, key, value) VALUES ($1, $2, $3)`,
		msg.Topic, msg.Key, js)
	if err != nil {
		return fmt.Errorf("pubsub: durable log: publish: %w", err)
	}
	_, err = d.pool.Exec(ctx, `NOTIFY pubsub_messages`)
	if err != nil {
		slog.Warn("pubsub: durable log: notify failed, subscribers will still poll", "err", err)
	}
	return nil
}

// Subscribe polls for new rows on topic since the last seen id. Polling
// (rather than a long-lived LISTEN connection per subscriber) keeps the
// backend's connection usage bounded regardless of subscriber count.
// NOTIFY is still emitted on publish for any external tooling that wants
// lower-latency wake-ups; this adapter's own subscribers rely on the poll
// interval alone to keep the implementation simple and connection-cheap.
func (d *DurableLog) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	lastID, err := d.lastConsumedID(ctx, topic, consumerGroup)
	if err != nil {
		return fmt.Errorf("pubsub: durable log: load offset: %w", err)
	}

	dispatcher := newKeyedDispatcher(topic, consumerGroup, handler)

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			rows, err := d.pool.Query(ctx,
				`SELECT id, key, value FROM pubsub_messages WHERE topic = $1 AND id > $2
				 ORDER BY id ASC LIMIT 256`, topic, lastID)
			if err != nil {
				slog.Warn("pubsub: durable log: poll failed", "err", err)
				continue
			}
			for rows.Next() {
				var id int64
				var key string
				var value []byte
				if err := rows.Scan(&id, &key, &value); err != nil {
					slog.Warn("pubsub: durable log: scan failed", "err", err)
					continue
				}
				dispatcher.dispatch(ctx, Message{Topic: topic, Key: key, Value: value})
				lastID = id
			}
			rows.Close()
			if err := d.saveConsumedID(ctx, topic, consumerGroup, lastID); err != nil {
				slog.Warn("pubsub: durable log: save offset failed", "err", err)
			}
		}
	}()
	return nil
}

func (d *DurableLog) lastConsumedID(ctx context.Context, topic, consumerGroup string) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx,
		`SELECT last_id FROM pubsub_offsets WHERE topic = $1 AND consumer_group = $2`,
		topic, consumerGroup).Scan(&id)
	if err != nil {
		// No offset row yet (pgx.ErrNoRows or similar) — start from zero.
		return 0, nil
	}
	return id, nil
}

func (d *DurableLog) saveConsumedID(ctx context.Context, topic, consumerGroup string, id int64) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO pubsub_offsets (topic, consumer_group, last_id) VALUES ($1, $2, $3)
		ON CONFLICT (topic, consumer_group) DO UPDATE SET last_id = EXCLUDED.last_id`,
		topic, consumerGroup, id)
	return err
}

// Close releases the connection pool.
func (d *DurableLog) Close() error {
	d.pool.Close()
	return nil
}
