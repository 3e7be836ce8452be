package nexusbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelQueueUpdated = "nexusbot_queue_updated"

	// pg_notify payloads are capped at 8000 bytes. Larger changes are
	// sent as just the guild ID, and the listener reads the record.
	postgresNotifyMaxPayload = 7900

	sqliteNotifierBufferSize = 256
)

var notifierRetryInterval = 5 * time.Second

// QueueChange describes a write to a guild's queue record. Before is nil
// when the record was just created, or when the change was too large to
// carry in a postgres notification.
type QueueChange struct {
	GuildID string       `json:"guild_id"`
	Before  *QueueRecord `json:"before"`
	After   *QueueRecord `json:"after"`
}

// QueueChangeHandler receives every change delivered by a [QueueNotifier]
type QueueChangeHandler func(ctx context.Context, change QueueChange)

// QueueNotifier delivers queue changes from every writer, including this
// process. Delivery is at-least-once, so handlers must be idempotent.
type QueueNotifier interface {
	// Listen blocks, calling handler for each change, until ctx is canceled
	Listen(ctx context.Context, handler QueueChangeHandler) error
}

func newQueueNotifier(
	databaseType string,
	dsn string,
	store QueueStore,
	logger *slog.Logger,
) (QueueNotifier, error) {
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return newSQLiteNotifier(log), nil
	case dbTypePostgres:
		return &postgresNotifier{dsn: dsn, store: store, logger: log}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is fed directly by the queue store after each write,
// since sqlite has no LISTEN/NOTIFY.
type sqliteNotifier struct {
	logger  *slog.Logger
	changes chan QueueChange
}

func newSQLiteNotifier(logger *slog.Logger) *sqliteNotifier {
	return &sqliteNotifier{
		logger:  logger,
		changes: make(chan QueueChange, sqliteNotifierBufferSize),
	}
}

// Publish queues a change for delivery. It blocks for up to
// dbNotifierSendTimeout if the buffer is full.
func (s *sqliteNotifier) Publish(ctx context.Context, change QueueChange) {
	select {
	case s.changes <- change:
		return
	default:
	}

	t := time.NewTimer(dbNotifierSendTimeout)
	defer t.Stop()
	select {
	case s.changes <- change:
	case <-t.C:
		s.logger.WarnContext(
			ctx,
			"timed out publishing queue change",
			columnQueueGuildID, change.GuildID,
		)
	case <-ctx.Done():
		s.logger.WarnContext(
			ctx,
			"context canceled publishing queue change",
			columnQueueGuildID, change.GuildID,
			tint.Err(ctx.Err()),
		)
	}
}

func (s *sqliteNotifier) Listen(ctx context.Context, handler QueueChangeHandler) error {
	s.logger.InfoContext(ctx, "started listening for queue changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-s.changes:
			handler(ctx, change)
		}
	}
}

type postgresNotifier struct {
	dsn    string
	store  QueueStore
	logger *slog.Logger
}

func (p *postgresNotifier) Listen(ctx context.Context, handler QueueChangeHandler) error {
	logger := p.logger.With("channel", postgresNotifyChannelQueueUpdated)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	for ctx.Err() == nil {
		if e := p.listen(ctx, pool, logger, handler); e != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "listener connection lost, retrying", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryInterval):
			}
		}
	}
	return nil
}

// listen holds one connection in LISTEN until it errors or ctx is done
func (p *postgresNotifier) listen(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
	handler QueueChangeHandler,
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(
		ctx,
		fmt.Sprintf("LISTEN %s", postgresNotifyChannelQueueUpdated),
	); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error waiting for notification: %w", e)
		}

		change, e := p.parseChange(ctx, notification.Payload)
		if e != nil {
			logger.ErrorContext(
				ctx,
				"dropping unreadable queue notification",
				tint.Err(e),
				"payload", truncate(notification.Payload, 200),
			)
			continue
		}
		handler(ctx, change)
	}
	return nil
}

// parseChange decodes a trigger payload. When the payload only carries
// the guild ID, the current record is read from the store.
func (p *postgresNotifier) parseChange(ctx context.Context, payload string) (
	QueueChange,
	error,
) {
	change, err := parseQueueChangePayload(payload)
	if err != nil {
		return change, err
	}
	if change.After != nil {
		return change, nil
	}
	after, err := p.store.Read(ctx, change.GuildID)
	if err != nil {
		return change, fmt.Errorf("error reading queue for %s: %w", change.GuildID, err)
	}
	change.After = after
	return change, nil
}

func parseQueueChangePayload(payload string) (QueueChange, error) {
	var change QueueChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return change, err
	}
	if change.GuildID == "" && change.After != nil {
		change.GuildID = change.After.GuildID
	}
	if change.GuildID == "" {
		return change, errors.New("notification missing guild_id")
	}
	return change, nil
}

// installQueueNotifyTrigger creates the trigger that sends a notification
// for every insert or update on queue_records, regardless of which
// process wrote it.
func installQueueNotifyTrigger(ctx context.Context, db *gorm.DB) error {
	statements := []string{
		fmt.Sprintf(
			`CREATE OR REPLACE FUNCTION nexusbot_notify_queue_updated() RETURNS trigger AS $$
DECLARE
	payload text;
BEGIN
	IF TG_OP = 'UPDATE' THEN
		payload := json_build_object(
			'guild_id', NEW.guild_id,
			'before', row_to_json(OLD),
			'after', row_to_json(NEW)
		)::text;
	ELSE
		payload := json_build_object(
			'guild_id', NEW.guild_id,
			'after', row_to_json(NEW)
		)::text;
	END IF;
	IF octet_length(payload) > %d THEN
		payload := json_build_object('guild_id', NEW.guild_id)::text;
	END IF;
	PERFORM pg_notify('%s', payload);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
			postgresNotifyMaxPayload,
			postgresNotifyChannelQueueUpdated,
		),
		`DROP TRIGGER IF EXISTS nexusbot_queue_updated ON queue_records`,
		`CREATE TRIGGER nexusbot_queue_updated
	AFTER INSERT OR UPDATE ON queue_records
	FOR EACH ROW EXECUTE FUNCTION nexusbot_notify_queue_updated()`,
	}
	for _, stmt := range statements {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
