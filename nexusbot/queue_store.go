package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"time"
)

// QueueStore is the durable store for per-guild [QueueRecord] intent.
type QueueStore interface {
	// Read returns ErrQueueNotFound if the guild has no record
	Read(ctx context.Context, guildID string) (*QueueRecord, error)

	// Write merges update into the record, if the stored version still
	// equals expectedVersion. It returns ErrStaleQueueRecord when another
	// writer got there first, and the record as written on success.
	Write(
		ctx context.Context,
		guildID string,
		expectedVersion int64,
		update QueueUpdate,
	) (*QueueRecord, error)

	// Create inserts the record if the guild doesn't already have one,
	// and returns whatever is stored afterward.
	Create(ctx context.Context, record *QueueRecord) (*QueueRecord, error)
}

// gormQueueStore implements [QueueStore] over [DBI]. With sqlite, each
// successful write is handed to publish, since there's no trigger to
// do it. With postgres, publish is nil and the table trigger sends the
// notification.
type gormQueueStore struct {
	db      DBI
	logger  *slog.Logger
	publish func(ctx context.Context, change QueueChange)
}

func newQueueStore(
	db DBI,
	logger *slog.Logger,
	publish func(ctx context.Context, change QueueChange),
) *gormQueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormQueueStore{
		db:      db,
		logger:  logger.With(loggerNameKey, "queue_store"),
		publish: publish,
	}
}

func (s *gormQueueStore) Read(ctx context.Context, guildID string) (*QueueRecord, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var record QueueRecord
	err := s.db.DB().WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnQueueGuildID),
		guildID,
	).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}
	if record.Tracks == nil {
		record.Tracks = TrackList{}
	}
	return &record, nil
}

func (s *gormQueueStore) Write(
	ctx context.Context,
	guildID string,
	expectedVersion int64,
	update QueueUpdate,
) (*QueueRecord, error) {
	if len(update) == 0 {
		return nil, errors.New("empty queue update")
	}

	values := update.columns()
	values[columnQueueVersion] = gorm.Expr(fmt.Sprintf("%s + 1", columnQueueVersion))
	values[columnQueueUpdatedAt] = time.Now().UTC().UnixMilli()

	var before, after QueueRecord

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where(
				fmt.Sprintf("%s = ?", columnQueueGuildID),
				guildID,
			).Take(&before).Error; e != nil {
				if errors.Is(e, gorm.ErrRecordNotFound) {
					return ErrQueueNotFound
				}
				return e
			}
			if before.Version != expectedVersion {
				return ErrStaleQueueRecord
			}

			rv := tx.Model(&QueueRecord{}).Where(
				fmt.Sprintf(
					"%s = ? AND %s = ?",
					columnQueueGuildID,
					columnQueueVersion,
				),
				guildID,
				expectedVersion,
			).Updates(values)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrStaleQueueRecord
			}

			return tx.Where(
				fmt.Sprintf("%s = ?", columnQueueGuildID),
				guildID,
			).Take(&after).Error
		},
	)
	if err != nil {
		if !errors.Is(err, ErrStaleQueueRecord) && !errors.Is(err, ErrQueueNotFound) {
			s.logger.ErrorContext(
				ctx,
				"error writing queue record",
				tint.Err(err),
				columnQueueGuildID, guildID,
				"expected_version", expectedVersion,
			)
		}
		return nil, err
	}

	s.logger.DebugContext(
		ctx,
		"wrote queue record",
		slog.Any("before", before),
		slog.Any("after", after),
	)

	if s.publish != nil {
		s.publish(
			ctx,
			QueueChange{GuildID: guildID, Before: before.Clone(), After: after.Clone()},
		)
	}
	return &after, nil
}

func (s *gormQueueStore) Create(ctx context.Context, record *QueueRecord) (
	*QueueRecord,
	error,
) {
	if record.Version == 0 {
		record.Version = 1
	}
	if record.Tracks == nil {
		record.Tracks = TrackList{}
	}
	if record.LoopMode == "" {
		record.LoopMode = LoopModeNone
	}

	var rowsAffected int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
			rowsAffected = rv.RowsAffected
			return rv.Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating queue record: %w", err)
	}

	stored, err := s.Read(ctx, record.GuildID)
	if err != nil {
		return nil, err
	}
	if rowsAffected > 0 {
		s.logger.InfoContext(ctx, "created queue record", slog.Any("queue", stored))
		if s.publish != nil {
			s.publish(ctx, QueueChange{GuildID: stored.GuildID, After: stored.Clone()})
		}
	}
	return stored, nil
}
