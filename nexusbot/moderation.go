package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	maxBanDeleteDays  = 7
	maxTimeoutMinutes = 40320 // 28 days, discord's limit
)

var ErrInvalidModeration = errors.New("invalid moderation request")

type ModerationActionType string

const (
	ModerationKick    ModerationActionType = "kick"
	ModerationBan     ModerationActionType = "ban"
	ModerationTimeout ModerationActionType = "timeout"
)

// ModerationRequest is a moderator's request to act on a guild member
type ModerationRequest struct {
	GuildID     string
	ModeratorID string
	TargetID    string
	Action      ModerationActionType
	Reason      string

	// DeleteDays is the number of days of the member's messages to
	// delete, for bans
	DeleteDays int

	// Duration is the length of a timeout
	Duration time.Duration
}

func (r ModerationRequest) validate() error {
	if r.GuildID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: missing guild or member", ErrInvalidModeration)
	}
	if r.TargetID == r.ModeratorID {
		return fmt.Errorf("%w: you can't moderate yourself", ErrInvalidModeration)
	}
	switch r.Action {
	case ModerationKick:
	case ModerationBan:
		if r.DeleteDays < 0 || r.DeleteDays > maxBanDeleteDays {
			return fmt.Errorf(
				"%w: delete days must be between 0 and %d",
				ErrInvalidModeration,
				maxBanDeleteDays,
			)
		}
	case ModerationTimeout:
		if r.Duration < time.Minute || r.Duration > maxTimeoutMinutes*time.Minute {
			return fmt.Errorf(
				"%w: timeouts must be between 1 and %d minutes",
				ErrInvalidModeration,
				maxTimeoutMinutes,
			)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidModeration, r.Action)
	}
	return nil
}

// ModerationAction is the record of a moderation request and its outcome
//
//nolint:lll // struct tags can't be split
type ModerationAction struct {
	ModelUintID
	ModelUnixTime

	GuildID     string               `json:"guild_id" gorm:"index"`
	ModeratorID string               `json:"moderator_id"`
	TargetID    string               `json:"target_id" gorm:"index"`
	Action      ModerationActionType `json:"action"`
	Reason      string               `json:"reason" gorm:"type:text"`
	DeleteDays  int                  `json:"delete_days,omitempty"`

	// Until is when a timeout expires, in unix milliseconds
	Until int64 `json:"until,omitempty"`

	Error string `json:"error,omitempty" gorm:"type:text"`
}

func (ModerationAction) TableName() string {
	return "moderation_actions"
}

// Moderator carries out kicks, bans and timeouts, and records each one.
// Permissions are left to discord, via each command's default member
// permissions.
type Moderator struct {
	session DiscordSessionHandler
	db      DBI
	logger  *slog.Logger
	now     func() time.Time
}

func newModerator(session DiscordSessionHandler, db DBI, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Moderator{session: session, db: db, logger: logger, now: time.Now}
}

// Apply validates and carries out the request. The returned action is
// recorded whether or not discord accepted it.
func (m *Moderator) Apply(ctx context.Context, req ModerationRequest) (*ModerationAction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := contextLoggerOrDefault(ctx, m.logger).With(
		"action", req.Action,
		columnQueueGuildID, req.GuildID,
		"moderator_id", req.ModeratorID,
		"target_id", req.TargetID,
	)

	action := &ModerationAction{
		GuildID:     req.GuildID,
		ModeratorID: req.ModeratorID,
		TargetID:    req.TargetID,
		Action:      req.Action,
		Reason:      req.Reason,
	}

	var err error
	switch req.Action {
	case ModerationKick:
		err = m.session.GuildMemberDeleteWithReason(
			req.GuildID,
			req.TargetID,
			req.Reason,
			discordgo.WithContext(ctx),
		)
	case ModerationBan:
		action.DeleteDays = req.DeleteDays
		err = m.session.GuildBanCreateWithReason(
			req.GuildID,
			req.TargetID,
			req.Reason,
			req.DeleteDays,
			discordgo.WithContext(ctx),
		)
	case ModerationTimeout:
		until := m.now().Add(req.Duration)
		action.Until = until.UnixMilli()
		err = m.session.GuildMemberTimeout(
			req.GuildID,
			req.TargetID,
			&until,
			discordgo.WithContext(ctx),
		)
	}

	if err != nil {
		action.Error = err.Error()
		logger.WarnContext(ctx, "moderation action failed", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "moderation action applied")
	}

	if m.db != nil {
		if _, dbErr := m.db.Create(context.WithoutCancel(ctx), action); dbErr != nil {
			logger.ErrorContext(ctx, "error recording moderation action", tint.Err(dbErr))
		}
	}

	if err != nil {
		return action, fmt.Errorf("error applying %s: %w", req.Action, err)
	}
	return action, nil
}
