package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AudioStream is raw 48kHz stereo signed 16-bit little-endian PCM
type AudioStream interface {
	io.ReadCloser
}

// VoiceTransport opens voice connections. Join should return once the
// connection is ready to send audio, or when ctx is done.
type VoiceTransport interface {
	Join(ctx context.Context, guildID, channelID string) (VoiceConnection, error)
}

// VoiceConnection is a live connection to one voice channel.
type VoiceConnection interface {
	ChannelID() string

	// Play starts streaming, replacing anything already playing. onEnd
	// is called once when the stream ends on its own: with nil at EOF,
	// or with the error that stopped it. It isn't called after Stop,
	// Destroy, or when the stream is replaced.
	Play(stream AudioStream, volume int, onEnd func(error))

	Pause()
	Resume()
	SetVolume(level int)

	// Stop ends the current stream, if any, without calling onEnd
	Stop()

	// Destroy stops playback and disconnects
	Destroy() error
}

// SessionState is a point-in-time copy of a guild's live session
type SessionState struct {
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	PlaybackID uint64 `json:"playback_id"`
	Track      *Track `json:"track,omitempty"`
	Paused     bool   `json:"paused"`
	Volume     int    `json:"volume"`
}

type audioSession struct {
	guildID    string
	conn       VoiceConnection
	playbackID uint64
	track      *Track
	paused     bool
	volume     int
}

func (s *audioSession) state() SessionState {
	st := SessionState{
		GuildID:    s.guildID,
		ChannelID:  s.conn.ChannelID(),
		PlaybackID: s.playbackID,
		Paused:     s.paused,
		Volume:     s.volume,
	}
	if s.track != nil {
		t := *s.track
		st.Track = &t
	}
	return st
}

// StreamIdleFunc is called when a session's current stream ends on its own
type StreamIdleFunc func(guildID string, playbackID uint64, err error)

// SessionRegistry maps each guild to at most one live voice session.
//
// Joins for a guild are serialized. Release bumps the generation of any
// join waiting or in flight, so that join destroys its own connection
// instead of registering it.
type SessionRegistry struct {
	transport   VoiceTransport
	joinTimeout time.Duration
	onIdle      StreamIdleFunc
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*audioSession
	joins    map[string]*guildJoin

	playbackSeq atomic.Uint64
}

func NewSessionRegistry(
	transport VoiceTransport,
	joinTimeout time.Duration,
	onIdle StreamIdleFunc,
	logger *slog.Logger,
) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		transport:   transport,
		joinTimeout: joinTimeout,
		onIdle:      onIdle,
		logger:      logger.With(loggerNameKey, "sessions"),
		sessions:    map[string]*audioSession{},
		joins:       map[string]*guildJoin{},
	}
}

// guildJoin serializes joins for one guild. It's only kept in the
// registry while a join is waiting or in flight.
type guildJoin struct {
	mu         sync.Mutex
	refs       int
	generation uint64
}

func (r *SessionRegistry) beginJoin(guildID string) (*guildJoin, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.joins[guildID]
	if j == nil {
		j = &guildJoin{}
		r.joins[guildID] = j
	}
	j.refs++
	return j, j.generation
}

func (r *SessionRegistry) endJoin(guildID string, j *guildJoin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.refs--
	if j.refs == 0 && r.joins[guildID] == j {
		delete(r.joins, guildID)
	}
}

// Acquire returns the guild's session if it's already connected to
// channelID. Otherwise it disconnects any session in another channel
// and joins channelID, waiting up to the join timeout.
func (r *SessionRegistry) Acquire(
	ctx context.Context,
	guildID string,
	channelID string,
) (SessionState, error) {
	j, gen := r.beginJoin(guildID)
	defer r.endJoin(guildID, j)
	j.mu.Lock()
	defer j.mu.Unlock()

	logger := r.logger.With(columnQueueGuildID, guildID, "channel_id", channelID)

	r.mu.Lock()
	if j.generation != gen || ctx.Err() != nil {
		r.mu.Unlock()
		return SessionState{}, ErrJoinCanceled
	}
	existing := r.sessions[guildID]
	if existing != nil {
		if existing.conn.ChannelID() == channelID {
			st := existing.state()
			r.mu.Unlock()
			return st, nil
		}
		delete(r.sessions, guildID)
	}
	r.mu.Unlock()

	if existing != nil {
		logger.InfoContext(
			ctx,
			"moving to a different voice channel",
			"previous_channel_id", existing.conn.ChannelID(),
		)
		existing.conn.Stop()
		if err := existing.conn.Destroy(); err != nil {
			logger.WarnContext(ctx, "error disconnecting previous session", tint.Err(err))
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, r.joinTimeout)
	defer cancel()

	logger.InfoContext(ctx, "joining voice channel")
	conn, err := r.transport.Join(joinCtx, guildID, channelID)
	if err != nil {
		if ctx.Err() != nil {
			return SessionState{}, ErrJoinCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return SessionState{}, fmt.Errorf("%w: %s", ErrJoinTimeout, r.joinTimeout)
		}
		return SessionState{}, fmt.Errorf("error joining voice channel: %w", err)
	}

	r.mu.Lock()
	if j.generation != gen || ctx.Err() != nil {
		r.mu.Unlock()
		logger.WarnContext(ctx, "guild released during join, disconnecting")
		if e := conn.Destroy(); e != nil {
			logger.WarnContext(ctx, "error disconnecting stale session", tint.Err(e))
		}
		return SessionState{}, ErrJoinCanceled
	}
	s := &audioSession{guildID: guildID, conn: conn, volume: DefaultMusicVolume}
	r.sessions[guildID] = s
	st := s.state()
	r.mu.Unlock()

	logger.InfoContext(ctx, "joined voice channel")
	return st, nil
}

// Release disconnects and removes the guild's session. It's a no-op if
// there's no session, and it cancels any join still in flight.
func (r *SessionRegistry) Release(guildID string) error {
	r.mu.Lock()
	if j := r.joins[guildID]; j != nil {
		j.generation++
	}
	s := r.sessions[guildID]
	delete(r.sessions, guildID)
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	r.logger.Info(
		"releasing voice session",
		columnQueueGuildID, guildID,
		"channel_id", s.conn.ChannelID(),
	)
	s.conn.Stop()
	return s.conn.Destroy()
}

// ReleaseAll releases every session concurrently
func (r *SessionRegistry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	guildIDs := make([]string, 0, len(r.sessions))
	for guildID := range r.sessions {
		guildIDs = append(guildIDs, guildID)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, guildID := range guildIDs {
		g.Go(
			func() error {
				return r.Release(guildID)
			},
		)
	}
	return g.Wait()
}

// Play starts stream on the guild's session and returns the playback ID
// that will be passed to the idle callback when it ends.
func (r *SessionRegistry) Play(
	guildID string,
	stream AudioStream,
	track Track,
	volume int,
) (uint64, error) {
	r.mu.Lock()
	s := r.sessions[guildID]
	if s == nil {
		r.mu.Unlock()
		return 0, ErrNoSession
	}
	playbackID := r.playbackSeq.Add(1)
	s.playbackID = playbackID
	s.track = &track
	s.paused = false
	s.volume = volume
	conn := s.conn
	r.mu.Unlock()

	conn.Play(
		stream, volume, func(err error) {
			if r.onIdle != nil {
				r.onIdle(guildID, playbackID, err)
			}
		},
	)
	return playbackID, nil
}

// StopPlayback ends the current stream but keeps the connection
func (r *SessionRegistry) StopPlayback(guildID string) {
	r.withSession(
		guildID, func(s *audioSession) {
			s.playbackID = 0
			s.track = nil
			s.paused = false
			s.conn.Stop()
		},
	)
}

func (r *SessionRegistry) Pause(guildID string) bool {
	return r.withSession(
		guildID, func(s *audioSession) {
			s.paused = true
			s.conn.Pause()
		},
	)
}

func (r *SessionRegistry) Resume(guildID string) bool {
	return r.withSession(
		guildID, func(s *audioSession) {
			s.paused = false
			s.conn.Resume()
		},
	)
}

func (r *SessionRegistry) SetVolume(guildID string, level int) bool {
	return r.withSession(
		guildID, func(s *audioSession) {
			s.volume = level
			s.conn.SetVolume(level)
		},
	)
}

func (r *SessionRegistry) withSession(guildID string, f func(s *audioSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[guildID]
	if s == nil {
		return false
	}
	f(s)
	return true
}

// Get returns a copy of the guild's session state
func (r *SessionRegistry) Get(guildID string) (SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[guildID]
	if s == nil {
		return SessionState{}, false
	}
	return s.state(), true
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
