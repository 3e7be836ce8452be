package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PlaybackState is the live state of a guild's playback, as seen by its
// worker.
type PlaybackState int32

const (
	StateStopped PlaybackState = iota
	StateConnecting
	StatePlaying
	StatePaused
	StateAdvancing
)

func (s PlaybackState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateAdvancing:
		return "advancing"
	default:
		return "unknown"
	}
}

func (s PlaybackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// VoiceChannel is a voice channel in a guild, with its current member count
type VoiceChannel struct {
	ID      string
	Name    string
	Members int
}

// GuildDirectory answers questions about guild channels and members
type GuildDirectory interface {
	// VoiceChannels lists the guild's voice channels, in display order
	VoiceChannels(guildID string) ([]VoiceChannel, error)

	// UserVoiceChannel returns the voice channel the user is in, or
	// ErrNotInVoiceChannel
	UserVoiceChannel(guildID, userID string) (string, error)
}

// Announcer posts playback updates to a guild's text channel
type Announcer interface {
	NowPlaying(ctx context.Context, channelID string, track Track, q *QueueRecord)
	PlaybackFailed(ctx context.Context, channelID string, message string)
}

// EnqueueRequest adds a track to a guild's queue. VoiceChannelID is
// where the requesting user is, and TextChannelID is where playback
// announcements should go.
type EnqueueRequest struct {
	GuildID        string
	Track          Track
	VoiceChannelID string
	TextChannelID  string
}

// EnqueueResult reports where the track landed, and whether it started
// playback.
type EnqueueResult struct {
	Record   *QueueRecord
	Position int
	Started  bool
}

// Reconciler keeps each guild's live voice playback in line with its
// stored [QueueRecord]. Every guild gets its own worker goroutine, which
// applies commands, queue change notifications and stream idle events in
// the order they arrive. Workers for different guilds run independently.
type Reconciler struct {
	store     QueueStore
	sessions  *SessionRegistry
	resolver  TrackResolver
	directory GuildDirectory
	announcer Announcer
	config    *MusicConfig
	logger    *slog.Logger

	// randIntn picks the next shuffled index
	randIntn func(int) int

	// idleCheckInterval is how often a worker checks whether it can exit
	idleCheckInterval time.Duration

	ctx     context.Context
	mu      sync.Mutex
	workers map[string]*guildWorker
	wg      sync.WaitGroup
	closed  bool

	workersRunning atomic.Int64
}

func NewReconciler(
	store QueueStore,
	transport VoiceTransport,
	resolver TrackResolver,
	directory GuildDirectory,
	announcer Announcer,
	config *MusicConfig,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:             store,
		resolver:          resolver,
		directory:         directory,
		announcer:         announcer,
		config:            config,
		logger:            logger,
		randIntn:          rand.IntN,
		idleCheckInterval: config.WorkerIdleTimeout,
		ctx:               context.Background(),
		workers:           map[string]*guildWorker{},
	}
	r.sessions = NewSessionRegistry(transport, config.JoinTimeout, r.OnStreamIdle, logger)
	return r
}

// Start sets the context guild workers run under. Canceling it stops
// every worker.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = WithLogger(ctx, r.logger)
}

// Shutdown waits for workers to exit (after the Start context is
// canceled), then disconnects every voice session.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "timed out waiting for guild workers")
	}
	return r.sessions.ReleaseAll(ctx)
}

func (r *Reconciler) Sessions() *SessionRegistry {
	return r.sessions
}

// Workers returns the number of running guild workers
func (r *Reconciler) Workers() int {
	return int(r.workersRunning.Load())
}

// State returns the worker-observed playback state for the guild
func (r *Reconciler) State(guildID string) PlaybackState {
	r.mu.Lock()
	w := r.workers[guildID]
	r.mu.Unlock()
	if w == nil {
		return StateStopped
	}
	return w.State()
}

// submit hands an event to the guild's worker, starting one if needed.
// The worker map lock is held across the push, and a worker only exits
// after removing itself under the same lock with an empty queue, so
// events are never stranded on an exiting worker. Once the Start context
// is done or Shutdown has begun, the event is discarded.
func (r *Reconciler) submit(guildID string, ev guildEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.ctx.Err() != nil {
		discardEvent(ev)
		return
	}

	w := r.workers[guildID]
	if w == nil {
		w = newGuildWorker(r, guildID)
		r.workers[guildID] = w
		r.wg.Add(1)
		r.workersRunning.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.workersRunning.Add(-1)
			w.Run(r.ctx)
		}()
	}
	if !w.queue.Push(ev) {
		discardEvent(ev)
	}
}

// discardEvent answers a command that will never run, and closes any
// stream a start attempt opened
func discardEvent(ev guildEvent) {
	switch e := ev.(type) {
	case *commandEvent:
		if e.reply != nil {
			e.reply <- opResult{err: ErrReconcilerStopped}
		}
	case *startResultEvent:
		if e.stream != nil {
			_ = e.stream.Close()
		}
	}
}

// tryRetire removes the worker from the map if it has nothing left to do.
// It's called from the worker's own goroutine.
func (r *Reconciler) tryRetire(w *guildWorker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.queue.Len() > 0 || !w.idle() {
		return false
	}
	if r.workers[w.guildID] == w {
		delete(r.workers, w.guildID)
	}
	w.queue.Close()
	return true
}

// do submits a command and waits for the worker's result
func (r *Reconciler) do(ctx context.Context, guildID string, cmd *commandEvent) (
	*QueueRecord,
	error,
) {
	res, err := r.await(ctx, guildID, cmd)
	return res.record, err
}

func (r *Reconciler) await(ctx context.Context, guildID string, cmd *commandEvent) (
	opResult,
	error,
) {
	if guildID == "" {
		return opResult{}, errors.New("missing guild ID")
	}
	cmd.reply = make(chan opResult, 1)
	r.submit(guildID, cmd)

	r.mu.Lock()
	runCtx := r.ctx
	r.mu.Unlock()

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	case <-runCtx.Done():
		return opResult{}, ErrReconcilerStopped
	}
}

// Enqueue appends a track to the guild's queue, creating the queue if
// needed. If nothing is playing, the new track starts playing in the
// requester's voice channel.
func (r *Reconciler) Enqueue(ctx context.Context, req EnqueueRequest) (
	*EnqueueResult,
	error,
) {
	if req.Track.URL == "" {
		return nil, errors.New("track has no URL")
	}
	res, err := r.await(
		ctx, req.GuildID, &commandEvent{
			op:             opEnqueue,
			track:          req.Track,
			voiceChannelID: req.VoiceChannelID,
			textChannelID:  req.TextChannelID,
		},
	)
	if err != nil {
		return nil, err
	}
	return &EnqueueResult{Record: res.record, Position: res.position, Started: res.started}, nil
}

// Skip moves to the next track, ignoring loop=track
func (r *Reconciler) Skip(ctx context.Context, guildID string) (*QueueRecord, error) {
	return r.do(ctx, guildID, &commandEvent{op: opSkip})
}

func (r *Reconciler) Pause(ctx context.Context, guildID string) (*QueueRecord, error) {
	return r.do(ctx, guildID, &commandEvent{op: opPause})
}

// Resume resumes a paused track, or restarts the stored current track if
// nothing is connected.
func (r *Reconciler) Resume(ctx context.Context, guildID string) (*QueueRecord, error) {
	return r.do(ctx, guildID, &commandEvent{op: opResume})
}

// Stop clears the queue and disconnects from voice
func (r *Reconciler) Stop(ctx context.Context, guildID string) (*QueueRecord, error) {
	return r.do(ctx, guildID, &commandEvent{op: opStop})
}

func (r *Reconciler) SetVolume(ctx context.Context, guildID string, level int) (
	*QueueRecord,
	error,
) {
	if level < 0 || level > 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVolume, level)
	}
	return r.do(ctx, guildID, &commandEvent{op: opSetVolume, volume: level})
}

func (r *Reconciler) SetLoopMode(ctx context.Context, guildID string, mode LoopMode) (
	*QueueRecord,
	error,
) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLoopMode, mode)
	}
	return r.do(ctx, guildID, &commandEvent{op: opSetLoopMode, loopMode: mode})
}

func (r *Reconciler) SetShuffle(ctx context.Context, guildID string, enabled bool) (
	*QueueRecord,
	error,
) {
	return r.do(ctx, guildID, &commandEvent{op: opSetShuffle, shuffle: enabled})
}

// Queue returns the stored queue for the guild
func (r *Reconciler) Queue(ctx context.Context, guildID string) (*QueueRecord, error) {
	return r.store.Read(ctx, guildID)
}

// NowPlaying returns the live session for the guild, if there is one
// with a track loaded.
func (r *Reconciler) NowPlaying(guildID string) (SessionState, bool) {
	st, ok := r.sessions.Get(guildID)
	if !ok || st.Track == nil {
		return SessionState{}, false
	}
	return st, true
}

// OnNotification queues a stored change for reconciliation. Changes
// without an 'after' record are dropped.
func (r *Reconciler) OnNotification(ctx context.Context, change QueueChange) {
	if change.After == nil {
		r.logger.WarnContext(ctx, "dropping queue change without a record", columnQueueGuildID, change.GuildID)
		return
	}
	guildID := change.GuildID
	if guildID == "" {
		guildID = change.After.GuildID
	}
	r.submit(guildID, &notificationEvent{change: change})
}

// OnStreamIdle queues the end of a stream. playbackID identifies which
// stream ended, so late callbacks from replaced streams are ignored.
func (r *Reconciler) OnStreamIdle(guildID string, playbackID uint64, err error) {
	if err != nil {
		r.logger.Warn(
			"stream ended with error",
			columnQueueGuildID, guildID,
			"playback_id", playbackID,
			tint.Err(err),
		)
	}
	r.submit(guildID, &idleEvent{playbackID: playbackID, err: err})
}

// selectVoiceChannel picks where to play: the record's bound channel,
// then the channel already connected, then the busiest voice channel,
// then the first one.
func (r *Reconciler) selectVoiceChannel(q *QueueRecord) (string, error) {
	if q.VoiceChannelID != "" {
		return q.VoiceChannelID, nil
	}
	if st, ok := r.sessions.Get(q.GuildID); ok {
		return st.ChannelID, nil
	}
	channels, err := r.directory.VoiceChannels(q.GuildID)
	if err != nil {
		return "", fmt.Errorf("error listing voice channels: %w", err)
	}
	if len(channels) == 0 {
		return "", ErrNoVoiceChannel
	}
	busiest := make([]VoiceChannel, len(channels))
	copy(busiest, channels)
	sort.SliceStable(
		busiest, func(i, j int) bool {
			return busiest[i].Members > busiest[j].Members
		},
	)
	if busiest[0].Members > 0 {
		return busiest[0].ID, nil
	}
	return channels[0].ID, nil
}
