package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
	"time"
)

type commandOp int

const (
	opEnqueue commandOp = iota
	opSkip
	opPause
	opResume
	opStop
	opSetVolume
	opSetLoopMode
	opSetShuffle
)

func (o commandOp) String() string {
	switch o {
	case opEnqueue:
		return "enqueue"
	case opSkip:
		return "skip"
	case opPause:
		return "pause"
	case opResume:
		return "resume"
	case opStop:
		return "stop"
	case opSetVolume:
		return "set_volume"
	case opSetLoopMode:
		return "set_loop_mode"
	case opSetShuffle:
		return "set_shuffle"
	default:
		return "unknown"
	}
}

// guildEvent is anything a guild worker consumes: *commandEvent,
// *notificationEvent, *idleEvent or *startResultEvent
type guildEvent interface{}

type opResult struct {
	record   *QueueRecord
	position int
	started  bool
	err      error
}

type commandEvent struct {
	op             commandOp
	track          Track
	voiceChannelID string
	textChannelID  string
	volume         int
	loopMode       LoopMode
	shuffle        bool
	reply          chan opResult
}

type notificationEvent struct {
	change QueueChange
}

type idleEvent struct {
	playbackID uint64
	err        error
}

// startResultEvent is posted by a start attempt once it has joined voice
// and opened the stream, or failed trying
type startResultEvent struct {
	attemptID uint64
	stream    AudioStream
	joinErr   error
	streamErr error
}

// startAttempt is an in-flight join and stream acquisition
type startAttempt struct {
	id        uint64
	track     Track
	index     int
	channelID string
	cancel    context.CancelFunc
}

// guildWorker owns one guild's playback state. Only its own goroutine
// touches its fields, apart from state, which is read by status
// endpoints.
type guildWorker struct {
	guildID string
	r       *Reconciler
	queue   *eventQueue
	logger  *slog.Logger

	state atomic.Int32

	// knownVersion is the highest queue record version this worker has
	// read, written or been notified of. Notifications older than this
	// are stale.
	knownVersion int64

	attempt    *startAttempt
	attemptSeq uint64

	// failures counts consecutive tracks that failed to play
	failures int
}

func newGuildWorker(r *Reconciler, guildID string) *guildWorker {
	return &guildWorker{
		guildID: guildID,
		r:       r,
		queue:   newEventQueue(),
		logger:  r.logger.With(columnQueueGuildID, guildID),
	}
}

func (w *guildWorker) State() PlaybackState {
	return PlaybackState(w.state.Load())
}

func (w *guildWorker) setState(ctx context.Context, s PlaybackState) {
	prev := PlaybackState(w.state.Swap(int32(s)))
	if prev != s {
		w.logger.DebugContext(ctx, "playback state changed", "from", prev, "to", s)
	}
}

// idle reports whether the worker can exit without losing anything
func (w *guildWorker) idle() bool {
	return w.State() == StateStopped && w.attempt == nil
}

func (w *guildWorker) observe(version int64) {
	if version > w.knownVersion {
		w.knownVersion = version
	}
}

// Run consumes events until ctx is canceled, or until the guild has been
// stopped with nothing queued for a full idle check interval.
func (w *guildWorker) Run(ctx context.Context) {
	ctx = WithLogger(ctx, w.logger)
	w.logger.DebugContext(ctx, "starting guild worker")
	startedAt := time.Now()

	ticker := time.NewTicker(w.r.idleCheckInterval)
	defer func() {
		ticker.Stop()
		w.r.mu.Lock()
		if w.r.workers[w.guildID] == w {
			delete(w.r.workers, w.guildID)
		}
		w.r.mu.Unlock()

		for _, ev := range w.queue.Close() {
			discardEvent(ev)
		}
		if w.attempt != nil {
			w.attempt.cancel()
		}
		w.logger.DebugContext(ctx, "stopped guild worker", "runtime", time.Since(startedAt))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Notify():
			for ctx.Err() == nil {
				ev, ok := w.queue.Pop()
				if !ok {
					break
				}
				w.handle(ctx, ev)
			}
			ticker.Reset(w.r.idleCheckInterval)
		case <-ticker.C:
			if w.r.tryRetire(w) {
				w.logger.DebugContext(ctx, "guild idle, retiring worker")
				return
			}
		}
	}
}

func (w *guildWorker) handle(ctx context.Context, ev guildEvent) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			if cmd, ok := ev.(*commandEvent); ok {
				cmd.reply <- opResult{err: fmt.Errorf("panic handling %s", cmd.op)}
			}
		}
	}()

	switch e := ev.(type) {
	case *commandEvent:
		res := w.handleCommand(ctx, e)
		e.reply <- res
		w.afterCommand(ctx, e, res)
	case *notificationEvent:
		w.handleNotification(ctx, e.change)
	case *idleEvent:
		w.handleIdle(ctx, e)
	case *startResultEvent:
		w.handleStartResult(ctx, e)
	default:
		w.logger.ErrorContext(ctx, "unknown guild event", "event", fmt.Sprintf("%T", ev))
	}
}

// mutate reads the record, derives an update from it, and writes it with
// the version it read. Lost races are retried against a fresh read. A
// nil update from fn skips the write.
func (w *guildWorker) mutate(
	ctx context.Context,
	fn func(q *QueueRecord) (QueueUpdate, error),
) (*QueueRecord, error) {
	retries := w.r.config.WriteRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		q, err := w.r.store.Read(ctx, w.guildID)
		if err != nil {
			return nil, err
		}
		w.observe(q.Version)

		update, err := fn(q)
		if err != nil {
			return q, err
		}
		update = update.Changes(q)
		if len(update) == 0 {
			return q, nil
		}

		after, err := w.r.store.Write(ctx, w.guildID, q.Version, update)
		if errors.Is(err, ErrStaleQueueRecord) {
			w.logger.InfoContext(
				ctx,
				"queue changed underneath write, retrying",
				"attempt", i+1,
				"expected_version", q.Version,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		w.observe(after.Version)
		return after, nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrStaleQueueRecord, retries)
}

func (w *guildWorker) handleCommand(ctx context.Context, cmd *commandEvent) opResult {
	logger := w.logger.With("op", cmd.op)
	logger.DebugContext(ctx, "handling command")

	switch cmd.op {
	case opEnqueue:
		return w.enqueue(ctx, cmd)
	case opSkip:
		if w.State() == StateStopped {
			return opResult{err: ErrNothingPlaying}
		}
		q, err := w.advance(ctx, advanceSkip)
		return opResult{record: q, err: err}
	case opPause:
		return w.pause(ctx)
	case opResume:
		return w.resume(ctx)
	case opStop:
		q, err := w.stop(ctx)
		return opResult{record: q, err: err}
	case opSetVolume:
		q, err := w.mutate(
			ctx, func(*QueueRecord) (QueueUpdate, error) {
				return QueueUpdate{columnQueueVolume: cmd.volume}, nil
			},
		)
		if err == nil {
			w.r.sessions.SetVolume(w.guildID, cmd.volume)
		}
		return opResult{record: q, err: err}
	case opSetLoopMode:
		q, err := w.mutate(
			ctx, func(*QueueRecord) (QueueUpdate, error) {
				return QueueUpdate{columnQueueLoopMode: cmd.loopMode}, nil
			},
		)
		return opResult{record: q, err: err}
	case opSetShuffle:
		q, err := w.mutate(
			ctx, func(*QueueRecord) (QueueUpdate, error) {
				return QueueUpdate{columnQueueShuffleEnabled: cmd.shuffle}, nil
			},
		)
		return opResult{record: q, err: err}
	default:
		return opResult{err: fmt.Errorf("unknown command: %d", cmd.op)}
	}
}

// afterCommand runs once the caller has its reply
func (w *guildWorker) afterCommand(ctx context.Context, cmd *commandEvent, res opResult) {
	if res.err != nil {
		return
	}
	if cmd.op == opEnqueue && res.started {
		w.beginStart(ctx, res.record, res.position, cmd.track)
	}
}

// enqueue appends the track. When nothing is playing, the same write
// binds the requester's voice channel and marks the new track current.
func (w *guildWorker) enqueue(ctx context.Context, cmd *commandEvent) opResult {
	if _, err := w.r.store.Read(ctx, w.guildID); errors.Is(err, ErrQueueNotFound) {
		record := NewQueueRecord(w.guildID, w.r.config.DefaultVolume)
		record.VoiceChannelID = cmd.voiceChannelID
		record.TextChannelID = cmd.textChannelID
		if _, err = w.r.store.Create(ctx, record); err != nil {
			return opResult{err: err}
		}
	} else if err != nil {
		return opResult{err: err}
	}

	startNow := w.State() == StateStopped
	var position int
	q, err := w.mutate(
		ctx, func(q *QueueRecord) (QueueUpdate, error) {
			tracks := make(TrackList, len(q.Tracks), len(q.Tracks)+1)
			copy(tracks, q.Tracks)
			tracks = append(tracks, cmd.track)
			position = len(tracks) - 1

			update := QueueUpdate{columnQueueTracks: tracks}
			if cmd.textChannelID != "" {
				update[columnQueueTextChannelID] = cmd.textChannelID
			}
			if startNow {
				if cmd.voiceChannelID != "" {
					update[columnQueueVoiceChannelID] = cmd.voiceChannelID
				}
				track := cmd.track
				update[columnQueueCurrentIndex] = position
				update[columnQueueCurrentTrack] = &track
				update[columnQueueIsPlaying] = true
			}
			return update, nil
		},
	)
	if err != nil {
		return opResult{err: err}
	}
	w.logger.InfoContext(
		ctx,
		"queued track",
		"track", cmd.track,
		"position", position,
		"start_now", startNow,
	)
	return opResult{record: q, position: position, started: startNow}
}

func (w *guildWorker) pause(ctx context.Context) opResult {
	switch w.State() {
	case StatePaused:
		q, err := w.r.store.Read(ctx, w.guildID)
		return opResult{record: q, err: err}
	case StatePlaying:
	default:
		return opResult{err: ErrNothingPlaying}
	}
	q, err := w.mutate(
		ctx, func(*QueueRecord) (QueueUpdate, error) {
			return QueueUpdate{columnQueueIsPlaying: false}, nil
		},
	)
	if err != nil {
		return opResult{err: err}
	}
	w.r.sessions.Pause(w.guildID)
	w.setState(ctx, StatePaused)
	return opResult{record: q}
}

func (w *guildWorker) resume(ctx context.Context) opResult {
	switch w.State() {
	case StatePlaying, StateConnecting, StateAdvancing:
		q, err := w.r.store.Read(ctx, w.guildID)
		return opResult{record: q, err: err}
	case StatePaused:
		q, err := w.mutate(
			ctx, func(*QueueRecord) (QueueUpdate, error) {
				return QueueUpdate{columnQueueIsPlaying: true}, nil
			},
		)
		if err != nil {
			return opResult{err: err}
		}
		w.r.sessions.Resume(w.guildID)
		w.setState(ctx, StatePlaying)
		return opResult{record: q}
	}

	// stopped: restart whatever the record says is current
	var track *Track
	var index int
	q, err := w.mutate(
		ctx, func(q *QueueRecord) (QueueUpdate, error) {
			track, index = intendedTrack(q)
			if track == nil {
				return nil, ErrNothingPlaying
			}
			if index < 0 {
				return QueueUpdate{
					columnQueueCurrentTrack: track,
					columnQueueIsPlaying:    true,
				}, nil
			}
			return playTrackUpdate(q, index), nil
		},
	)
	if err != nil {
		return opResult{err: err}
	}
	w.beginStart(ctx, q, index, *track)
	return opResult{record: q, started: true}
}

// stop clears the queue and tears down the session. The live teardown
// happens even if the write fails.
func (w *guildWorker) stop(ctx context.Context) (*QueueRecord, error) {
	q, err := w.mutate(
		ctx, func(*QueueRecord) (QueueUpdate, error) {
			return clearedUpdate(), nil
		},
	)
	w.teardown(ctx)
	if errors.Is(err, ErrQueueNotFound) {
		return nil, nil
	}
	return q, err
}

// teardown cancels any start attempt and releases the voice session
func (w *guildWorker) teardown(ctx context.Context) {
	w.cancelAttempt()
	if err := w.r.sessions.Release(w.guildID); err != nil {
		w.logger.WarnContext(ctx, "error releasing voice session", tint.Err(err))
	}
	w.failures = 0
	w.setState(ctx, StateStopped)
}

func (w *guildWorker) cancelAttempt() {
	if w.attempt != nil {
		w.attempt.cancel()
		w.attempt = nil
	}
}

// advance moves off the current track, per the loop and shuffle policy.
// It either starts the next track or stops playback, keeping the tracks.
func (w *guildWorker) advance(ctx context.Context, reason advanceReason) (
	*QueueRecord,
	error,
) {
	w.setState(ctx, StateAdvancing)
	w.cancelAttempt()

	var stopped bool
	var index int
	var exhausted bool

	q, err := w.mutate(
		ctx, func(q *QueueRecord) (QueueUpdate, error) {
			stopped = false
			exhausted = reason == advanceFailure && w.failures >= len(q.Tracks)
			if exhausted {
				stopped = true
				return stoppedUpdate(), nil
			}
			var ok bool
			index, ok = nextIndex(q, reason, w.r.randIntn)
			if !ok {
				stopped = true
				return stoppedUpdate(), nil
			}
			return playTrackUpdate(q, index), nil
		},
	)
	if err != nil {
		w.logger.ErrorContext(
			ctx,
			"error advancing queue, stopping",
			tint.Err(err),
			"reason", reason,
		)
		w.teardown(ctx)
		return nil, err
	}

	if stopped {
		w.logger.InfoContext(ctx, "queue finished", "reason", reason, "exhausted", exhausted)
		w.teardown(ctx)
		if exhausted && q.TextChannelID != "" {
			w.announceFailure(ctx, q.TextChannelID, "Couldn't play any track in the queue, stopping.")
		}
		return q, nil
	}

	w.logger.InfoContext(
		ctx,
		"advancing queue",
		"reason", reason,
		"from", q.CurrentIndex,
		"to", index,
	)
	w.beginStart(ctx, q, index, q.Tracks[index])
	return q, nil
}

// beginStart pre-empts whatever is playing and starts joining and
// streaming track in the background. The result comes back as a
// startResultEvent.
func (w *guildWorker) beginStart(ctx context.Context, q *QueueRecord, index int, track Track) {
	w.cancelAttempt()
	w.r.sessions.StopPlayback(w.guildID)

	channelID, err := w.r.selectVoiceChannel(q)
	if err != nil {
		w.logger.WarnContext(ctx, "no voice channel to play in", tint.Err(err))
		w.teardown(ctx)
		if q.TextChannelID != "" {
			w.announceFailure(ctx, q.TextChannelID, "I couldn't find a voice channel to join.")
		}
		return
	}

	w.attemptSeq++
	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &startAttempt{
		id:        w.attemptSeq,
		track:     track,
		index:     index,
		channelID: channelID,
		cancel:    cancel,
	}
	w.attempt = attempt
	w.setState(ctx, StateConnecting)

	w.logger.InfoContext(
		ctx,
		"starting track",
		"track", track,
		"index", index,
		"channel_id", channelID,
		"attempt", attempt.id,
	)

	go func() {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(attemptCtx, rc)
				w.r.submit(
					w.guildID,
					&startResultEvent{attemptID: attempt.id, streamErr: fmt.Errorf("panic: %v", rc)},
				)
			}
		}()
		ev := &startResultEvent{attemptID: attempt.id}
		if _, joinErr := w.r.sessions.Acquire(attemptCtx, w.guildID, channelID); joinErr != nil {
			ev.joinErr = joinErr
			w.r.submit(w.guildID, ev)
			return
		}

		resolveCtx, resolveCancel := context.WithTimeout(attemptCtx, w.r.config.ResolveTimeout)
		defer resolveCancel()
		stream, streamErr := w.r.resolver.OpenStream(resolveCtx, track.Candidate())
		if streamErr == nil && attemptCtx.Err() != nil {
			_ = stream.Close()
			stream, streamErr = nil, ErrJoinCanceled
		}
		ev.stream = stream
		ev.streamErr = streamErr
		w.r.submit(w.guildID, ev)
	}()
}

func (w *guildWorker) handleStartResult(ctx context.Context, ev *startResultEvent) {
	attempt := w.attempt
	if attempt == nil || attempt.id != ev.attemptID {
		w.logger.DebugContext(ctx, "discarding stale start result", "attempt", ev.attemptID)
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
		return
	}
	w.attempt = nil
	attempt.cancel()

	logger := w.logger.With("track", attempt.track, "attempt", attempt.id)

	if ev.joinErr != nil {
		logger.ErrorContext(ctx, "failed to join voice channel", tint.Err(ev.joinErr))
		w.teardown(ctx)
		if q, err := w.r.store.Read(ctx, w.guildID); err == nil && q.TextChannelID != "" {
			w.announceFailure(ctx, q.TextChannelID, "I couldn't join the voice channel.")
		}
		return
	}

	if ev.streamErr != nil {
		logger.WarnContext(ctx, "failed to open stream, skipping track", tint.Err(ev.streamErr))
		w.failures++
		_, _ = w.advance(ctx, advanceFailure)
		return
	}

	q, err := w.r.store.Read(ctx, w.guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error reading queue before playing", tint.Err(err))
		_ = ev.stream.Close()
		w.teardown(ctx)
		return
	}
	w.observe(q.Version)

	if _, err = w.r.sessions.Play(w.guildID, ev.stream, attempt.track, q.Volume); err != nil {
		logger.ErrorContext(ctx, "error starting playback", tint.Err(err))
		_ = ev.stream.Close()
		w.teardown(ctx)
		return
	}
	w.failures = 0
	if q.IsPlaying {
		w.setState(ctx, StatePlaying)
	} else {
		w.r.sessions.Pause(w.guildID)
		w.setState(ctx, StatePaused)
	}
	logger.InfoContext(ctx, "playing track")

	if q.TextChannelID != "" && w.r.announcer != nil {
		announceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
		go func() {
			defer cancel()
			w.r.announcer.NowPlaying(announceCtx, q.TextChannelID, attempt.track, q)
		}()
	}
}

func (w *guildWorker) handleIdle(ctx context.Context, ev *idleEvent) {
	st, ok := w.r.sessions.Get(w.guildID)
	if !ok || st.PlaybackID != ev.playbackID {
		w.logger.DebugContext(ctx, "ignoring idle from a replaced stream", "playback_id", ev.playbackID)
		return
	}
	switch w.State() {
	case StatePlaying, StatePaused:
	default:
		return
	}

	reason := advanceIdle
	if ev.err != nil {
		w.failures++
		reason = advanceFailure
	} else {
		w.failures = 0
	}
	_, _ = w.advance(ctx, reason)
}

// handleNotification makes live playback match change.After. It only
// acts on differences, so redelivered or echoed changes are no-ops.
func (w *guildWorker) handleNotification(ctx context.Context, change QueueChange) {
	after := change.After
	if after.Version < w.knownVersion {
		w.logger.DebugContext(
			ctx,
			"dropping stale queue change",
			"version", after.Version,
			"known_version", w.knownVersion,
		)
		return
	}
	w.observe(after.Version)

	state := w.State()
	live, hasSession := w.r.sessions.Get(w.guildID)
	target, index := intendedTrack(after)

	logger := w.logger.With("version", after.Version, "state", state)
	if change.Before != nil && !SameTrack(change.Before.CurrentTrack, after.CurrentTrack) {
		logger.InfoContext(ctx, "current track changed", "before", change.Before.CurrentTrack, "after", after.CurrentTrack)
	}

	if !after.IsPlaying {
		switch {
		case state == StateStopped:
			if hasSession {
				w.teardown(ctx)
			}
		case after.CurrentTrack == nil:
			// no current track means stopped, whatever tracks remain
			logger.InfoContext(ctx, "queue stopped externally")
			w.teardown(ctx)
		case state == StatePlaying && SameTrack(live.Track, target):
			logger.InfoContext(ctx, "pausing for queue change")
			w.r.sessions.Pause(w.guildID)
			w.setState(ctx, StatePaused)
		case state == StatePaused && SameTrack(live.Track, target):
		case state == StateConnecting && w.attempt != nil && w.attempt.track.URL == target.URL:
			// paused once the stream is up
		default:
			logger.InfoContext(ctx, "paused on a different track, stopping playback")
			w.teardown(ctx)
		}
		return
	}

	if target == nil {
		logger.WarnContext(ctx, "queue is marked playing with no track, ignoring")
		return
	}

	channelMoved := after.VoiceChannelID != "" && hasSession && live.ChannelID != after.VoiceChannelID

	switch state {
	case StatePlaying, StatePaused:
		if SameTrack(live.Track, target) && !channelMoved {
			if state == StatePaused {
				logger.InfoContext(ctx, "resuming for queue change")
				w.r.sessions.Resume(w.guildID)
				w.setState(ctx, StatePlaying)
			}
			if live.Volume != after.Volume {
				w.r.sessions.SetVolume(w.guildID, after.Volume)
			}
			return
		}
	case StateConnecting:
		if w.attempt != nil && w.attempt.track.URL == target.URL &&
			(after.VoiceChannelID == "" || after.VoiceChannelID == w.attempt.channelID) {
			return
		}
	}

	logger.InfoContext(ctx, "starting track for queue change", "track", target, "index", index)
	w.failures = 0
	w.beginStart(ctx, after, index, *target)
}

func (w *guildWorker) announceFailure(ctx context.Context, channelID, msg string) {
	if w.r.announcer == nil {
		return
	}
	announceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	go func() {
		defer cancel()
		w.r.announcer.PlaybackFailed(announceCtx, channelID, msg)
	}()
}
