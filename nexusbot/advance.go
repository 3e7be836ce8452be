package nexusbot

// advanceReason is why the queue is moving off the current track
type advanceReason int

const (
	// advanceIdle is a track finishing on its own
	advanceIdle advanceReason = iota

	// advanceSkip is an explicit skip
	advanceSkip

	// advanceFailure is a track that couldn't be resolved or streamed
	advanceFailure
)

func (r advanceReason) String() string {
	switch r {
	case advanceIdle:
		return "idle"
	case advanceSkip:
		return "skip"
	case advanceFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// nextIndex picks the index to play after the current one. The second
// return value is false when playback should stop instead.
//
// Precedence:
//  1. loop=track replays the current index (natural completion only,
//     a skip or a failed track always moves on)
//  2. shuffle picks uniformly from [0, len)
//  3. otherwise the next index, wrapping to 0 for loop=queue
func nextIndex(
	q *QueueRecord,
	reason advanceReason,
	randIntn func(int) int,
) (int, bool) {
	n := len(q.Tracks)
	if n == 0 {
		return 0, false
	}

	current := q.CurrentIndex
	if reason == advanceIdle && q.LoopMode == LoopModeTrack && current >= 0 && current < n {
		return current, true
	}

	if q.ShuffleEnabled {
		return randIntn(n), true
	}

	next := current + 1
	if next < 0 {
		next = 0
	}
	if next < n {
		return next, true
	}
	if q.LoopMode == LoopModeQueue {
		return 0, true
	}
	return 0, false
}

// indexOfTrack finds where a track sits in the queue. The stored
// index is preferred when it matches, since a URL can be queued twice.
func indexOfTrack(q *QueueRecord, t *Track) int {
	if t == nil {
		return -1
	}
	if q.CurrentIndex >= 0 && q.CurrentIndex < len(q.Tracks) &&
		q.Tracks[q.CurrentIndex].URL == t.URL {
		return q.CurrentIndex
	}
	for i, track := range q.Tracks {
		if track.URL == t.URL {
			return i
		}
	}
	return -1
}

// intendedTrack returns the track the record says should be playing,
// falling back to tracks[current_index] when current_track wasn't set
// by the writer. The fallback only makes sense for a record marked
// playing: a stopped or paused record with no current_track is stopped.
func intendedTrack(q *QueueRecord) (*Track, int) {
	if q.CurrentTrack != nil {
		t := *q.CurrentTrack
		return &t, indexOfTrack(q, q.CurrentTrack)
	}
	if t := q.TrackAt(q.CurrentIndex); t != nil {
		return t, q.CurrentIndex
	}
	return nil, -1
}
