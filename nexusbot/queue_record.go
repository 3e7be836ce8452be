package nexusbot

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"log/slog"
	"slices"
)

const (
	columnQueueGuildID        = "guild_id"
	columnQueueVersion        = "version"
	columnQueueTracks         = "tracks"
	columnQueueCurrentIndex   = "current_index"
	columnQueueIsPlaying      = "is_playing"
	columnQueueCurrentTrack   = "current_track"
	columnQueueLoopMode       = "loop_mode"
	columnQueueShuffleEnabled = "shuffle_enabled"
	columnQueueVolume         = "volume"
	columnQueueVoiceChannelID = "voice_channel_id"
	columnQueueTextChannelID  = "text_channel_id"
	columnQueueUpdatedAt      = "updated_at"
)

// LoopMode controls how the queue advances when a track finishes.
type LoopMode string

const (
	LoopModeNone  LoopMode = "none"
	LoopModeTrack LoopMode = "track"
	LoopModeQueue LoopMode = "queue"
)

func (m LoopMode) Valid() bool {
	switch m {
	case LoopModeNone, LoopModeTrack, LoopModeQueue:
		return true
	default:
		return false
	}
}

func (m LoopMode) String() string {
	return string(m)
}

// ParseLoopMode returns ErrInvalidLoopMode for anything other than
// none, track or queue
func ParseLoopMode(s string) (LoopMode, error) {
	m := LoopMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLoopMode, s)
	}
	return m, nil
}

// Requester identifies the user who queued a track
type Requester struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Track is a resolved, playable item in a guild's queue. Tracks are
// values: they're never mutated after being queued.
type Track struct {
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Duration  int       `json:"duration"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Requester Requester `json:"requester"`
}

// SameTrack compares tracks by URL. A nil track only matches another
// nil track.
func SameTrack(a, b *Track) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.URL == b.URL
}

func (t Track) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("title", truncate(t.Title, 80)),
		slog.String("url", t.URL),
		slog.Int("duration", t.Duration),
	)
}

// Value implements the driver.Valuer interface.
func (t Track) Value() (driver.Value, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface.
func (t *Track) Scan(value any) error {
	data, err := scanJSONBytes(value)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, t)
}

// UnmarshalJSON accepts either a JSON object, or a string containing
// a JSON object. Postgres notification payloads carry text columns
// as strings.
func (t *Track) UnmarshalJSON(data []byte) error {
	data, err := unquoteEmbeddedJSON(data)
	if err != nil {
		return err
	}
	type track Track
	var v track
	if err = json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Track(v)
	return nil
}

func (Track) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonColumnType(db)
}

// TrackList is the ordered list of tracks in a queue, stored as a JSON array
type TrackList []Track

// Value implements the driver.Valuer interface.
func (l TrackList) Value() (driver.Value, error) {
	if l == nil {
		l = TrackList{}
	}
	b, err := json.Marshal([]Track(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface.
func (l *TrackList) Scan(value any) error {
	data, err := scanJSONBytes(value)
	if err != nil {
		return err
	}
	if data == nil {
		*l = TrackList{}
		return nil
	}
	return json.Unmarshal(data, l)
}

// UnmarshalJSON accepts either a JSON array, or a string containing
// a JSON array.
func (l *TrackList) UnmarshalJSON(data []byte) error {
	data, err := unquoteEmbeddedJSON(data)
	if err != nil {
		return err
	}
	var tracks []Track
	if err = json.Unmarshal(data, &tracks); err != nil {
		return err
	}
	if tracks == nil {
		tracks = []Track{}
	}
	*l = tracks
	return nil
}

func (TrackList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonColumnType(db)
}

func jsonColumnType(db *gorm.DB) string {
	if db.Dialector.Name() == dbTypePostgres {
		return "jsonb"
	}
	return "text"
}

func scanJSONBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unexpected type for JSON column: %T", value)
	}
}

func unquoteEmbeddedJSON(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

// QueueRecord is the durable, per-guild playback intent. It's written by
// both the bot and the dashboard, so every write goes through
// [QueueStore.Write] with the version it was based on.
//
// CurrentTrack is a copy of Tracks[CurrentIndex], or nil when the queue
// is empty or playback is stopped.
type QueueRecord struct {
	GuildID        string    `gorm:"primaryKey" json:"guild_id"`
	Version        int64     `gorm:"not null;default:1" json:"version"`
	Tracks         TrackList `gorm:"not null" json:"tracks"`
	CurrentIndex   int       `gorm:"not null;default:0" json:"current_index"`
	IsPlaying      bool      `gorm:"not null;default:false" json:"is_playing"`
	CurrentTrack   *Track    `json:"current_track"`
	LoopMode       LoopMode  `gorm:"not null;default:none" json:"loop_mode"`
	ShuffleEnabled bool      `gorm:"not null;default:false" json:"shuffle_enabled"`
	Volume         int       `gorm:"not null" json:"volume"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id"`
	CreatedAt      int64     `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt      int64     `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// NewQueueRecord returns an empty, stopped queue for the given guild
func NewQueueRecord(guildID string, volume int) *QueueRecord {
	return &QueueRecord{
		GuildID:  guildID,
		Version:  1,
		Tracks:   TrackList{},
		LoopMode: LoopModeNone,
		Volume:   volume,
	}
}

func (q QueueRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnQueueGuildID, q.GuildID),
		slog.Int64(columnQueueVersion, q.Version),
		slog.Int("track_count", len(q.Tracks)),
		slog.Int(columnQueueCurrentIndex, q.CurrentIndex),
		slog.Bool(columnQueueIsPlaying, q.IsPlaying),
		slog.String(columnQueueLoopMode, q.LoopMode.String()),
		slog.Bool(columnQueueShuffleEnabled, q.ShuffleEnabled),
		slog.Int(columnQueueVolume, q.Volume),
	)
}

// Clone returns a deep copy of the record
func (q *QueueRecord) Clone() *QueueRecord {
	if q == nil {
		return nil
	}
	c := *q
	c.Tracks = make(TrackList, len(q.Tracks))
	copy(c.Tracks, q.Tracks)
	if q.CurrentTrack != nil {
		t := *q.CurrentTrack
		c.CurrentTrack = &t
	}
	return &c
}

// TrackAt returns a copy of the track at index i, or nil if i is out
// of range
func (q *QueueRecord) TrackAt(i int) *Track {
	if i < 0 || i >= len(q.Tracks) {
		return nil
	}
	t := q.Tracks[i]
	return &t
}

// QueueUpdate is a partial update of a QueueRecord, keyed by column name.
// Columns not present are left unchanged.
type QueueUpdate map[string]any

// Apply merges the update into a copy of the record, so callers can
// compute the post-write state without a round trip.
func (u QueueUpdate) Apply(q *QueueRecord) (*QueueRecord, error) {
	c := q.Clone()
	var errs []error
	for k, v := range u {
		switch k {
		case columnQueueTracks:
			tracks, ok := v.(TrackList)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.Tracks = tracks
		case columnQueueCurrentIndex:
			n, ok := v.(int)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.CurrentIndex = n
		case columnQueueIsPlaying:
			b, ok := v.(bool)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.IsPlaying = b
		case columnQueueCurrentTrack:
			switch t := v.(type) {
			case nil:
				c.CurrentTrack = nil
			case Track:
				c.CurrentTrack = &t
			case *Track:
				c.CurrentTrack = t
			default:
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
			}
		case columnQueueLoopMode:
			m, ok := v.(LoopMode)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.LoopMode = m
		case columnQueueShuffleEnabled:
			b, ok := v.(bool)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.ShuffleEnabled = b
		case columnQueueVolume:
			n, ok := v.(int)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.Volume = n
		case columnQueueVoiceChannelID:
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.VoiceChannelID = s
		case columnQueueTextChannelID:
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: unexpected type %T", k, v))
				continue
			}
			c.TextChannelID = s
		default:
			errs = append(errs, fmt.Errorf("unknown queue column: %q", k))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Changes returns the subset of the update that would change q, or nil
// if writing it would be a no-op.
func (u QueueUpdate) Changes(q *QueueRecord) QueueUpdate {
	changed := QueueUpdate{}
	for k, v := range u {
		single, err := QueueUpdate{k: v}.Apply(q)
		if err != nil || !queueColumnEqual(k, q, single) {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

func queueColumnEqual(column string, a, b *QueueRecord) bool {
	switch column {
	case columnQueueTracks:
		return slices.Equal(a.Tracks, b.Tracks)
	case columnQueueCurrentIndex:
		return a.CurrentIndex == b.CurrentIndex
	case columnQueueIsPlaying:
		return a.IsPlaying == b.IsPlaying
	case columnQueueCurrentTrack:
		if a.CurrentTrack == nil || b.CurrentTrack == nil {
			return a.CurrentTrack == nil && b.CurrentTrack == nil
		}
		return *a.CurrentTrack == *b.CurrentTrack
	case columnQueueLoopMode:
		return a.LoopMode == b.LoopMode
	case columnQueueShuffleEnabled:
		return a.ShuffleEnabled == b.ShuffleEnabled
	case columnQueueVolume:
		return a.Volume == b.Volume
	case columnQueueVoiceChannelID:
		return a.VoiceChannelID == b.VoiceChannelID
	case columnQueueTextChannelID:
		return a.TextChannelID == b.TextChannelID
	default:
		return false
	}
}

// columns returns the update as gorm-ready values. A nil CurrentTrack is
// written as NULL.
func (u QueueUpdate) columns() map[string]any {
	values := make(map[string]any, len(u)+2)
	for k, v := range u {
		if k == columnQueueCurrentTrack {
			switch t := v.(type) {
			case *Track:
				if t == nil {
					values[k] = nil
				} else {
					values[k] = *t
				}
				continue
			}
		}
		values[k] = v
	}
	return values
}

// playTrackUpdate points the queue at tracks[index] and marks it playing
func playTrackUpdate(q *QueueRecord, index int) QueueUpdate {
	return QueueUpdate{
		columnQueueCurrentIndex: index,
		columnQueueCurrentTrack: q.TrackAt(index),
		columnQueueIsPlaying:    true,
	}
}

// stoppedUpdate marks the queue stopped while keeping its tracks
func stoppedUpdate() QueueUpdate {
	return QueueUpdate{
		columnQueueIsPlaying:    false,
		columnQueueCurrentTrack: nil,
	}
}

// clearedUpdate empties the queue
func clearedUpdate() QueueUpdate {
	return QueueUpdate{
		columnQueueTracks:       TrackList{},
		columnQueueCurrentIndex: 0,
		columnQueueIsPlaying:    false,
		columnQueueCurrentTrack: nil,
	}
}
