package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// memQueueStore is an in-memory QueueStore. Like the sqlite store, it
// publishes every successful write.
type memQueueStore struct {
	mu      sync.Mutex
	records map[string]*QueueRecord
	publish func(ctx context.Context, change QueueChange)

	// staleWrites is how many upcoming writes lose a version race
	staleWrites int
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{records: map[string]*QueueRecord{}}
}

func (m *memQueueStore) Read(_ context.Context, guildID string) (*QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.records[guildID]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q.Clone(), nil
}

func (m *memQueueStore) Write(
	ctx context.Context,
	guildID string,
	expectedVersion int64,
	update QueueUpdate,
) (*QueueRecord, error) {
	m.mu.Lock()
	if m.staleWrites > 0 {
		m.staleWrites--
		m.mu.Unlock()
		return nil, ErrStaleQueueRecord
	}
	before, ok := m.records[guildID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrQueueNotFound
	}
	if before.Version != expectedVersion {
		m.mu.Unlock()
		return nil, ErrStaleQueueRecord
	}
	after, err := update.Apply(before)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	after.Version++
	m.records[guildID] = after
	publish := m.publish
	m.mu.Unlock()

	if publish != nil {
		publish(ctx, QueueChange{GuildID: guildID, Before: before.Clone(), After: after.Clone()})
	}
	return after.Clone(), nil
}

func (m *memQueueStore) Create(ctx context.Context, record *QueueRecord) (*QueueRecord, error) {
	m.mu.Lock()
	if existing, ok := m.records[record.GuildID]; ok {
		m.mu.Unlock()
		return existing.Clone(), nil
	}
	c := record.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	m.records[c.GuildID] = c
	publish := m.publish
	m.mu.Unlock()

	if publish != nil {
		publish(ctx, QueueChange{GuildID: c.GuildID, After: c.Clone()})
	}
	return c.Clone(), nil
}

func (m *memQueueStore) loseRaces(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleWrites = n
}

// externalWrite applies an update the way the dashboard would
func (m *memQueueStore) externalWrite(guildID string, update QueueUpdate) (*QueueRecord, error) {
	q, err := m.Read(context.Background(), guildID)
	if err != nil {
		return nil, err
	}
	return m.Write(context.Background(), guildID, q.Version, update)
}

func (m *memQueueStore) get(guildID string) *QueueRecord {
	q, _ := m.Read(context.Background(), guildID)
	return q
}

type fakeStream struct {
	url    string
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeConnection plays nothing. Tests end the current stream with finish.
type fakeConnection struct {
	channelID string

	mu        sync.Mutex
	stream    *fakeStream
	onEnd     func(error)
	volume    int
	paused    bool
	destroyed bool
	plays     []string
}

func (c *fakeConnection) ChannelID() string {
	return c.channelID
}

func (c *fakeConnection) Play(stream AudioStream, volume int, onEnd func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := stream.(*fakeStream)
	c.stream = s
	c.onEnd = onEnd
	c.volume = volume
	c.paused = false
	if s != nil {
		c.plays = append(c.plays, s.url)
	}
}

func (c *fakeConnection) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *fakeConnection) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *fakeConnection) SetVolume(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = level
}

func (c *fakeConnection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		_ = c.stream.Close()
	}
	c.stream = nil
	c.onEnd = nil
}

func (c *fakeConnection) Destroy() error {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

// finish ends the current stream on its own, as if it reached EOF (nil)
// or broke (non-nil). It returns false if nothing was playing.
func (c *fakeConnection) finish(err error) bool {
	c.mu.Lock()
	onEnd := c.onEnd
	c.onEnd = nil
	c.stream = nil
	c.mu.Unlock()
	if onEnd == nil {
		return false
	}
	onEnd(err)
	return true
}

func (c *fakeConnection) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ""
	}
	return c.stream.url
}

func (c *fakeConnection) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConnection) currentVolume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *fakeConnection) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeConnection) played() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.plays...)
}

// fakeTransport hands out fakeConnections. When gate is set, joins
// block until it's closed or the join context is done.
type fakeTransport struct {
	mu      sync.Mutex
	gate    chan struct{}
	joinErr error
	conns   []*fakeConnection
	joins   []string
}

func (f *fakeTransport) Join(ctx context.Context, guildID, channelID string) (
	VoiceConnection,
	error,
) {
	f.mu.Lock()
	gate := f.gate
	joinErr := f.joinErr
	f.joins = append(f.joins, channelID)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}

	conn := &fakeConnection{channelID: channelID}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeTransport) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeTransport) connections() []*fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConnection(nil), f.conns...)
}

// last returns the most recent connection, or nil
func (f *fakeTransport) last() *fakeConnection {
	conns := f.connections()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// fakeResolver opens a fakeStream for any URL not listed in fail
type fakeResolver struct {
	mu      sync.Mutex
	fail    map[string]bool
	opened  []string
	streams []*fakeStream
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{fail: map[string]bool{}}
}

func (f *fakeResolver) Search(_ context.Context, query string, limit int) ([]Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrNoSearchResults
	}
	var candidates []Candidate
	for i := 0; i < limit; i++ {
		candidates = append(
			candidates, Candidate{
				URL:      fmt.Sprintf("https://example.com/watch?v=%s-%d", query, i),
				Title:    fmt.Sprintf("%s %d", query, i),
				Duration: 200,
			},
		)
	}
	return candidates, nil
}

func (f *fakeResolver) OpenStream(_ context.Context, c Candidate) (AudioStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, c.URL)
	if f.fail[c.URL] {
		return nil, errors.New("unavailable")
	}
	s := &fakeStream{url: c.URL}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeResolver) failURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = true
}

func (f *fakeResolver) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

type fakeDirectory struct {
	channels     []VoiceChannel
	userChannels map[string]string
}

func (d *fakeDirectory) VoiceChannels(string) ([]VoiceChannel, error) {
	return d.channels, nil
}

func (d *fakeDirectory) UserVoiceChannel(_, userID string) (string, error) {
	if c, ok := d.userChannels[userID]; ok {
		return c, nil
	}
	return "", ErrNotInVoiceChannel
}

type fakeAnnouncer struct {
	mu         sync.Mutex
	nowPlaying []string
	failures   []string
}

func (a *fakeAnnouncer) NowPlaying(_ context.Context, _ string, track Track, _ *QueueRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowPlaying = append(a.nowPlaying, track.URL)
}

func (a *fakeAnnouncer) PlaybackFailed(_ context.Context, _ string, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, message)
}

func (a *fakeAnnouncer) announced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.nowPlaying...)
}

func (a *fakeAnnouncer) failed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.failures...)
}
