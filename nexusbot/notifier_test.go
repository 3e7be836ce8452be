package nexusbot

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

func TestParseQueueChangePayload(t *testing.T) {
	after := NewQueueRecord("g1", 50)
	after.Version = 3
	after.Tracks = testTracks(2)
	current := after.Tracks[1]
	after.CurrentTrack = &current
	after.CurrentIndex = 1
	after.IsPlaying = true

	data, err := json.Marshal(QueueChange{GuildID: "g1", After: after})
	require.NoError(t, err)

	change, err := parseQueueChangePayload(string(data))
	require.NoError(t, err)
	assert.Equal(t, "g1", change.GuildID)
	assert.Nil(t, change.Before)
	require.NotNil(t, change.After)
	assert.Equal(t, int64(3), change.After.Version)
	assert.Equal(t, after.Tracks, change.After.Tracks)
	require.NotNil(t, change.After.CurrentTrack)
	assert.Equal(t, current, *change.After.CurrentTrack)
}

func TestParseQueueChangePayload_RowToJSON(t *testing.T) {
	// row_to_json renders text columns holding JSON as strings
	tracks, err := json.Marshal(testTracks(1))
	require.NoError(t, err)
	current, err := json.Marshal(testTrack(0))
	require.NoError(t, err)

	row := map[string]any{
		"guild_id":        "g1",
		"version":         4,
		"tracks":          string(tracks),
		"current_index":   0,
		"is_playing":      true,
		"current_track":   string(current),
		"loop_mode":       "queue",
		"shuffle_enabled": false,
		"volume":          25,
	}
	payload, err := json.Marshal(map[string]any{"guild_id": "g1", "after": row})
	require.NoError(t, err)

	change, err := parseQueueChangePayload(string(payload))
	require.NoError(t, err)
	require.NotNil(t, change.After)
	assert.Equal(t, testTracks(1), change.After.Tracks)
	require.NotNil(t, change.After.CurrentTrack)
	assert.Equal(t, testTrack(0), *change.After.CurrentTrack)
	assert.Equal(t, LoopModeQueue, change.After.LoopMode)
	assert.Equal(t, 25, change.After.Volume)
}

func TestParseQueueChangePayload_GuildOnly(t *testing.T) {
	change, err := parseQueueChangePayload(`{"guild_id":"g1"}`)
	require.NoError(t, err)
	assert.Equal(t, "g1", change.GuildID)
	assert.Nil(t, change.After)
}

func TestParseQueueChangePayload_GuildFromRecord(t *testing.T) {
	change, err := parseQueueChangePayload(`{"after":{"guild_id":"g2","version":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "g2", change.GuildID)
}

func TestParseQueueChangePayload_Invalid(t *testing.T) {
	_, err := parseQueueChangePayload(`{}`)
	assert.Error(t, err)

	_, err = parseQueueChangePayload(`not json`)
	assert.Error(t, err)
}

func TestPostgresNotifier_ParseChangeReadsRecord(t *testing.T) {
	ctx := context.Background()
	store := newQueueStore(testDBI(t), slog.Default(), nil)
	_, err := store.Create(ctx, NewQueueRecord("g1", 60))
	require.NoError(t, err)

	p := &postgresNotifier{store: store, logger: slog.Default()}
	change, err := p.parseChange(ctx, `{"guild_id":"g1"}`)
	require.NoError(t, err)
	require.NotNil(t, change.After)
	assert.Equal(t, 60, change.After.Volume)

	_, err = p.parseChange(ctx, `{"guild_id":"missing"}`)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestSQLiteNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifier := newSQLiteNotifier(slog.Default())
	store := newQueueStore(testDBI(t), slog.Default(), notifier.Publish)

	received := make(chan QueueChange, 10)
	done := make(chan error, 1)
	go func() {
		done <- notifier.Listen(
			ctx, func(_ context.Context, change QueueChange) {
				received <- change
			},
		)
	}()

	_, err := store.Create(ctx, NewQueueRecord("g1", 100))
	require.NoError(t, err)
	_, err = store.Write(ctx, "g1", 1, QueueUpdate{columnQueueVolume: 40})
	require.NoError(t, err)

	for _, expectedVersion := range []int64{1, 2} {
		select {
		case change := <-received:
			require.NotNil(t, change.After)
			assert.Equal(t, expectedVersion, change.After.Version)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for version %d", expectedVersion)
		}
	}

	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener didn't stop")
	}
}

func TestNewQueueNotifier_InvalidType(t *testing.T) {
	_, err := newQueueNotifier("mysql", "", nil, slog.Default())
	assert.Error(t, err)
}
