package nexusbot

import (
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	channelID string
	content   string
	embed     *discordgo.MessageEmbed
	reference *discordgo.MessageReference
}

type moderationCall struct {
	method  string
	guildID string
	userID  string
	reason  string
	days    int
	until   *time.Time
}

// mockDiscordSession implements the parts of DiscordSessionHandler the
// bot uses, recording calls instead of sending them to discord.
type mockDiscordSession struct {
	DiscordSessionHandler

	state *discordgo.State

	mu           sync.Mutex
	messages     []sentMessage
	responses    []*discordgo.InteractionResponse
	edits        []*discordgo.WebhookEdit
	moderation   []moderationCall
	commands     []*discordgo.ApplicationCommand
	moderateErr  error
	customStatus string
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{state: discordgo.NewState()}
}

func (m *mockDiscordSession) State() *discordgo.State {
	return m.state
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{channelID: channelID, content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{channelID: channelID, embed: embed})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(
		m.messages,
		sentMessage{channelID: channelID, content: content, reference: reference},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, edit)
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	return m.recordModeration(
		moderationCall{method: "kick", guildID: guildID, userID: userID, reason: reason},
	)
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	_ ...discordgo.RequestOption,
) error {
	return m.recordModeration(
		moderationCall{method: "ban", guildID: guildID, userID: userID, reason: reason, days: days},
	)
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	return m.recordModeration(
		moderationCall{method: "timeout", guildID: guildID, userID: userID, until: until},
	)
}

func (m *mockDiscordSession) recordModeration(call moderationCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moderation = append(m.moderation, call)
	return m.moderateErr
}

func (m *mockDiscordSession) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.messages...)
}

func (m *mockDiscordSession) interactionResponses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), m.responses...)
}

func (m *mockDiscordSession) interactionEdits() []*discordgo.WebhookEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.WebhookEdit(nil), m.edits...)
}

func (m *mockDiscordSession) moderationCalls() []moderationCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]moderationCall(nil), m.moderation...)
}

func newTestDiscord(t testing.TB, session *mockDiscordSession) *Discord {
	t.Helper()
	cfg := DefaultTestConfig(t)
	d, err := newDiscord(cfg.Discord, slog.Default().With("test", t.Name()))
	require.NoError(t, err)
	d.session = session
	return d
}

// addTestGuild puts a guild with two voice channels and a text channel
// into the session state
func addTestGuild(t testing.TB, state *discordgo.State, voiceStates ...*discordgo.VoiceState) {
	t.Helper()
	require.NoError(
		t, state.GuildAdd(
			&discordgo.Guild{
				ID:   testGuildID,
				Name: "test guild",
				Channels: []*discordgo.Channel{
					{ID: "text", GuildID: testGuildID, Name: "general", Type: discordgo.ChannelTypeGuildText, Position: 0},
					{ID: "vc-b", GuildID: testGuildID, Name: "Music", Type: discordgo.ChannelTypeGuildVoice, Position: 2},
					{ID: "vc-a", GuildID: testGuildID, Name: "Lounge", Type: discordgo.ChannelTypeGuildVoice, Position: 1},
					{ID: "stage", GuildID: testGuildID, Name: "Stage", Type: discordgo.ChannelTypeGuildStageVoice, Position: 3},
				},
				VoiceStates: voiceStates,
			},
		),
	)
}

func TestDiscord_VoiceChannels(t *testing.T) {
	session := newMockDiscordSession()
	addTestGuild(
		t,
		session.state,
		&discordgo.VoiceState{GuildID: testGuildID, UserID: "u1", ChannelID: "vc-b"},
		&discordgo.VoiceState{GuildID: testGuildID, UserID: "u2", ChannelID: "vc-b"},
		&discordgo.VoiceState{
			GuildID:   testGuildID,
			UserID:    "bot",
			ChannelID: "vc-a",
			Member:    &discordgo.Member{User: &discordgo.User{ID: "bot", Bot: true}},
		},
	)
	d := newTestDiscord(t, session)

	channels, err := d.VoiceChannels(testGuildID)
	require.NoError(t, err)
	assert.Equal(
		t, []VoiceChannel{
			{ID: "vc-a", Name: "Lounge", Members: 0},
			{ID: "vc-b", Name: "Music", Members: 2},
			{ID: "stage", Name: "Stage", Members: 0},
		}, channels,
	)

	_, err = d.VoiceChannels("missing")
	assert.Error(t, err)
}

func TestDiscord_UserVoiceChannel(t *testing.T) {
	session := newMockDiscordSession()
	addTestGuild(
		t,
		session.state,
		&discordgo.VoiceState{GuildID: testGuildID, UserID: "u1", ChannelID: "vc-a"},
	)
	d := newTestDiscord(t, session)

	channelID, err := d.UserVoiceChannel(testGuildID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "vc-a", channelID)

	_, err = d.UserVoiceChannel(testGuildID, "u2")
	assert.ErrorIs(t, err, ErrNotInVoiceChannel)

	_, err = d.UserVoiceChannel("missing", "u1")
	assert.ErrorIs(t, err, ErrNotInVoiceChannel)
}

func TestDiscord_Announcements(t *testing.T) {
	session := newMockDiscordSession()
	d := newTestDiscord(t, session)
	ctx := t.Context()

	track := testTrack(1)
	d.NowPlaying(ctx, "tc1", track, nil)
	d.PlaybackFailed(ctx, "tc1", "couldn't play")

	sent := session.sent()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].embed)
	assert.Equal(t, "tc1", sent[0].channelID)
	assert.Contains(t, sent[0].embed.Description, track.URL)
	assert.Equal(t, "couldn't play", sent[1].content)
}

func TestDiscord_ConnectHandlers(t *testing.T) {
	session := newMockDiscordSession()
	d := newTestDiscord(t, session)
	d.config.NotificationChannelID = "notify"
	d.config.StartupMessage = "back online"

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "notify", sent[0].channelID)
	assert.Equal(t, "back online", sent[0].content)

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscord_RegisterCommands(t *testing.T) {
	session := newMockDiscordSession()
	d := newTestDiscord(t, session)

	created, err := d.registerCommands()
	require.NoError(t, err)
	assert.Len(t, created, len(slashCommands))
}

func TestNowPlayingEmbed(t *testing.T) {
	track := testTrack(1)
	track.Thumbnail = "https://example.com/thumb.jpg"

	q := NewQueueRecord(testGuildID, 40)
	q.Tracks = testTracks(3)
	q.CurrentIndex = 1
	q.LoopMode = LoopModeQueue

	embed := nowPlayingEmbed(track, q)
	assert.Equal(t, "Now playing", embed.Title)
	assert.Contains(t, embed.Description, track.Title)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Track 2 of 3 | Loop: queue | Shuffle: off | Volume: 40%", embed.Footer.Text)
	require.NotNil(t, embed.Thumbnail)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "<@u1>", embed.Fields[1].Value)
}

func TestQueueEmbed(t *testing.T) {
	q := NewQueueRecord(testGuildID, 100)
	embed := queueEmbed(q)
	assert.Equal(t, "The queue is empty.", embed.Description)

	q.Tracks = testTracks(15)
	q.CurrentIndex = 2
	current := q.Tracks[2]
	q.CurrentTrack = &current
	q.ShuffleEnabled = true

	embed = queueEmbed(q)
	lines := strings.Split(embed.Description, "\n")
	require.Len(t, lines, queueEmbedMaxTracks+1)
	assert.True(t, strings.HasPrefix(lines[2], "▶ "))
	assert.Equal(t, "...and 5 more", lines[len(lines)-1])
	assert.Equal(t, "15 tracks | Loop: none | Shuffle: on | Volume: 100%", embed.Footer.Text)
}

func TestMessageMentionsUser(t *testing.T) {
	m := &discordgo.Message{Mentions: []*discordgo.User{{ID: "a"}, {ID: "b"}}}
	assert.True(t, messageMentionsUser(m, "b"))
	assert.False(t, messageMentionsUser(m, "c"))
	assert.False(t, messageMentionsUser(nil, "a"))
}

func TestGetDiscordUser(t *testing.T) {
	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "dm-user"}},
	}
	assert.Equal(t, "dm-user", getDiscordUser(dm).ID)

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "member"}},
		},
	}
	assert.Equal(t, "member", getDiscordUser(guild).ID)

	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

func TestMockDiscordSession_ModerationError(t *testing.T) {
	session := newMockDiscordSession()
	session.moderateErr = errors.New("missing permissions")
	err := session.GuildMemberDeleteWithReason(testGuildID, "u2", "spam")
	assert.Error(t, err)
	assert.Len(t, session.moderationCalls(), 1)
}
