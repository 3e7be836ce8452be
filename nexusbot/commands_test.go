package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"slices"
	"testing"
	"time"
)

type testBot struct {
	t         *testing.T
	bot       *Bot
	session   *mockDiscordSession
	store     *memQueueStore
	transport *fakeTransport
	resolver  *fakeResolver
	ai        *fakeOpenAIClient
}

// newTestBot builds a Bot around a mock discord session, with a running
// reconciler on in-memory fakes. User u1 is in voice channel vc-a.
func newTestBot(t *testing.T) *testBot {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.OpenAI.MaxRequestsPerSecond = 0
	cfg.OpenAI.UserCooldown = 0
	logger := slog.Default().With("test", t.Name())

	session := newMockDiscordSession()
	addTestGuild(
		t,
		session.state,
		&discordgo.VoiceState{GuildID: testGuildID, UserID: "u1", ChannelID: "vc-a"},
	)
	disc := newTestDiscord(t, session)

	tb := &testBot{
		t:         t,
		session:   session,
		store:     newMemQueueStore(),
		transport: &fakeTransport{},
		resolver:  newFakeResolver(),
		ai:        &fakeOpenAIClient{answer: "an answer"},
	}

	reconciler := NewReconciler(
		tb.store,
		tb.transport,
		tb.resolver,
		disc,
		disc,
		cfg.Music,
		logger,
	)
	tb.store.publish = reconciler.OnNotification

	ai := newOpenAI(cfg.OpenAI, nil)
	ai.client = tb.ai

	tb.bot = &Bot{
		config:     cfg,
		logger:     logger,
		store:      tb.store,
		reconciler: reconciler,
		resolver:   tb.resolver,
		discord:    disc,
		openai:     ai,
		moderator:  newModerator(session, nil, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	reconciler.Start(ctx)
	t.Cleanup(
		func() {
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), waitFor)
			defer shutdownCancel()
			_ = reconciler.Shutdown(shutdownCtx)
		},
	)
	return tb
}

// command runs a slash command as user u1 and returns the content
// edited into the deferred response
func (tb *testBot) command(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) string {
	tb.t.Helper()
	before := len(tb.session.interactionEdits())
	tb.bot.handleInteraction(context.Background(), commandInteraction(testGuildID, "u1", name, options...))

	edits := tb.session.interactionEdits()
	require.Len(tb.t, edits, before+1, "expected a response edit")
	edit := edits[len(edits)-1]
	require.NotNil(tb.t, edit.Content)
	return *edit.Content
}

func commandInteraction(
	guildID string,
	userID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := &discordgo.Interaction{
		ID:        "interaction-" + name,
		AppID:     "app",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   guildID,
		ChannelID: "text",
		Data: discordgo.ApplicationCommandInteractionData{
			ID:      "cmd-" + name,
			Name:    name,
			Options: options,
		},
	}
	user := &discordgo.User{ID: userID, Username: "user-" + userID}
	if guildID != "" {
		i.Member = &discordgo.Member{User: user}
	} else {
		i.User = user
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func userOption(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func TestCommand_Play(t *testing.T) {
	tb := newTestBot(t)

	content := tb.command(SlashCommandPlay, stringOption(commandOptionQuery, "song"))
	assert.Equal(t, "Starting **song 0** (3:20)", content)

	responses := tb.session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, responses[0].Type)
	assert.Zero(t, responses[0].Data.Flags)

	require.Eventually(
		t, func() bool {
			conn := tb.transport.last()
			return conn != nil && conn.current() != ""
		}, waitFor, tick,
	)
	assert.Equal(t, "vc-a", tb.transport.last().ChannelID())

	q := tb.store.get(testGuildID)
	require.NotNil(t, q)
	require.Len(t, q.Tracks, 1)
	assert.Equal(t, "u1", q.Tracks[0].Requester.ID)
	assert.Equal(t, "user-u1", q.Tracks[0].Requester.Name)
	assert.Equal(t, "text", q.TextChannelID)

	// the reconciler announces the track in the text channel
	require.Eventually(
		t, func() bool {
			return slices.ContainsFunc(
				tb.session.sent(), func(m sentMessage) bool {
					return m.channelID == "text" && m.embed != nil
				},
			)
		}, waitFor, tick,
	)

	content = tb.command(SlashCommandPlay, stringOption(commandOptionQuery, "other"))
	assert.Equal(t, "Queued **other 0** (3:20) at position 2", content)
}

func TestCommand_PlayNotInVoice(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.handleInteraction(
		context.Background(),
		commandInteraction(testGuildID, "u2", SlashCommandPlay, stringOption(commandOptionQuery, "song")),
	)
	edits := tb.session.interactionEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "You need to be in a voice channel.", *edits[0].Content)
	assert.Nil(t, tb.store.get(testGuildID))
}

func TestCommand_PlayEmptyQuery(t *testing.T) {
	tb := newTestBot(t)
	content := tb.command(SlashCommandPlay, stringOption(commandOptionQuery, "  "))
	assert.Equal(t, "I couldn't find anything for that.", content)
	assert.Zero(t, tb.transport.joinCount())
}

func TestCommand_MusicControls(t *testing.T) {
	tb := newTestBot(t)
	tb.command(SlashCommandPlay, stringOption(commandOptionQuery, "song"))
	require.Eventually(
		t, func() bool {
			return tb.bot.reconciler.State(testGuildID) == StatePlaying
		}, waitFor, tick,
	)

	assert.Equal(t, "Volume set to 30%.", tb.command(SlashCommandVolume, intOption(commandOptionLevel, 30)))
	assert.Equal(t, 30, tb.store.get(testGuildID).Volume)

	assert.Equal(
		t,
		"Volume must be between 0 and 100.",
		tb.command(SlashCommandVolume, intOption(commandOptionLevel, 101)),
	)

	assert.Equal(
		t,
		"Loop mode set to **queue**.",
		tb.command(SlashCommandLoop, stringOption(commandOptionMode, "queue")),
	)
	assert.Equal(t, LoopModeQueue, tb.store.get(testGuildID).LoopMode)

	assert.Equal(
		t,
		"Loop mode must be one of: none, track, queue.",
		tb.command(SlashCommandLoop, stringOption(commandOptionMode, "forever")),
	)

	assert.Equal(t, "Shuffle is **on**.", tb.command(SlashCommandShuffle, boolOption(commandOptionEnabled, true)))
	assert.True(t, tb.store.get(testGuildID).ShuffleEnabled)

	assert.Equal(t, "Paused.", tb.command(SlashCommandPause))
	require.Eventually(
		t, func() bool {
			st, ok := tb.bot.reconciler.NowPlaying(testGuildID)
			return ok && st.Paused && tb.transport.last().isPaused()
		}, waitFor, tick,
	)

	edits := tb.session.interactionEdits()
	tb.command(SlashCommandNowPlaying)
	edits = tb.session.interactionEdits()[len(edits):]
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Embeds)
	require.Len(t, *edits[0].Embeds, 1)
	assert.Equal(t, "Paused", (*edits[0].Embeds)[0].Title)

	assert.Equal(t, "Resumed.", tb.command(SlashCommandResume))
	require.Eventually(
		t, func() bool {
			return !tb.transport.last().isPaused()
		}, waitFor, tick,
	)

	tb.command(SlashCommandQueue)
	last := tb.session.interactionEdits()
	queueEdit := last[len(last)-1]
	require.NotNil(t, queueEdit.Embeds)
	assert.Equal(t, "Queue", (*queueEdit.Embeds)[0].Title)

	tb.command(SlashCommandLoop, stringOption(commandOptionMode, "none"))
	tb.command(SlashCommandShuffle, boolOption(commandOptionEnabled, false))
	assert.Equal(t, "Skipped. That was the end of the queue.", tb.command(SlashCommandSkip))
	require.Eventually(
		t, func() bool {
			return tb.bot.reconciler.State(testGuildID) == StateStopped
		}, waitFor, tick,
	)

	assert.Equal(t, "Nothing is playing.", tb.command(SlashCommandNowPlaying))
	assert.Equal(t, "Stopped, and cleared the queue.", tb.command(SlashCommandStop))
	assert.Empty(t, tb.store.get(testGuildID).Tracks)
}

func TestCommand_NoQueue(t *testing.T) {
	tb := newTestBot(t)
	msg := "Music isn't set up in this server yet. Use /play to get started."
	assert.Equal(t, msg, tb.command(SlashCommandQueue))
	assert.Equal(t, msg, tb.command(SlashCommandVolume, intOption(commandOptionLevel, 50)))
}

func TestCommand_Ask(t *testing.T) {
	tb := newTestBot(t)
	assert.Equal(t, "an answer", tb.command(SlashCommandAsk, stringOption(commandOptionPrompt, "hi?")))

	tb.bot.openai = nil
	assert.Equal(t, "AI replies aren't configured.", tb.command(SlashCommandAsk, stringOption(commandOptionPrompt, "hi?")))
}

func TestCommand_AskInDM(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.handleInteraction(
		context.Background(),
		commandInteraction("", "u1", SlashCommandAsk, stringOption(commandOptionPrompt, "hello")),
	)
	edits := tb.session.interactionEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "an answer", *edits[0].Content)
}

func TestCommand_Moderation(t *testing.T) {
	tb := newTestBot(t)

	content := tb.command(
		SlashCommandKick,
		userOption(commandOptionUser, "member"),
		stringOption(commandOptionReason, "spam"),
	)
	assert.Equal(t, "Kicked <@member>.", content)

	responses := tb.session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)

	content = tb.command(
		SlashCommandBan,
		userOption(commandOptionUser, "member"),
		intOption(commandOptionDeleteDays, 2),
	)
	assert.Equal(t, "Banned <@member>.", content)

	content = tb.command(
		SlashCommandTimeout,
		userOption(commandOptionUser, "member"),
		intOption(commandOptionMinutes, 10),
	)
	assert.Equal(t, "Timed out <@member> for 10 minutes.", content)

	calls := tb.session.moderationCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "kick", calls[0].method)
	assert.Equal(t, "spam", calls[0].reason)
	assert.Equal(t, "ban", calls[1].method)
	assert.Equal(t, 2, calls[1].days)
	assert.Equal(t, "timeout", calls[2].method)

	content = tb.command(SlashCommandKick, userOption(commandOptionUser, "u1"))
	assert.Contains(t, content, "you can't moderate yourself")

	tb.session.moderateErr = errors.New("missing permissions")
	content = tb.command(SlashCommandKick, userOption(commandOptionUser, "member"))
	assert.Equal(t, DefaultDiscordErrorMessage, content)
}

func TestHandleInteraction_GuildOnly(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.handleInteraction(
		context.Background(),
		commandInteraction("", "u1", SlashCommandPlay, stringOption(commandOptionQuery, "song")),
	)

	responses := tb.session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, responses[0].Type)
	assert.Equal(t, "This command only works in a server.", responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
	assert.Empty(t, tb.session.interactionEdits())
}

func TestHandleInteraction_Ping(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.handleInteraction(
		context.Background(),
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:   "ping",
				Type: discordgo.InteractionPing,
				User: &discordgo.User{ID: "u1"},
			},
		},
	)
	responses := tb.session.interactionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	tb := newTestBot(t)
	i := commandInteraction(testGuildID, "other-bot", SlashCommandPlay, stringOption(commandOptionQuery, "song"))
	i.Member.User.Bot = true
	tb.bot.handleInteraction(context.Background(), i)

	assert.Empty(t, tb.session.interactionResponses())
	assert.Empty(t, tb.session.interactionEdits())
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	tb := newTestBot(t)
	tb.bot.handleInteraction(context.Background(), commandInteraction(testGuildID, "u1", "dance"))
	assert.Empty(t, tb.session.interactionResponses())
}

func mentionMessage(content string, mentions ...string) *discordgo.MessageCreate {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "text",
		GuildID:   testGuildID,
		Content:   content,
		Author:    &discordgo.User{ID: "u1"},
	}
	for _, id := range mentions {
		m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
	}
	return &discordgo.MessageCreate{Message: m}
}

func TestHandleDiscordMessage(t *testing.T) {
	tb := newTestBot(t)
	botID := tb.bot.config.Discord.ApplicationID

	tb.bot.handleDiscordMessage(
		context.Background(),
		mentionMessage(fmt.Sprintf("<@%s> what's new?", botID), botID),
	)
	sent := tb.session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "an answer", sent[0].content)
	require.NotNil(t, sent[0].reference)
	assert.Equal(t, "m1", sent[0].reference.MessageID)

	tb.ai.mu.Lock()
	prompt := tb.ai.requests[0].Messages[1].Content
	tb.ai.mu.Unlock()
	assert.Equal(t, "what's new?", prompt)
}

func TestHandleDiscordMessage_Greeting(t *testing.T) {
	tb := newTestBot(t)
	botID := tb.bot.config.Discord.ApplicationID

	tb.bot.handleDiscordMessage(
		context.Background(),
		mentionMessage(fmt.Sprintf("<@!%s>", botID), botID),
	)
	sent := tb.session.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "/play")
	assert.Equal(t, 0, tb.ai.requestCount())
}

func TestHandleDiscordMessage_Ignored(t *testing.T) {
	tb := newTestBot(t)
	botID := tb.bot.config.Discord.ApplicationID

	// no mention
	tb.bot.handleDiscordMessage(context.Background(), mentionMessage("hello everyone"))

	// from a bot
	fromBot := mentionMessage(fmt.Sprintf("<@%s> hi", botID), botID)
	fromBot.Author.Bot = true
	tb.bot.handleDiscordMessage(context.Background(), fromBot)

	// @everyone
	everyone := mentionMessage("@everyone hi", botID)
	everyone.MentionEveryone = true
	tb.bot.handleDiscordMessage(context.Background(), everyone)

	// AI not configured
	tb.bot.openai = nil
	tb.bot.handleDiscordMessage(
		context.Background(),
		mentionMessage(fmt.Sprintf("<@%s> hi", botID), botID),
	)

	assert.Empty(t, tb.session.sent())
}

func TestUserErrorMessage(t *testing.T) {
	testCases := []struct {
		err      error
		expected string
		known    bool
	}{
		{err: ErrNotInVoiceChannel, expected: "You need to be in a voice channel.", known: true},
		{err: fmt.Errorf("wrapped: %w", ErrInvalidVolume), expected: "Volume must be between 0 and 100.", known: true},
		{err: ErrNothingPlaying, expected: "Nothing is playing.", known: true},
		{err: ErrAICooldown, expected: "Slow down a little, then try again.", known: true},
		{
			err:      fmt.Errorf("%w: missing guild or member", ErrInvalidModeration),
			expected: "invalid moderation request: missing guild or member",
			known:    true,
		},
		{err: context.DeadlineExceeded, expected: "That took too long, please try again.", known: true},
		{err: errors.New("boom"), expected: DefaultDiscordErrorMessage, known: false},
	}

	for _, tc := range testCases {
		t.Run(
			tc.err.Error(), func(t *testing.T) {
				msg, known := userErrorMessage(tc.err)
				assert.Equal(t, tc.expected, msg)
				assert.Equal(t, tc.known, known)
			},
		)
	}
}

func TestStripMention(t *testing.T) {
	assert.Equal(t, "hello", stripMention("<@123> hello", "123"))
	assert.Equal(t, "hello", stripMention("<@!123> hello", "123"))
	assert.Equal(t, "hi <@456>", stripMention("hi <@456> <@123>", "123"))
	assert.Equal(t, "", stripMention("  <@123>  ", "123"))
}

func TestAppCommands(t *testing.T) {
	commands := appCommands()
	require.Len(t, commands, len(slashCommands))

	for _, cmd := range commands {
		_, ok := slashCommands[cmd.Name]
		assert.True(t, ok, "command %q has no handler", cmd.Name)
		assert.NotEmpty(t, cmd.Description, cmd.Name)
	}

	idx := slices.IndexFunc(
		commands, func(c *discordgo.ApplicationCommand) bool {
			return c.Name == SlashCommandAsk
		},
	)
	require.GreaterOrEqual(t, idx, 0)
	require.NotNil(t, commands[idx].DMPermission)
	assert.True(t, *commands[idx].DMPermission)
}

func TestInteractionCommandTimeout(t *testing.T) {
	assert.Less(t, interactionCommandTimeout, discordInteractionTokenLifespan)
	assert.Greater(t, interactionCommandTimeout, time.Minute)
}
