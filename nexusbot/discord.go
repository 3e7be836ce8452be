package nexusbot

import (
	"cmp"
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// discordInteractionTokenLifespan defines the lifespan of a Discord
	// interaction token. Discord interaction tokens currently expire after
	// 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	embedColorNowPlaying = 0x1DB954
	embedColorQueue      = 0x5865F2

	// queueEmbedMaxTracks caps how many tracks /queue lists
	queueEmbedMaxTracks = 10
)

// Discord manages the gateway session, and implements [GuildDirectory]
// and [Announcer] on top of the session's state cache.
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	connected          atomic.Bool
	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("missing discord config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:             config,
		logger:             logger,
		removeHandlerFuncs: []func(){},
	}, nil
}

// newSession creates the discordgo session. State tracking is enabled,
// since voice channel selection and user lookups are answered from the
// state cache.
func (d *Discord) newSession() (*discordgo.Session, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.State.TrackVoice = true
	disc.State.TrackChannels = true
	disc.State.TrackMembers = true
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	session := DiscordSession{
		session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return nil, err
	}
	d.session = session
	return disc, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
	if err != nil {
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// VoiceChannels lists the guild's voice and stage channels by position,
// with member counts from the voice state cache
func (d *Discord) VoiceChannels(guildID string) ([]VoiceChannel, error) {
	guild, err := d.session.State().Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("error getting guild %s: %w", guildID, err)
	}

	members := map[string]int{}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != "" && (vs.Member == nil || vs.Member.User == nil || !vs.Member.User.Bot) {
			members[vs.ChannelID]++
		}
	}

	channels := make([]*discordgo.Channel, 0, len(guild.Channels))
	for _, ch := range guild.Channels {
		switch ch.Type {
		case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
			channels = append(channels, ch)
		}
	}
	slices.SortStableFunc(
		channels, func(a, b *discordgo.Channel) int {
			return cmp.Compare(a.Position, b.Position)
		},
	)

	result := make([]VoiceChannel, 0, len(channels))
	for _, ch := range channels {
		result = append(
			result,
			VoiceChannel{ID: ch.ID, Name: ch.Name, Members: members[ch.ID]},
		)
	}
	return result, nil
}

func (d *Discord) UserVoiceChannel(guildID, userID string) (string, error) {
	vs, err := d.session.State().VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoiceChannel
	}
	return vs.ChannelID, nil
}

func (d *Discord) NowPlaying(ctx context.Context, channelID string, track Track, q *QueueRecord) {
	logger := contextLoggerOrDefault(ctx, d.logger)
	if _, err := d.session.ChannelMessageSendEmbed(
		channelID,
		nowPlayingEmbed(track, q),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "error announcing track", tint.Err(err), "channel_id", channelID)
	}
}

func (d *Discord) PlaybackFailed(ctx context.Context, channelID string, message string) {
	logger := contextLoggerOrDefault(ctx, d.logger)
	if _, err := d.session.ChannelMessageSend(
		channelID,
		message,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "error announcing playback failure", tint.Err(err), "channel_id", channelID)
	}
}

func nowPlayingEmbed(track Track, q *QueueRecord) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Now playing",
		Description: fmt.Sprintf("[%s](%s)", truncate(track.Title, 200), track.URL),
		Color:       embedColorNowPlaying,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Duration", Value: formatTrackDuration(track.Duration), Inline: true},
		},
	}
	if track.Requester.ID != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Requested by",
				Value:  fmt.Sprintf("<@%s>", track.Requester.ID),
				Inline: true,
			},
		)
	}
	if q != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Track %d of %d | Loop: %s | Shuffle: %s | Volume: %d%%",
				q.CurrentIndex+1,
				len(q.Tracks),
				q.LoopMode,
				onOff(q.ShuffleEnabled),
				q.Volume,
			),
		}
	}
	if track.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: track.Thumbnail}
	}
	return embed
}

func queueEmbed(q *QueueRecord) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Queue",
		Color: embedColorQueue,
	}
	if len(q.Tracks) == 0 {
		embed.Description = "The queue is empty."
		return embed
	}

	start := 0
	if q.CurrentIndex >= queueEmbedMaxTracks {
		start = q.CurrentIndex - queueEmbedMaxTracks/2
	}
	end := min(start+queueEmbedMaxTracks, len(q.Tracks))

	var lines []string
	for i := start; i < end; i++ {
		t := q.Tracks[i]
		marker := "  "
		if i == q.CurrentIndex && q.CurrentTrack != nil {
			marker = "▶ "
		}
		lines = append(
			lines,
			fmt.Sprintf(
				"%s`%d.` %s [%s]",
				marker,
				i+1,
				truncate(t.Title, 60),
				formatTrackDuration(t.Duration),
			),
		)
	}
	if remaining := len(q.Tracks) - end; remaining > 0 {
		lines = append(lines, fmt.Sprintf("...and %d more", remaining))
	}
	embed.Description = shortenString(strings.Join(lines, "\n"), 4000)
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf(
			"%d tracks | Loop: %s | Shuffle: %s | Volume: %d%%",
			len(q.Tracks),
			q.LoopMode,
			onOff(q.ShuffleEnabled),
			q.Volume,
		),
	}
	return embed
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by the
// bot, so it can be faked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// State returns the gateway state cache
	State() *discordgo.State

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) State() *discordgo.State {
	return d.session.State
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildBanCreateWithReason(guildID, userID, reason, days, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, options...)
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
