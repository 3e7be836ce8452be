package nexusbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	SlashCommandPlay       = "play"
	SlashCommandSkip       = "skip"
	SlashCommandPause      = "pause"
	SlashCommandResume     = "resume"
	SlashCommandStop       = "stop"
	SlashCommandVolume     = "volume"
	SlashCommandLoop       = "loop"
	SlashCommandShuffle    = "shuffle"
	SlashCommandQueue      = "queue"
	SlashCommandNowPlaying = "nowplaying"
	SlashCommandAsk        = "ask"
	SlashCommandKick       = "kick"
	SlashCommandBan        = "ban"
	SlashCommandTimeout    = "timeout"

	commandOptionQuery      = "query"
	commandOptionLevel      = "level"
	commandOptionMode       = "mode"
	commandOptionEnabled    = "enabled"
	commandOptionPrompt     = "prompt"
	commandOptionUser       = "user"
	commandOptionReason     = "reason"
	commandOptionDeleteDays = "delete_days"
	commandOptionMinutes    = "minutes"

	// interactionCommandTimeout leaves a margin before the interaction token expires,
	// so the deferred response can still be edited
	interactionCommandTimeout = discordInteractionTokenLifespan - time.Minute
)

// commandReply is the content a slash command edits into its deferred
// response
type commandReply struct {
	content string
	embeds  []*discordgo.MessageEmbed
}

type commandFunc func(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error)

type slashCommand struct {
	run commandFunc

	// ephemeral replies are only shown to the user who ran the command
	ephemeral bool

	// guildOnly commands are rejected outside a guild
	guildOnly bool
}

var slashCommands = map[string]slashCommand{
	SlashCommandPlay:       {run: commandPlay, guildOnly: true},
	SlashCommandSkip:       {run: commandSkip, guildOnly: true},
	SlashCommandPause:      {run: commandPause, guildOnly: true},
	SlashCommandResume:     {run: commandResume, guildOnly: true},
	SlashCommandStop:       {run: commandStop, guildOnly: true},
	SlashCommandVolume:     {run: commandVolume, guildOnly: true},
	SlashCommandLoop:       {run: commandLoop, guildOnly: true},
	SlashCommandShuffle:    {run: commandShuffle, guildOnly: true},
	SlashCommandQueue:      {run: commandQueue, guildOnly: true},
	SlashCommandNowPlaying: {run: commandNowPlaying, guildOnly: true},
	SlashCommandAsk:        {run: commandAsk},
	SlashCommandKick:       {run: commandKick, guildOnly: true, ephemeral: true},
	SlashCommandBan:        {run: commandBan, guildOnly: true, ephemeral: true},
	SlashCommandTimeout:    {run: commandTimeoutMember, guildOnly: true, ephemeral: true},
}

// appCommands returns the slash command definitions registered with discord
func appCommands() []*discordgo.ApplicationCommand {
	minVolume := float64(0)
	maxVolume := float64(100)
	minDeleteDays := float64(0)
	maxDeleteDays := float64(7)
	minMinutes := float64(1)
	maxMinutes := float64(maxTimeoutMinutes)
	minPromptLength := 1
	dmPerm := false
	askDMPerm := true

	moderatePerm := int64(discordgo.PermissionModerateMembers)
	kickPerm := int64(discordgo.PermissionKickMembers)
	banPerm := int64(discordgo.PermissionBanMembers)

	simple := func(name, description string) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:         name,
			Description:  description,
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
		}
	}

	reasonOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionReason,
		Description: "Reason, shown in the audit log",
		MaxLength:   512,
	}
	userOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        commandOptionUser,
		Description: "The member",
		Required:    true,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         SlashCommandPlay,
			Description:  "Play a song, or add it to the queue",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionQuery,
					Description: "A search query or URL",
					Required:    true,
				},
			},
		},
		simple(SlashCommandSkip, "Skip the current track"),
		simple(SlashCommandPause, "Pause playback"),
		simple(SlashCommandResume, "Resume playback"),
		simple(SlashCommandStop, "Stop playback and clear the queue"),
		{
			Name:         SlashCommandVolume,
			Description:  "Set the playback volume",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionLevel,
					Description: "Volume, from 0 to 100",
					Required:    true,
					MinValue:    &minVolume,
					MaxValue:    maxVolume,
				},
			},
		},
		{
			Name:         SlashCommandLoop,
			Description:  "Set the loop mode",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionMode,
					Description: "Loop mode",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Off", Value: string(LoopModeNone)},
						{Name: "Track", Value: string(LoopModeTrack)},
						{Name: "Queue", Value: string(LoopModeQueue)},
					},
				},
			},
		},
		{
			Name:         SlashCommandShuffle,
			Description:  "Turn shuffle on or off",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        commandOptionEnabled,
					Description: "Shuffle the queue",
					Required:    true,
				},
			},
		},
		simple(SlashCommandQueue, "Show the queue"),
		simple(SlashCommandNowPlaying, "Show the current track"),
		{
			Name:         SlashCommandAsk,
			Description:  "Ask the AI a question",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &askDMPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionPrompt,
					Description: "Your question",
					Required:    true,
					MinLength:   &minPromptLength,
					MaxLength:   2000,
				},
			},
		},
		{
			Name:                     SlashCommandKick,
			Description:              "Kick a member",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &kickPerm,
			Options:                  []*discordgo.ApplicationCommandOption{userOption, reasonOption},
		},
		{
			Name:                     SlashCommandBan,
			Description:              "Ban a member",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &banPerm,
			Options: []*discordgo.ApplicationCommandOption{
				userOption,
				reasonOption,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionDeleteDays,
					Description: "Days of messages to delete",
					MinValue:    &minDeleteDays,
					MaxValue:    maxDeleteDays,
				},
			},
		},
		{
			Name:                     SlashCommandTimeout,
			Description:              "Time out a member",
			Type:                     discordgo.ChatApplicationCommand,
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &moderatePerm,
			Options: []*discordgo.ApplicationCommandOption{
				userOption,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionMinutes,
					Description: "Length of the timeout, in minutes",
					Required:    true,
					MinValue:    &minMinutes,
					MaxValue:    maxMinutes,
				},
				reasonOption,
			},
		},
	}
}

// handleInteraction acknowledges a slash command, runs it, and edits the
// result into the deferred response
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := contextLoggerOrDefault(ctx, b.logger).With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	session := b.discord.session

	switch i.Type {
	case discordgo.InteractionPing:
		_ = session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	case discordgo.InteractionApplicationCommand:
	default:
		logger.DebugContext(ctx, "ignoring interaction type")
		return
	}

	name := i.ApplicationCommandData().Name
	logger = logger.With("command", name, "user_id", discordUser.ID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received command")

	cmd, ok := slashCommands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		return
	}

	var flags discordgo.MessageFlags
	if cmd.ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}

	if cmd.guildOnly && i.GuildID == "" {
		if err := session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "This command only works in a server.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		); err != nil {
			logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		}
		return
	}

	if err := session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: flags},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, interactionCommandTimeout)
	defer cancel()

	start := time.Now()
	reply, err := cmd.run(cmdCtx, b, i, discordUser)
	if err != nil {
		msg, known := userErrorMessage(err)
		if known {
			logger.InfoContext(ctx, "command rejected", tint.Err(err))
		} else {
			logger.ErrorContext(ctx, "command failed", tint.Err(err))
		}
		reply = commandReply{content: msg}
	}
	logger.InfoContext(ctx, "finished command", "duration", time.Since(start))

	content := shortenString(reply.content, discordMaxMessageLength)
	edit := &discordgo.WebhookEdit{Content: &content}
	if len(reply.embeds) > 0 {
		edit.Embeds = &reply.embeds
	}
	if _, err = session.InteractionResponseEdit(
		i.Interaction,
		edit,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// userErrorMessage renders an error for the user. The second return value
// is false for unexpected errors, which get a generic message.
func userErrorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrNotInVoiceChannel):
		return "You need to be in a voice channel.", true
	case errors.Is(err, ErrQueueNotFound):
		return "Music isn't set up in this server yet. Use /play to get started.", true
	case errors.Is(err, ErrNoSearchResults):
		return "I couldn't find anything for that.", true
	case errors.Is(err, ErrInvalidVolume):
		return "Volume must be between 0 and 100.", true
	case errors.Is(err, ErrInvalidLoopMode):
		return "Loop mode must be one of: none, track, queue.", true
	case errors.Is(err, ErrNothingPlaying):
		return "Nothing is playing.", true
	case errors.Is(err, ErrAINotConfigured):
		return "AI replies aren't configured.", true
	case errors.Is(err, ErrAICooldown):
		return "Slow down a little, then try again.", true
	case errors.Is(err, ErrInvalidModeration):
		return err.Error(), true
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, please try again.", true
	default:
		return DefaultDiscordErrorMessage, false
	}
}

func optionString(i *discordgo.InteractionCreate, name string) string {
	if opt, ok := discordInteractionOptions(i)[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func optionInt(i *discordgo.InteractionCreate, name string) (int, bool) {
	if opt, ok := discordInteractionOptions(i)[name]; ok {
		return int(opt.IntValue()), true
	}
	return 0, false
}

func optionBool(i *discordgo.InteractionCreate, name string) bool {
	if opt, ok := discordInteractionOptions(i)[name]; ok {
		return opt.BoolValue()
	}
	return false
}

func optionUserID(i *discordgo.InteractionCreate, name string) string {
	opt, ok := discordInteractionOptions(i)[name]
	if !ok {
		return ""
	}
	if id, isString := opt.Value.(string); isString {
		return id
	}
	return ""
}

func requesterName(i *discordgo.InteractionCreate, user *discordgo.User) string {
	if i.Member != nil && i.Member.Nick != "" {
		return i.Member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func commandPlay(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error) {
	query := optionString(i, commandOptionQuery)
	if query == "" {
		return commandReply{}, ErrNoSearchResults
	}

	voiceChannelID, err := b.discord.UserVoiceChannel(i.GuildID, user.ID)
	if err != nil {
		return commandReply{}, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, b.config.Music.ResolveTimeout)
	defer cancel()
	candidates, err := b.resolver.Search(searchCtx, query, b.config.Music.SearchLimit)
	if err != nil {
		return commandReply{}, err
	}

	track := candidates[0].Track(Requester{ID: user.ID, Name: requesterName(i, user)})
	res, err := b.reconciler.Enqueue(
		ctx, EnqueueRequest{
			GuildID:        i.GuildID,
			Track:          track,
			VoiceChannelID: voiceChannelID,
			TextChannelID:  i.ChannelID,
		},
	)
	if err != nil {
		return commandReply{}, err
	}

	if res.Started {
		return commandReply{
			content: fmt.Sprintf("Starting **%s** (%s)", track.Title, formatTrackDuration(track.Duration)),
		}, nil
	}
	return commandReply{
		content: fmt.Sprintf(
			"Queued **%s** (%s) at position %d",
			track.Title,
			formatTrackDuration(track.Duration),
			res.Position+1,
		),
	}, nil
}

func commandSkip(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	q, err := b.reconciler.Skip(ctx, i.GuildID)
	if err != nil {
		return commandReply{}, err
	}
	if q == nil || q.CurrentTrack == nil {
		return commandReply{content: "Skipped. That was the end of the queue."}, nil
	}
	return commandReply{content: fmt.Sprintf("Skipped. Up next: **%s**", q.CurrentTrack.Title)}, nil
}

func commandPause(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	if _, err := b.reconciler.Pause(ctx, i.GuildID); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: "Paused."}, nil
}

func commandResume(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	if _, err := b.reconciler.Resume(ctx, i.GuildID); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: "Resumed."}, nil
}

func commandStop(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	if _, err := b.reconciler.Stop(ctx, i.GuildID); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: "Stopped, and cleared the queue."}, nil
}

func commandVolume(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	level, ok := optionInt(i, commandOptionLevel)
	if !ok {
		return commandReply{}, ErrInvalidVolume
	}
	if _, err := b.reconciler.SetVolume(ctx, i.GuildID, level); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: fmt.Sprintf("Volume set to %d%%.", level)}, nil
}

func commandLoop(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	mode, err := ParseLoopMode(optionString(i, commandOptionMode))
	if err != nil {
		return commandReply{}, err
	}
	if _, err = b.reconciler.SetLoopMode(ctx, i.GuildID, mode); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: fmt.Sprintf("Loop mode set to **%s**.", mode)}, nil
}

func commandShuffle(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	enabled := optionBool(i, commandOptionEnabled)
	if _, err := b.reconciler.SetShuffle(ctx, i.GuildID, enabled); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: fmt.Sprintf("Shuffle is **%s**.", onOff(enabled))}, nil
}

func commandQueue(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	q, err := b.reconciler.Queue(ctx, i.GuildID)
	if err != nil {
		return commandReply{}, err
	}
	return commandReply{embeds: []*discordgo.MessageEmbed{queueEmbed(q)}}, nil
}

func commandNowPlaying(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	_ *discordgo.User,
) (commandReply, error) {
	st, ok := b.reconciler.NowPlaying(i.GuildID)
	if !ok {
		return commandReply{}, ErrNothingPlaying
	}
	q, err := b.reconciler.Queue(ctx, i.GuildID)
	if err != nil {
		q = nil
	}
	embed := nowPlayingEmbed(*st.Track, q)
	if st.Paused {
		embed.Title = "Paused"
	}
	return commandReply{embeds: []*discordgo.MessageEmbed{embed}}, nil
}

func commandAsk(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error) {
	if b.openai == nil {
		return commandReply{}, ErrAINotConfigured
	}
	answer, err := b.openai.Ask(
		ctx, AskRequest{
			UserID:    user.ID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
			Prompt:    optionString(i, commandOptionPrompt),
		},
	)
	if err != nil {
		return commandReply{}, err
	}
	return commandReply{content: answer}, nil
}

func moderationRequest(
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	action ModerationActionType,
) ModerationRequest {
	return ModerationRequest{
		GuildID:     i.GuildID,
		ModeratorID: user.ID,
		TargetID:    optionUserID(i, commandOptionUser),
		Action:      action,
		Reason:      optionString(i, commandOptionReason),
	}
}

func commandKick(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error) {
	req := moderationRequest(i, user, ModerationKick)
	if _, err := b.moderator.Apply(ctx, req); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: fmt.Sprintf("Kicked <@%s>.", req.TargetID)}, nil
}

func commandBan(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error) {
	req := moderationRequest(i, user, ModerationBan)
	req.DeleteDays, _ = optionInt(i, commandOptionDeleteDays)
	if _, err := b.moderator.Apply(ctx, req); err != nil {
		return commandReply{}, err
	}
	return commandReply{content: fmt.Sprintf("Banned <@%s>.", req.TargetID)}, nil
}

func commandTimeoutMember(
	ctx context.Context,
	b *Bot,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) (commandReply, error) {
	req := moderationRequest(i, user, ModerationTimeout)
	minutes, _ := optionInt(i, commandOptionMinutes)
	req.Duration = time.Duration(minutes) * time.Minute
	if _, err := b.moderator.Apply(ctx, req); err != nil {
		return commandReply{}, err
	}
	return commandReply{
		content: fmt.Sprintf("Timed out <@%s> for %d minutes.", req.TargetID, minutes),
	}, nil
}

// handleDiscordMessage replies to messages that mention the bot with an
// AI answer to the rest of the message.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	logger := contextLoggerOrDefault(ctx, b.logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if m.Author == nil || m.Author.Bot || m.Author.ID == b.config.Discord.ApplicationID {
		return
	}
	if m.MentionEveryone || !messageMentionsUser(m.Message, b.config.Discord.ApplicationID) {
		return
	}

	logger = logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)

	prompt := stripMention(m.Content, b.config.Discord.ApplicationID)
	reply := "Hi! Use /play to queue some music, or mention me with a question."
	if prompt != "" {
		if b.openai == nil {
			return
		}
		askCtx, cancel := context.WithTimeout(ctx, interactionCommandTimeout)
		defer cancel()
		answer, err := b.openai.Ask(
			askCtx, AskRequest{
				UserID:    m.Author.ID,
				GuildID:   m.GuildID,
				ChannelID: m.ChannelID,
				Prompt:    prompt,
			},
		)
		if err != nil {
			msg, known := userErrorMessage(err)
			if !known {
				logger.ErrorContext(ctx, "error answering mention", tint.Err(err))
			}
			reply = msg
		} else {
			reply = answer
		}
	}

	if _, err := b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		shortenString(reply, discordMaxMessageLength),
		m.Reference(),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to mention", tint.Err(err))
	}
}

// stripMention removes mentions of userID from content
func stripMention(content, userID string) string {
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	content = strings.ReplaceAll(content, "<@!"+userID+">", "")
	return strings.TrimSpace(content)
}
