// Package nexusbot implements a Discord bot with three feature sets:
// a per-guild music queue, AI replies, and moderation commands.
//
// The music queue is stored in the database, so a web dashboard can edit
// it directly. Each edit raises a change notification (a postgres
// LISTEN/NOTIFY trigger, or an in-process publisher for sqlite), and the
// [Reconciler] brings the guild's live voice playback in line with the
// stored record.
//
// Key components:
//
//   - Bot: wires the gateway session, database, reconciler and API together.
//   - Reconciler: runs one worker per guild, which applies slash commands,
//     queue change notifications and end-of-stream events in order.
//   - SessionRegistry: owns each guild's voice connection and current stream.
//   - QueueStore: versioned reads and writes of [QueueRecord] rows.
//   - TrackResolver: yt-dlp search, piped through ffmpeg for decoding.
//   - OpenAI: chat completions for /ask and mentions, rate limited per user.
//   - Moderator: kick, ban and timeout, recorded in the database.
//   - API: health and playback status over HTTP.
//
// Slash commands:
//
//   - /play, /skip, /pause, /resume, /stop: playback control
//   - /volume, /loop, /shuffle: queue settings
//   - /queue, /nowplaying: show the queue and current track
//   - /ask: ask the AI a question
//   - /kick, /ban, /timeout: moderation
package nexusbot
