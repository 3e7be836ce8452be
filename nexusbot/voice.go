package nexusbot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// opusFrameSize is 20ms of audio at 48kHz
	opusFrameSize = 960

	// opusMaxPacketSize is the recommended max size of an encoded packet
	opusMaxPacketSize = 4000

	voiceReadyPollInterval = 500 * time.Millisecond
)

// discordVoiceTransport joins voice channels over the discord gateway
type discordVoiceTransport struct {
	session *discordgo.Session
	bitrate int
	logger  *slog.Logger
}

func newDiscordVoiceTransport(
	session *discordgo.Session,
	bitrate int,
	logger *slog.Logger,
) *discordVoiceTransport {
	return &discordVoiceTransport{
		session: session,
		bitrate: bitrate,
		logger:  logger.With(loggerNameKey, "voice"),
	}
}

type voiceJoinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Join joins the channel and waits for the connection to be ready.
//
// discordgo's ChannelVoiceJoin gives up after its own 10 second wait, and
// can tear down a connection that was about to become ready. When that
// happens, the join is re-sent and Ready is polled until ctx is done.
func (t *discordVoiceTransport) Join(
	ctx context.Context,
	guildID string,
	channelID string,
) (VoiceConnection, error) {
	logger := t.logger.With(columnQueueGuildID, guildID, "channel_id", channelID)

	joined := make(chan voiceJoinResult, 1)
	go func() {
		vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		joined <- voiceJoinResult{vc: vc, err: err}
	}()

	var res voiceJoinResult
	select {
	case res = <-joined:
	case <-ctx.Done():
		go func() {
			if late := <-joined; late.vc != nil {
				_ = late.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	if res.err == nil {
		return t.newConnection(res.vc), nil
	}

	logger.WarnContext(ctx, "voice join didn't report ready, retrying", tint.Err(res.err))
	if err := t.session.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return nil, fmt.Errorf("error re-sending voice join: %w", err)
	}

	ticker := time.NewTicker(voiceReadyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if vc := t.voiceConnection(guildID); vc != nil {
				_ = vc.Disconnect()
			}
			return nil, ctx.Err()
		case <-ticker.C:
			vc := t.voiceConnection(guildID)
			if vc == nil {
				continue
			}
			vc.RLock()
			ready := vc.Ready
			vc.RUnlock()
			if ready {
				return t.newConnection(vc), nil
			}
		}
	}
}

func (t *discordVoiceTransport) voiceConnection(guildID string) *discordgo.VoiceConnection {
	t.session.RLock()
	defer t.session.RUnlock()
	return t.session.VoiceConnections[guildID]
}

func (t *discordVoiceTransport) newConnection(vc *discordgo.VoiceConnection) *discordVoiceConnection {
	return &discordVoiceConnection{
		vc:      vc,
		bitrate: t.bitrate,
		logger:  t.logger.With(columnQueueGuildID, vc.GuildID),
	}
}

// discordVoiceConnection encodes PCM streams to opus and sends them on
// the voice connection, one stream at a time.
type discordVoiceConnection struct {
	vc      *discordgo.VoiceConnection
	bitrate int
	logger  *slog.Logger

	mu      sync.Mutex
	current *voicePlayback
}

type voicePlayback struct {
	stream    AudioStream
	stop      chan struct{}
	resume    chan struct{}
	paused    atomic.Bool
	volume    atomic.Int32
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (p *voicePlayback) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.closeStream()
}

func (p *voicePlayback) closeStream() {
	p.closeOnce.Do(func() { _ = p.stream.Close() })
}

func (p *voicePlayback) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (c *discordVoiceConnection) ChannelID() string {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.ChannelID
}

func (c *discordVoiceConnection) Play(stream AudioStream, volume int, onEnd func(error)) {
	p := &voicePlayback{
		stream: stream,
		stop:   make(chan struct{}),
		resume: make(chan struct{}, 1),
	}
	p.volume.Store(int32(volume))

	c.mu.Lock()
	prev := c.current
	c.current = p
	c.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	go func() {
		err := c.send(p)
		p.closeStream()

		c.mu.Lock()
		if c.current == p {
			c.current = nil
		}
		c.mu.Unlock()

		if p.stopped() {
			return
		}
		if err != nil {
			c.logger.Warn("stream ended with error", tint.Err(err))
		}
		if onEnd != nil {
			onEnd(err)
		}
	}()
}

// send encodes and sends the stream until it ends or is stopped. A clean
// end of stream returns nil.
func (c *discordVoiceConnection) send(p *voicePlayback) error {
	encoder, err := opus.NewEncoder(pcmSampleRate, pcmChannels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("error creating opus encoder: %w", err)
	}
	if c.bitrate > 0 {
		if err = encoder.SetBitrate(c.bitrate); err != nil {
			return fmt.Errorf("error setting opus bitrate: %w", err)
		}
	}

	if err = c.vc.Speaking(true); err != nil {
		c.logger.Warn("error setting speaking state", tint.Err(err))
	}
	defer func() {
		if e := c.vc.Speaking(false); e != nil {
			c.logger.Debug("error clearing speaking state", tint.Err(e))
		}
	}()

	pcm := make([]byte, opusFrameSize*pcmChannels*2)
	samples := make([]int16, opusFrameSize*pcmChannels)
	packet := make([]byte, opusMaxPacketSize)

	for {
		for p.paused.Load() {
			select {
			case <-p.stop:
				return nil
			case <-p.resume:
			}
		}
		if p.stopped() {
			return nil
		}

		_, err = io.ReadFull(p.stream, pcm)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			if p.stopped() {
				return nil
			}
			return err
		}

		decodePCM(pcm, samples)
		applyVolume(samples, int(p.volume.Load()))

		n, encErr := encoder.Encode(samples, packet)
		if encErr != nil {
			return fmt.Errorf("error encoding opus frame: %w", encErr)
		}
		frame := make([]byte, n)
		copy(frame, packet[:n])

		select {
		case c.vc.OpusSend <- frame:
		case <-p.stop:
			return nil
		}
	}
}

// decodePCM converts s16le bytes to samples
func decodePCM(pcm []byte, samples []int16) {
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
}

// applyVolume scales samples in place by level percent
func applyVolume(samples []int16, level int) {
	if level >= 100 {
		return
	}
	if level <= 0 {
		clear(samples)
		return
	}
	for i, s := range samples {
		samples[i] = int16(int32(s) * int32(level) / 100)
	}
}

func (c *discordVoiceConnection) playing() *voicePlayback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *discordVoiceConnection) Pause() {
	if p := c.playing(); p != nil {
		p.paused.Store(true)
	}
}

func (c *discordVoiceConnection) Resume() {
	if p := c.playing(); p != nil {
		p.paused.Store(false)
		select {
		case p.resume <- struct{}{}:
		default:
		}
	}
}

func (c *discordVoiceConnection) SetVolume(level int) {
	if p := c.playing(); p != nil {
		p.volume.Store(int32(level))
	}
}

func (c *discordVoiceConnection) Stop() {
	c.mu.Lock()
	p := c.current
	c.current = nil
	c.mu.Unlock()
	if p != nil {
		p.halt()
	}
}

func (c *discordVoiceConnection) Destroy() error {
	c.Stop()
	return c.vc.Disconnect()
}
