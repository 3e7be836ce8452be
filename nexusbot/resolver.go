package nexusbot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/lrstanley/go-ytdlp"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

const (
	pcmSampleRate = 48000
	pcmChannels   = 2

	// ytdlpPrintTemplate is the --print template used for search and
	// metadata lookups. Fields are tab-separated.
	ytdlpPrintTemplate = "%(webpage_url,url)s\t%(title)s\t%(duration)s\t%(thumbnail)s\t%(uploader)s"
)

// Candidate is a search result that can be turned into a [Track]
type Candidate struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Duration  int    `json:"duration"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Uploader  string `json:"uploader,omitempty"`
}

// Track returns a queueable track for this candidate
func (c Candidate) Track(requester Requester) Track {
	title := c.Title
	if title == "" {
		title = c.URL
	}
	return Track{
		Title:     title,
		URL:       c.URL,
		Duration:  c.Duration,
		Thumbnail: c.Thumbnail,
		Requester: requester,
	}
}

func (t Track) Candidate() Candidate {
	return Candidate{
		URL:       t.URL,
		Title:     t.Title,
		Duration:  t.Duration,
		Thumbnail: t.Thumbnail,
	}
}

// TrackResolver finds tracks and opens audio streams for them
type TrackResolver interface {
	// Search returns up to limit candidates for a free-text query or URL.
	// It returns ErrNoSearchResults if nothing matched.
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)

	// OpenStream starts decoding the candidate to PCM. ctx only bounds
	// startup: it returns once audio is available, and the stream keeps
	// running after ctx is done, until it's closed.
	OpenStream(ctx context.Context, c Candidate) (AudioStream, error)
}

// ytdlpResolver resolves tracks with yt-dlp, and decodes them by piping
// yt-dlp's output through ffmpeg.
type ytdlpResolver struct {
	config *MusicConfig
	logger *slog.Logger
}

func newYtdlpResolver(config *MusicConfig, logger *slog.Logger) *ytdlpResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ytdlpResolver{config: config, logger: logger.With(loggerNameKey, "resolver")}
}

func (y *ytdlpResolver) command() *ytdlp.Command {
	cmd := ytdlp.New().
		SetExecutable(y.config.YtDlpPath).
		NoWarnings().
		IgnoreConfig()
	if y.config.CookiesFile != "" {
		cmd = cmd.Cookies(y.config.CookiesFile)
	}
	return cmd
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

func (y *ytdlpResolver) Search(ctx context.Context, query string, limit int) (
	[]Candidate,
	error,
) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoSearchResults
	}
	if limit < 1 {
		limit = 1
	}
	logger := contextLoggerOrDefault(ctx, y.logger)

	var res *ytdlp.Result
	var err error
	if isURL(query) {
		res, err = y.command().
			NoPlaylist().
			Print(ytdlpPrintTemplate).
			Run(ctx, "--skip-download", query)
	} else {
		res, err = y.command().
			FlatPlaylist().
			Print(ytdlpPrintTemplate).
			PlaylistItems(fmt.Sprintf("1-%d", limit)).
			Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	}
	if err != nil {
		var stderr string
		if res != nil {
			stderr = res.Stderr
		}
		logger.WarnContext(
			ctx,
			"yt-dlp search failed",
			tint.Err(err),
			"query", query,
			"stderr", shortenString(stderr, 500),
		)
		return nil, fmt.Errorf("error searching for %q: %w", query, err)
	}

	candidates := parseCandidates(res.Stdout)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return nil, ErrNoSearchResults
	}
	logger.DebugContext(ctx, "search results", "query", query, "count", len(candidates))
	return candidates, nil
}

// parseCandidates parses yt-dlp output printed with ytdlpPrintTemplate.
// Lines without a URL are skipped.
func parseCandidates(output string) []Candidate {
	var candidates []Candidate
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 3 {
			continue
		}
		c := Candidate{URL: naField(fields[0]), Title: naField(fields[1])}
		if c.URL == "" || !isURL(c.URL) {
			continue
		}
		if d, err := strconv.ParseFloat(naField(fields[2]), 64); err == nil && d > 0 {
			c.Duration = int(d)
		}
		if len(fields) > 3 {
			c.Thumbnail = naField(fields[3])
		}
		if len(fields) > 4 {
			c.Uploader = naField(fields[4])
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// naField maps yt-dlp's placeholder for missing fields to an empty string
func naField(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

func ffmpegDecodeArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(pcmSampleRate),
		"-ac", strconv.Itoa(pcmChannels),
		"pipe:1",
	}
}

func (y *ytdlpResolver) OpenStream(ctx context.Context, c Candidate) (AudioStream, error) {
	logger := contextLoggerOrDefault(ctx, y.logger).With("url", c.URL)

	// the processes outlive ctx, which only bounds startup
	procCtx, kill := context.WithCancel(context.WithoutCancel(ctx))

	download := y.command().
		Format("bestaudio/best").
		Output("-").
		NoPlaylist().
		NoPart().
		Quiet().
		BuildCommand(procCtx, c.URL)
	decode := exec.CommandContext(procCtx, y.config.FFmpegPath, ffmpegDecodeArgs()...)

	var downloadErr, decodeErr bytes.Buffer
	download.Stderr = &downloadErr
	decode.Stderr = &decodeErr

	pipe, err := download.StdoutPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("error creating yt-dlp pipe: %w", err)
	}
	decode.Stdin = pipe

	out, err := decode.StdoutPipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("error creating ffmpeg pipe: %w", err)
	}

	if err = download.Start(); err != nil {
		kill()
		return nil, fmt.Errorf("error starting yt-dlp: %w", err)
	}
	if err = decode.Start(); err != nil {
		kill()
		_ = download.Wait()
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}

	s := &pcmStream{
		reader: bufio.NewReaderSize(out, 64*1024),
		kill:   kill,
		logger: logger,
	}
	s.wait = func() error {
		g := errgroup.Group{}
		g.Go(
			func() error {
				if e := download.Wait(); e != nil {
					return fmt.Errorf("yt-dlp: %w: %s", e, shortenString(downloadErr.String(), 500))
				}
				return nil
			},
		)
		g.Go(
			func() error {
				if e := decode.Wait(); e != nil {
					return fmt.Errorf("ffmpeg: %w: %s", e, shortenString(decodeErr.String(), 500))
				}
				return nil
			},
		)
		return g.Wait()
	}

	peeked := make(chan error, 1)
	go func() {
		_, e := s.reader.Peek(1)
		peeked <- e
	}()

	select {
	case err = <-peeked:
		if err != nil {
			waitErr := s.terminate()
			logger.WarnContext(ctx, "stream produced no audio", tint.Err(waitErr))
			if waitErr != nil {
				return nil, fmt.Errorf("stream produced no audio: %w", waitErr)
			}
			return nil, fmt.Errorf("stream produced no audio: %w", err)
		}
	case <-ctx.Done():
		kill()
		<-peeked
		_ = s.terminate()
		return nil, fmt.Errorf("timed out opening stream: %w", ctx.Err())
	}

	logger.DebugContext(ctx, "opened stream")
	return s, nil
}

// pcmStream reads decoded PCM from ffmpeg. At EOF, a failed yt-dlp or
// ffmpeg exit is returned in place of io.EOF.
type pcmStream struct {
	reader *bufio.Reader
	kill   context.CancelFunc
	wait   func() error
	logger *slog.Logger

	once    sync.Once
	waitErr error
	closed  bool
	mu      sync.Mutex
}

func (s *pcmStream) terminate() error {
	s.once.Do(
		func() {
			s.waitErr = s.wait()
			s.kill()
		},
	)
	return s.waitErr
}

func (s *pcmStream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if err == nil || n > 0 {
		return n, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, err
	}
	if waitErr := s.terminate(); waitErr != nil {
		return 0, waitErr
	}
	return 0, err
}

func (s *pcmStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.kill()
	if err := s.terminate(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// killed on purpose
			return nil
		}
		s.logger.Debug("stream closed with error", tint.Err(err))
	}
	return nil
}
