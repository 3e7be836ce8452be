//nolint:lll // struct tags can't be split
package nexusbot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "NEXUSBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "NB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "nexusbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "/play some music!"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen               = "0.0.0.0:3000"
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = false

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn

	DefaultMusicLogLevel          = slog.LevelInfo
	DefaultMusicJoinTimeout       = 30 * time.Second
	DefaultMusicResolveTimeout    = 20 * time.Second
	DefaultMusicSearchLimit       = 1
	DefaultMusicVolume            = 100
	DefaultMusicWorkerIdleTimeout = 5 * time.Minute
	DefaultMusicWriteRetries      = 5
	DefaultMusicOpusBitrate       = 96000
	DefaultMusicFFmpegPath        = "ffmpeg"
	DefaultMusicYtDlpPath         = "yt-dlp"

	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAIModel                = "gpt-4o-mini"
	DefaultOpenAIMaxTokens            = 800
	DefaultOpenAIMaxRequestsPerSecond = 1.0
	DefaultOpenAIUserCooldown         = 5 * time.Second
	DefaultOpenAISystemPrompt         = "You are NexusBot, a friendly assistant in a Discord server. Keep answers short."
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Music configures voice playback and the queue reconciler
	Music *MusicConfig `yaml:"music" mapstructure:"music" json:"music" binding:"required"`

	// OpenAI holds the configuration for AI replies
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// API configures the health/status HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and disables gin's recovery
	// middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// MusicConfig configures voice playback, track resolution and the
// per-guild queue workers.
type MusicConfig struct {
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// JoinTimeout bounds how long a voice join may take to report ready
	JoinTimeout time.Duration `yaml:"join_timeout" mapstructure:"join_timeout" json:"join_timeout" binding:"min=1s"`

	// ResolveTimeout bounds each search or stream acquisition call
	ResolveTimeout time.Duration `yaml:"resolve_timeout" mapstructure:"resolve_timeout" json:"resolve_timeout" binding:"min=1s"`

	// SearchLimit is the number of candidates requested for a free-text query
	SearchLimit int `yaml:"search_limit" mapstructure:"search_limit" json:"search_limit" binding:"min=1,max=25"`

	// DefaultVolume is used for newly created queue records
	DefaultVolume int `yaml:"default_volume" mapstructure:"default_volume" json:"default_volume" binding:"min=0,max=100"`

	// WorkerIdleTimeout is how long a stopped guild worker lingers before
	// exiting
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout" binding:"min=1s"`

	// WriteRetries is the number of times a queue write is retried after
	// losing a version race with another writer
	WriteRetries int `yaml:"write_retries" mapstructure:"write_retries" json:"write_retries" binding:"min=1"`

	OpusBitrate int    `yaml:"opus_bitrate" mapstructure:"opus_bitrate" json:"opus_bitrate" binding:"min=8000,max=512000"`
	FFmpegPath  string `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path" json:"ffmpeg_path" binding:"required"`
	YtDlpPath   string `yaml:"ytdlp_path" mapstructure:"ytdlp_path" json:"ytdlp_path" binding:"required"`

	// CookiesFile is passed to yt-dlp, if set
	CookiesFile string `yaml:"cookies_file" mapstructure:"cookies_file" json:"cookies_file"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If NotificationChannelID is set, StartupMessage is sent there whenever
	// the bot connects to the gateway
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures AI replies. When Token is empty, /ask and
// mention replies respond with a 'not configured' message.
type OpenAIConfig struct {
	Token    string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible providers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	Model        string `yaml:"model" mapstructure:"model" json:"model"`
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens"`

	// MaxRequestsPerSecond limits completion calls across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// UserCooldown is the minimum time between two requests from one user
	UserCooldown time.Duration `yaml:"user_cooldown" mapstructure:"user_cooldown" json:"user_cooldown"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "0.0.0.0:3000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	musicLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	musicLogLevel.Set(DefaultMusicLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Music: &MusicConfig{
			LogLevel:          musicLogLevel,
			JoinTimeout:       DefaultMusicJoinTimeout,
			ResolveTimeout:    DefaultMusicResolveTimeout,
			SearchLimit:       DefaultMusicSearchLimit,
			DefaultVolume:     DefaultMusicVolume,
			WorkerIdleTimeout: DefaultMusicWorkerIdleTimeout,
			WriteRetries:      DefaultMusicWriteRetries,
			OpusBitrate:       DefaultMusicOpusBitrate,
			FFmpegPath:        DefaultMusicFFmpegPath,
			YtDlpPath:         DefaultMusicYtDlpPath,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			Model:                DefaultOpenAIModel,
			SystemPrompt:         DefaultOpenAISystemPrompt,
			MaxTokens:            DefaultOpenAIMaxTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			UserCooldown:         DefaultOpenAIUserCooldown,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateOpenAIConfig, OpenAIConfig{})
}

// validateOpenAIConfig only enforces completion limits when a token is
// configured, so the bot can run music-only.
func validateOpenAIConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(OpenAIConfig)
	if !ok || cfg.Token == "" {
		return
	}
	if cfg.Model == "" {
		sl.ReportError(cfg.Model, "model", "Model", "required", "")
	}
	if cfg.MaxTokens < 1 {
		sl.ReportError(cfg.MaxTokens, "max_tokens", "MaxTokens", "min", "1")
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		sl.ReportError(
			cfg.MaxRequestsPerSecond,
			"max_requests_per_second",
			"MaxRequestsPerSecond",
			"gt",
			"0",
		)
	}
}
