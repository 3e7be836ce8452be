package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thedudeyeets/nexusbot-worker/nexusbot"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

// envvarPort is set by hosting platforms that assign the listen port
const envvarPort = "PORT"

var (
	cfg        = nexusbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "nexusbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// apiListenFromPort replaces the port of the API listen address with
// port, if one is given
func apiListenFromPort(listen string, port string) string {
	if port == "" {
		return listen
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", nexusbot.DefaultDatabase)
	viper.SetDefault("database_type", nexusbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		nexusbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		nexusbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", nexusbot.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", nexusbot.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", nexusbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", nexusbot.DefaultShutdownTimeout)

	// Music/playback config
	viper.SetDefault("music.log_level", nexusbot.DefaultMusicLogLevel.String())
	viper.SetDefault("music.join_timeout", nexusbot.DefaultMusicJoinTimeout)
	viper.SetDefault("music.resolve_timeout", nexusbot.DefaultMusicResolveTimeout)
	viper.SetDefault("music.search_limit", nexusbot.DefaultMusicSearchLimit)
	viper.SetDefault("music.default_volume", nexusbot.DefaultMusicVolume)
	viper.SetDefault(
		"music.worker_idle_timeout",
		nexusbot.DefaultMusicWorkerIdleTimeout,
	)
	viper.SetDefault("music.write_retries", nexusbot.DefaultMusicWriteRetries)
	viper.SetDefault("music.opus_bitrate", nexusbot.DefaultMusicOpusBitrate)
	viper.SetDefault("music.ffmpeg_path", nexusbot.DefaultMusicFFmpegPath)
	viper.SetDefault("music.ytdlp_path", nexusbot.DefaultMusicYtDlpPath)
	viper.SetDefault("music.cookies_file", "")

	// OpenAI config
	viper.SetDefault("openai.log_level", nexusbot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", nexusbot.DefaultOpenAIModel)
	viper.SetDefault("openai.system_prompt", nexusbot.DefaultOpenAISystemPrompt)
	viper.SetDefault("openai.max_tokens", nexusbot.DefaultOpenAIMaxTokens)
	viper.SetDefault(
		"openai.max_requests_per_second",
		nexusbot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.user_cooldown", nexusbot.DefaultOpenAIUserCooldown)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		nexusbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		nexusbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		nexusbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", nexusbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", nexusbot.DefaultDiscordCustomStatus)

	// API config
	viper.SetDefault("api.listen", nexusbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.read_timeout", nexusbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		nexusbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", nexusbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", nexusbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		nexusbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		nexusbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		nexusbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", nexusbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		nexusbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(nexusbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = nexusbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"api.listen",
		apiListenFromPort(viper.GetString("api.listen"), os.Getenv(envvarPort)),
	)

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
		"music.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
