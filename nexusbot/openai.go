package nexusbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OpenAI answers /ask commands and mentions with chat completions.
//
// requestLimiter caps completion calls across every user, and each user
// has their own limiter allowing one request per UserCooldown.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	// db, if set, receives a ChatCompletionLog for every completion call
	db DBI

	// now is swapped out in tests
	now func() time.Time

	mu           sync.Mutex
	userLimiters map[string]*rate.Limiter
}

// AskRequest is a single question from a user
type AskRequest struct {
	UserID    string
	GuildID   string
	ChannelID string
	Prompt    string
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:       config,
		logger:       newComponentLogger(config.LogLevel, "openai"),
		now:          time.Now,
		userLimiters: map[string]*rate.Limiter{},
	}

	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	o.requestLimiter = rate.NewLimiter(limit, 1)

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

// Ask sends the prompt to the configured model and returns the reply.
//
// It returns ErrAINotConfigured if there's no API token, and ErrAICooldown
// if the user asked something less than UserCooldown ago.
func (o *OpenAI) Ask(ctx context.Context, req AskRequest) (string, error) {
	if o.config.Token == "" {
		return "", ErrAINotConfigured
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}

	logger := contextLoggerOrDefault(ctx, o.logger).With("user_id", req.UserID)

	if !o.claimCooldown(req.UserID) {
		return "", ErrAICooldown
	}

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("error waiting on request limiter: %w", err)
	}

	payload := openai.ChatCompletionRequest{
		Model:     o.config.Model,
		MaxTokens: o.config.MaxTokens,
		User:      req.UserID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.config.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	record := &ChatCompletionLog{
		UserID:         req.UserID,
		GuildID:        req.GuildID,
		ChannelID:      req.ChannelID,
		Model:          o.config.Model,
		Prompt:         prompt,
		RequestStarted: o.now().UnixMilli(),
	}

	resp, err := o.client.CreateChatCompletion(ctx, payload)
	record.RequestEnded = o.now().UnixMilli()

	var answer string
	if err == nil {
		answer, err = completionContent(resp)
	}
	if err != nil {
		record.Error = err.Error()
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
	} else {
		record.Response = answer
		record.FinishReason = string(resp.Choices[0].FinishReason)
		record.PromptTokens = resp.Usage.PromptTokens
		record.CompletionTokens = resp.Usage.CompletionTokens
		record.TotalTokens = resp.Usage.TotalTokens
		record.ResponseHeaders = o.dumpHeaders(resp.Header())
		logger.InfoContext(
			ctx,
			"chat completion",
			"total_tokens", resp.Usage.TotalTokens,
			"duration_ms", record.RequestEnded-record.RequestStarted,
		)
	}

	if o.db != nil {
		if _, dbErr := o.db.Create(context.WithoutCancel(ctx), record); dbErr != nil {
			logger.ErrorContext(ctx, "error saving completion log", tint.Err(dbErr))
		}
	}

	if err != nil {
		return "", err
	}
	return answer, nil
}

// claimCooldown reports whether the user may make a request now, and
// if so, starts their cooldown
func (o *OpenAI) claimCooldown(userID string) bool {
	if o.config.UserCooldown <= 0 {
		return true
	}
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	limiter, ok := o.userLimiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(o.config.UserCooldown), 1)
		o.userLimiters[userID] = limiter
	}
	return limiter.AllowN(now, 1)
}

func (o *OpenAI) dumpHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	data, err := json.Marshal(headers)
	if err != nil {
		o.logger.Warn("error dumping headers", tint.Err(err))
		return ""
	}
	return string(data)
}

// completionContent returns the text of the first choice
func completionContent(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("empty completion response")
	}
	return content, nil
}

// OpenAIClient is the subset of the OpenAI API used for AI replies
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// ChatCompletionLog records one completion call, successful or not.
//
//nolint:lll // struct tags can't be split
type ChatCompletionLog struct {
	ModelUintID
	ModelUnixTime

	UserID    string `json:"user_id" gorm:"index"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Model     string `json:"model"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	Prompt          string `json:"prompt" gorm:"type:text"`
	Response        string `json:"response" gorm:"type:text"`
	ResponseHeaders string `json:"headers" gorm:"type:text"`
	FinishReason    string `json:"finish_reason"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Error string `json:"error" gorm:"type:text"`
}

func (ChatCompletionLog) TableName() string {
	return "chat_completion_logs"
}
