package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL              = "https://openrouter.ai/api/v1"
	DefaultModel                = "openai/gpt-4.1-mini"
	DefaultMinUserMessageLength = 1000
	DefaultMaxUserMessageLength = 10000

	completionsPath     = "/chat/completions"
	defaultTimeout      = 20 * time.Second
	defaultMaxRetries   = 2
	defaultBackoffBase  = 500 * time.Millisecond
	defaultMaxRetryWait = 10 * time.Second
	maxErrorBodyBytes   = 2048

	roleSystem = "system"
	roleUser   = "user"
)

// maxRetryAfterSeconds keeps delta-seconds within time.Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config describes how the client reaches the provider.
type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	AllowedModels []string
	DefaultModel  string
	// DefaultParams override the built-in sampling defaults field by field.
	DefaultParams        *Params
	HTTPReferer          string
	AppTitle             string
	MinUserMessageLength int
	MaxUserMessageLength int
	// MaxRetries counts retries after the first attempt; zero selects the default of two.
	MaxRetries   int
	BackoffBase  time.Duration
	MaxRetryWait time.Duration
	HTTPClient   *http.Client
	Sleep        SleepFunc
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Message is one chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single structured completion request.
type Request struct {
	SystemMessage  string
	UserMessage    string
	Model          string
	Params         *Params
	ResponseFormat *ResponseFormat
}

// Usage reports provider token accounting when present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StructuredCompletion is a schema-checked provider answer.
type StructuredCompletion struct {
	Model        string
	Params       Params
	FinishReason string
	Usage        Usage
	Attempts     int
	Raw          json.RawMessage
	Data         any
}

// Decode unmarshals the raw payload into target.
func (s *StructuredCompletion) Decode(target any) error {
	if err := json.Unmarshal(s.Raw, target); err != nil {
		return &ResponseShapeError{Message: "payload does not match the expected type", Err: err}
	}
	return nil
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Params
	ResponseFormat ResponseFormat `json:"response_format"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Choices []struct {
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
}

// Client calls an OpenRouter-compatible chat completions endpoint and returns
// JSON payloads validated against a caller-provided schema.
type Client struct {
	apiKey        string
	endpoint      string
	timeout       time.Duration
	allowedModels map[string]struct{}
	defaultModel  string
	defaultParams Params
	httpReferer   string
	appTitle      string
	minUserLength int
	maxUserLength int
	maxRetries    int
	backoffBase   time.Duration
	maxRetryWait  time.Duration
	httpClient    *http.Client
	sleep         SleepFunc
	clock         func() time.Time
	logger        *zap.Logger
}

// New validates cfg and builds a client. Misconfiguration fails here, before any request.
func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, &ConfigError{Message: "api key is required"}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, &ConfigError{Message: fmt.Sprintf("base url %q is invalid", baseURL)}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedModels))
	for _, model := range cfg.AllowedModels {
		trimmed := strings.TrimSpace(model)
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		allowed[DefaultModel] = struct{}{}
	}

	defaultModel := strings.TrimSpace(cfg.DefaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if _, ok := allowed[defaultModel]; !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("default model %q is not in the allow-list", defaultModel)}
	}

	defaultParams := BuiltinParams().Merge(cfg.DefaultParams)
	if err := defaultParams.Validate(); err != nil {
		return nil, &ConfigError{Message: "default parameters: " + err.Error()}
	}

	if cfg.MaxRetries < 0 {
		return nil, &ConfigError{Message: "max retries must not be negative"}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	minUserLength := cfg.MinUserMessageLength
	if minUserLength <= 0 {
		minUserLength = DefaultMinUserMessageLength
	}
	maxUserLength := cfg.MaxUserMessageLength
	if maxUserLength <= 0 {
		maxUserLength = DefaultMaxUserMessageLength
	}
	if minUserLength > maxUserLength {
		return nil, &ConfigError{Message: "minimum user message length exceeds maximum"}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	maxRetryWait := cfg.MaxRetryWait
	if maxRetryWait <= 0 {
		maxRetryWait = defaultMaxRetryWait
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:        apiKey,
		endpoint:      baseURL + completionsPath,
		timeout:       timeout,
		allowedModels: allowed,
		defaultModel:  defaultModel,
		defaultParams: defaultParams,
		httpReferer:   strings.TrimSpace(cfg.HTTPReferer),
		appTitle:      strings.TrimSpace(cfg.AppTitle),
		minUserLength: minUserLength,
		maxUserLength: maxUserLength,
		maxRetries:    maxRetries,
		backoffBase:   backoffBase,
		maxRetryWait:  maxRetryWait,
		httpClient:    httpClient,
		sleep:         sleep,
		clock:         clock,
		logger:        logger,
	}, nil
}

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// DefaultParams returns the effective default sampling parameters.
func (c *Client) DefaultParams() Params {
	return c.defaultParams
}

// CompleteStructured validates the request, sends it with retries and returns the
// schema-checked JSON payload of the single completion choice.
func (c *Client) CompleteStructured(ctx context.Context, request Request) (*StructuredCompletion, error) {
	payload, params, err := c.buildPayload(request)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("encode request: %v", err)}
	}

	responseBody, attempts, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}

	var response chatCompletionResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, &ResponseShapeError{Message: "response is not valid JSON", Err: err}
	}
	if len(response.Choices) == 0 {
		return nil, &ResponseShapeError{Message: "response has no choices"}
	}
	choice := response.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, &ResponseShapeError{Message: "response content is empty"}
	}

	var data any
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil, &ResponseShapeError{Message: "content is not valid JSON", Err: err}
	}
	if err := ValidateStructure(data, payload.ResponseFormat.JSONSchema.Schema); err != nil {
		return nil, err
	}

	model := response.Model
	if model == "" {
		model = payload.Model
	}

	return &StructuredCompletion{
		Model:        model,
		Params:       params,
		FinishReason: choice.FinishReason,
		Usage:        response.Usage,
		Attempts:     attempts,
		Raw:          json.RawMessage(content),
		Data:         data,
	}, nil
}

func (c *Client) buildPayload(request Request) (chatCompletionRequest, Params, error) {
	systemMessage := strings.TrimSpace(request.SystemMessage)
	if systemMessage == "" {
		return chatCompletionRequest{}, Params{}, &ValidationError{Message: "system message is required"}
	}
	userMessage := strings.TrimSpace(request.UserMessage)
	userLength := utf8.RuneCountInString(userMessage)
	if userLength < c.minUserLength || userLength > c.maxUserLength {
		return chatCompletionRequest{}, Params{}, &ValidationError{
			Message: fmt.Sprintf("user message must be between %d and %d characters, got %d", c.minUserLength, c.maxUserLength, userLength),
		}
	}

	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = c.defaultModel
	}
	if _, ok := c.allowedModels[model]; !ok {
		return chatCompletionRequest{}, Params{}, &ValidationError{Message: fmt.Sprintf("model %q is not allowed", model)}
	}

	params := c.defaultParams.Merge(request.Params)
	if err := params.Validate(); err != nil {
		return chatCompletionRequest{}, Params{}, &ValidationError{Message: err.Error()}
	}

	if request.ResponseFormat == nil {
		return chatCompletionRequest{}, Params{}, &ValidationError{Message: "response format is required"}
	}
	if err := request.ResponseFormat.validate(); err != nil {
		return chatCompletionRequest{}, Params{}, &ValidationError{Message: err.Error()}
	}

	return chatCompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: roleSystem, Content: systemMessage},
			{Role: roleUser, Content: userMessage},
		},
		Params:         params,
		ResponseFormat: *request.ResponseFormat,
	}, params, nil
}

type attemptResult struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// send performs up to maxRetries+1 attempts and returns the successful body and
// the number of attempts made.
func (c *Client) send(ctx context.Context, body []byte) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result := c.attempt(ctx, body)

		var wait time.Duration
		switch {
		case result.err != nil:
			if ctx.Err() != nil {
				return nil, attempt + 1, &NetworkError{Err: ctx.Err()}
			}
			lastErr = &NetworkError{Err: result.err}
			wait = c.backoff(attempt)
		case result.status == http.StatusTooManyRequests:
			retryAfter, ok := parseRetryAfter(result.header.Get("Retry-After"), c.clock())
			lastErr = &RateLimitError{RetryAfter: retryAfter}
			wait = c.backoff(attempt)
			if ok {
				wait = min(retryAfter, c.maxRetryWait)
			}
		case result.status >= http.StatusInternalServerError:
			lastErr = &RequestError{Status: result.status, Body: string(result.body)}
			wait = c.backoff(attempt)
		case result.status >= http.StatusOK && result.status < http.StatusMultipleChoices:
			return result.body, attempt + 1, nil
		default:
			return nil, attempt + 1, &RequestError{Status: result.status, Body: string(result.body)}
		}

		if attempt == c.maxRetries {
			break
		}

		c.logger.Warn(
			"completion attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.String("kind", string(KindOf(lastErr))),
			zap.Error(lastErr),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, attempt + 1, &NetworkError{Err: err}
		}
	}
	return nil, c.maxRetries + 1, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) attemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return attemptResult{err: err}
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	if c.httpReferer != "" {
		request.Header.Set("HTTP-Referer", c.httpReferer)
	}
	if c.appTitle != "" {
		request.Header.Set("X-Title", c.appTitle)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return attemptResult{err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		payload, readErr := io.ReadAll(response.Body)
		if readErr != nil {
			return attemptResult{err: readErr}
		}
		return attemptResult{status: response.StatusCode, header: response.Header, body: payload}
	}

	errorBody, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	return attemptResult{
		status: response.StatusCode,
		header: response.Header,
		body:   bytes.TrimSpace(errorBody),
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.backoffBase
	for step := 0; step < attempt && wait < c.maxRetryWait; step++ {
		wait <<= 1
	}
	return min(wait, c.maxRetryWait)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(min(int64(seconds), maxRetryAfterSeconds)) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
