// Package openaisdk calls the OpenAI Responses API in process instead of
// shelling out to a CLI. Calls are spaced by a minimum interval and rate
// limit replies that carry a "retry after N seconds" hint push the next
// call out accordingly.
package openaisdk

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"

	"forge/internal/backend"
	"forge/internal/credentials"
	sharederrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
)

const defaultMinInterval = 2 * time.Second

// Config configures the SDK adapter.
type Config struct {
	BaseURL      string
	DefaultModel string
	APIKeyEnvVar string
	MinInterval  time.Duration
	MaxRetries   int
}

// caller performs one Responses API round trip and returns the raw body.
type caller func(ctx context.Context, key string, params responses.ResponseNewParams) ([]byte, error)

// Client implements backend.Adapter over the openai-go SDK.
type Client struct {
	cfg    Config
	creds  *credentials.Manager
	call   caller
	logger logging.Logger

	mu          sync.Mutex
	nextAllowed time.Time

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func New(cfg Config, creds *credentials.Manager) *Client {
	if strings.TrimSpace(cfg.APIKeyEnvVar) == "" {
		cfg.APIKeyEnvVar = "OPENAI_API_KEY"
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	c := &Client{
		cfg:    cfg,
		creds:  creds,
		logger: logging.NewLLMLogger("OpenAISDK"),
	}
	c.call = c.sendOnce
	return c
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Send(ctx context.Context, req backend.Request) (string, error) {
	req.WorkingDir = ""
	return c.run(ctx, req)
}

func (c *Client) Generate(ctx context.Context, req backend.Request) (string, error) {
	return c.run(ctx, req)
}

// CancelActive aborts the in-flight request, if any.
func (c *Client) CancelActive() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancelled = true
		c.cancel()
	}
}

func (c *Client) run(ctx context.Context, req backend.Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelled = false
	c.cancelMu.Unlock()
	defer func() {
		cancel()
		c.cancelMu.Lock()
		c.cancel = nil
		c.cancelMu.Unlock()
	}()

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	params := responses.ResponseNewParams{
		Input: responses.ResponseNewParamsInputUnion{OfString: param.NewOpt(req.Prompt)},
	}
	if model != "" {
		params.Model = model
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.waitTurn(ctx); err != nil {
			return "", err
		}
		key := backend.ResolveCredential(c.creds, c.cfg.APIKeyEnvVar)

		c.logger.Info("agent=%s model=%s attempt=%d prompt_len=%d",
			req.AgentName, model, attempt+1, len(req.Prompt))

		raw, err := c.call(ctx, key, params)
		if err == nil {
			text, perr := extractOutputText(raw)
			if perr != nil {
				lastErr = sharederrors.Wrap(sharederrors.CodeStreamError, perr, "malformed response body")
				continue
			}
			if strings.TrimSpace(text) == "" {
				return "", sharederrors.New(sharederrors.CodeEmptyResponse, "model returned no output text")
			}
			return strings.TrimSpace(text), nil
		}

		if ctx.Err() != nil {
			c.cancelMu.Lock()
			cancelled := c.cancelled
			c.cancelMu.Unlock()
			if cancelled {
				return "", sharederrors.New(sharederrors.CodeUnknown, "request cancelled")
			}
			return "", ctx.Err()
		}

		classified := sharederrors.Wrap(sharederrors.Classify(err.Error()), err, "responses api call failed")
		switch classified.Code {
		case sharederrors.CodeQuotaExceeded:
			return "", backend.RotateOnQuota(c.creds, key, classified)
		case sharederrors.CodeUnauthorized:
			return "", classified
		case sharederrors.CodeRateLimit:
			delay := parseRetryAfter(err.Error())
			if delay <= 0 {
				delay = c.cfg.MinInterval * 2
			}
			c.deferNext(delay)
			lastErr = classified
		default:
			lastErr = classified
		}
	}
	if lastErr == nil {
		lastErr = sharederrors.New(sharederrors.CodeUnknown, "responses api retries exhausted")
	}
	return "", lastErr
}

// waitTurn blocks until the throttle window opens, then claims the next slot.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	wait := c.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.nextAllowed = now.Add(wait + c.cfg.MinInterval)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deferNext pushes the throttle window out past the server-requested delay.
func (c *Client) deferNext(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := time.Now().Add(delay)
	if candidate.After(c.nextAllowed) {
		c.nextAllowed = candidate
	}
}

func (c *Client) sendOnce(ctx context.Context, key string, params responses.ResponseNewParams) ([]byte, error) {
	opts := []option.RequestOption{}
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	service := responses.NewResponseService(opts...)

	var rawBody []byte
	_, err := service.New(ctx, params, option.WithResponseBodyInto(&rawBody))
	if err != nil {
		return nil, err
	}
	if len(rawBody) == 0 {
		return nil, fmt.Errorf("responses api returned empty body")
	}
	return rawBody, nil
}

type responseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseItem struct {
	Type    string                `json:"type"`
	Content []responseContentPart `json:"content"`
}

type responsePayload struct {
	Output []responseItem `json:"output"`
}

func extractOutputText(raw []byte) (string, error) {
	var decoded responsePayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, item := range decoded.Output {
		if item.Type != "message" && item.Type != "" {
			continue
		}
		for _, part := range item.Content {
			if part.Type != "output_text" || strings.TrimSpace(part.Text) == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry\s+after\s+(\d+(?:\.\d+)?)\s*s`),
	regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+(?:\.\d+)?)\s*s`),
	regexp.MustCompile(`(?i)retry-after:\s*(\d+)`),
}

// parseRetryAfter extracts a server-suggested delay from an error message.
// Returns 0 when no hint is present.
func parseRetryAfter(message string) time.Duration {
	for _, re := range retryAfterPatterns {
		m := re.FindStringSubmatch(message)
		if len(m) < 2 {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil || secs <= 0 {
			continue
		}
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
