// Package sfx calls the text-to-sound-effect generation API.
package sfx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

const (
	defaultDuration        = 4.0
	defaultPromptInfluence = 0.3
	defaultTimeout         = 45 * time.Second
	maxAudioBytes          = 16 << 20
	breakerName            = "sfx-api"
)

type Options struct {
	Endpoint        string
	APIKey          string
	DurationSecs    float64
	PromptInfluence float64
	Timeout         time.Duration
	HTTP            *http.Client
	// OnStateChange is told about breaker transitions, e.g. for metrics.
	OnStateChange func(name, from, to string)
}

type Client struct {
	opts Options
	cb   *gobreaker.CircuitBreaker[[]byte]
}

type generateRequest struct {
	Text            string  `json:"text"`
	DurationSeconds float64 `json:"duration_seconds"`
	PromptInfluence float64 `json:"prompt_influence"`
}

func NewClient(opts Options) *Client {
	if opts.DurationSecs <= 0 {
		opts.DurationSecs = defaultDuration
	}
	if opts.PromptInfluence <= 0 {
		opts.PromptInfluence = defaultPromptInfluence
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	c := &Client{opts: opts}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("sfx: circuit state change")
			if opts.OnStateChange != nil {
				opts.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	return c
}

// Generate returns the audio for text. Every failure, including a timeout or
// an open circuit, wraps core.ErrExternalService.
func (c *Client) Generate(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	audio, err := c.cb.Execute(func() ([]byte, error) {
		return c.generate(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", core.ErrExternalService, err)
		}
		return nil, err
	}
	return audio, nil
}

func (c *Client) generate(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(generateRequest{
		Text:            text,
		DurationSeconds: c.opts.DurationSecs,
		PromptInfluence: c.opts.PromptInfluence,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Xi-Api-Key", c.opts.APIKey)

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sound generation: %v", core.ErrExternalService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: sound generation status %d: %s", core.ErrExternalService, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", core.ErrExternalService, err)
	}
	if len(audio) == 0 || len(audio) > maxAudioBytes {
		return nil, fmt.Errorf("%w: audio size %d", core.ErrExternalService, len(audio))
	}
	return audio, nil
}

func (c *Client) State() string {
	return c.cb.State().String()
}
