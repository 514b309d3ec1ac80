package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	dataPrefix    = "data: "
	doneSentinel  = "[DONE]"
	maxErrorBody  = 4096
	defaultTitle  = "chatrelay"
	completionsEP = "/chat/completions"
)

// ClientConfig configures the upstream client. Every value is injected at
// construction; the client reads no process-wide state.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Referer string
	Title   string
	// Timeout bounds connecting, waiting for response headers and each wait
	// for the next stream line. It does not cap the length of a stream.
	Timeout time.Duration
	// RPS limits upstream requests per second across all turns; zero disables it.
	RPS   float64
	Burst int

	HTTPClient *http.Client
}

// Client is the OpenAI-compatible streaming client (OpenRouter by default).
type Client struct {
	baseURL    string
	apiKey     string
	referer    string
	title      string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new upstream client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(newTransport(cfg.Timeout))}
	}
	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		referer:    cfg.Referer,
		title:      title,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		t.ResponseHeaderTimeout = timeout
		t.TLSHandshakeTimeout = timeout
	}
	return t
}

// StreamChatCompletion prepares a streaming chat completion request.
// The request is sent on the first Recv of the returned stream.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (ChatStream, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return &stream{ctx: ctx, client: c, body: body}, nil
}

// send issues the POST and checks the status. The caller owns the response body.
func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsEP, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			statusErr.API = errResp.Error
		}
		return nil, statusErr
	}

	return resp, nil
}

// setHeaders sets common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	req.Header.Set("X-Title", c.title)
}

// stream is the lazy ChatStream returned by Client.
type stream struct {
	ctx    context.Context
	client *Client
	body   []byte

	resp   *http.Response
	reader *bufio.Reader
	eof    bool
	err    error

	// readCtx carries the request; idle cancels it with ErrIdleTimeout when
	// no line arrives within client.timeout.
	readCtx context.Context
	cancel  context.CancelCauseFunc
	idle    *time.Timer

	closeOnce sync.Once
}

// Recv returns the next fragment, opening the connection on first use.
func (s *stream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	if s.reader == nil {
		if err := s.open(); err != nil {
			return "", s.finish(err)
		}
	}

	for {
		if s.eof {
			// Body ended without a sentinel; treat it as a normal end.
			return "", s.finish(io.EOF)
		}

		s.armIdle()
		line, err := s.reader.ReadString('\n')
		s.disarmIdle()
		if err != nil {
			if err != io.EOF {
				if cause := context.Cause(s.readCtx); errors.Is(cause, ErrIdleTimeout) {
					return "", s.finish(cause)
				}
				return "", s.finish(fmt.Errorf("failed to read stream: %w", err))
			}
			s.eof = true
		}

		fragment, done, frameErr := parseLine(line)
		switch {
		case frameErr != nil:
			return "", s.finish(frameErr)
		case done:
			return "", s.finish(io.EOF)
		case fragment != "":
			return fragment, nil
		}
	}
}

func (s *stream) open() error {
	s.readCtx, s.cancel = context.WithCancelCause(s.ctx)
	resp, err := s.client.send(s.readCtx, s.body)
	if err != nil {
		return err
	}
	s.resp = resp
	s.reader = bufio.NewReader(resp.Body)

	if timeout := s.client.timeout; timeout > 0 {
		s.idle = time.AfterFunc(timeout, func() {
			s.cancel(fmt.Errorf("%w: no data for %s", ErrIdleTimeout, timeout))
		})
		s.idle.Stop()
	}
	return nil
}

// armIdle starts the idle deadline for one line read. Time spent by the
// caller between Recv calls is not counted.
func (s *stream) armIdle() {
	if s.idle != nil {
		s.idle.Reset(s.client.timeout)
	}
}

func (s *stream) disarmIdle() {
	if s.idle != nil {
		s.idle.Stop()
	}
}

// finish records the terminal result and releases the connection.
func (s *stream) finish(err error) error {
	s.err = err
	s.Close()
	return err
}

// Close releases the upstream connection.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.idle != nil {
			s.idle.Stop()
		}
		if s.resp != nil {
			err = s.resp.Body.Close()
		}
		if s.cancel != nil {
			s.cancel(nil)
		}
	})
	return err
}

// parseLine decodes one event-stream line. Blank lines, non-data lines and
// malformed JSON payloads yield nothing.
func parseLine(line string) (fragment string, done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false, nil
	}

	data := strings.TrimPrefix(line, dataPrefix)
	if data == doneSentinel {
		return "", true, nil
	}

	var chunk StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		// Skip malformed chunks
		return "", false, nil
	}
	if chunk.Error != nil {
		return "", false, chunk.Error
	}
	if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
		return chunk.Choices[0].Delta.Content, false, nil
	}
	return "", false, nil
}
