// Package anthropic is the streaming client for the Anthropic Messages
// API. One request may be in flight at a time; a second Send fails
// synchronously. The worker goroutine owns the transfer, and every
// callback — stream deltas and the final completion or error — is posted
// to the owning run loop, never invoked from the worker.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mixpilot/internal/conversation"
	"mixpilot/internal/runloop"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	messagesPath   = "/v1/messages"
	apiVersion     = "2023-06-01"

	// streamSentinel terminates the event stream and carries no payload.
	streamSentinel = "[DONE]"
	// deltaType is the discriminator of fragments that carry text.
	deltaType = "content_block_delta"
)

// Options tunes the client. Zero values fall back to the defaults below.
type Options struct {
	BaseURL        string
	Model          string
	MaxTokens      int
	Stream         bool
	RequestTimeout time.Duration // non-streaming wall clock
	ConnectTimeout time.Duration
	StallGrace     time.Duration // streaming: max silence between chunks
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Model == "" {
		o.Model = "claude-sonnet-4-20250514"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2048
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.StallGrace <= 0 {
		o.StallGrace = 30 * time.Second
	}
	return o
}

// Client sends Messages API requests. Send/Cancel/Busy are called from
// the owning goroutine; the worker and its watchdog are internal.
type Client struct {
	apiKey string
	opts   Options
	loop   *runloop.Loop
	logger *log.Logger

	httpClient   *http.Client // non-streaming, hard timeout
	streamClient *http.Client // streaming, watchdog instead

	busy       atomic.Bool
	cancelled  atomic.Bool
	workerDone chan struct{}

	stream streamState
}

// streamState is reset per request. The worker appends under mu; the
// drain task on the run loop consumes.
type streamState struct {
	mu             sync.Mutex
	pending        strings.Builder
	drainScheduled bool

	// worker-local; no lock needed
	accumulated strings.Builder
	lineBuf     []byte
	raw         bytes.Buffer
	lastChunk   atomic.Int64 // unix nanos of last received byte
}

// NewClient returns a client delivering callbacks on loop.
func NewClient(apiKey string, opts Options, loop *runloop.Loop, logger *log.Logger) *Client {
	opts = opts.withDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: opts.RequestTimeout,
	}
	return &Client{
		apiKey:       apiKey,
		opts:         opts,
		loop:         loop,
		logger:       logger,
		httpClient:   &http.Client{Transport: transport, Timeout: opts.RequestTimeout},
		streamClient: &http.Client{Transport: transport},
	}
}

// HasKey reports whether an API key was configured.
func (c *Client) HasKey() bool {
	return c.apiKey != ""
}

// Busy reports whether a request is in flight.
func (c *Client) Busy() bool {
	return c.busy.Load()
}

// Cancel requests cooperative cancellation of the in-flight transfer.
// The worker observes the flag between chunks; the result is always
// delivered as a cancelled TransportError, never as success.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
}

// Send starts one request. It fails synchronously with ErrBusy while a
// request is in flight; otherwise it joins the previous worker, resets
// stream state and starts a new one. onComplete or onError fires exactly
// once, on the run loop. onDelta is optional and only used when the
// client streams.
func (c *Client) Send(systemPrompt string, turns []conversation.Turn, onComplete func(string), onError func(error), onDelta func(string)) error {
	if c.busy.Load() {
		return ErrBusy
	}

	if c.workerDone != nil {
		<-c.workerDone
	}

	body, err := json.Marshal(payload{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Stream:    c.opts.Stream,
		System:    systemPrompt,
		Messages:  turns,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.stream.mu.Lock()
	c.stream.pending.Reset()
	c.stream.drainScheduled = false
	c.stream.mu.Unlock()
	c.stream.accumulated.Reset()
	c.stream.lineBuf = c.stream.lineBuf[:0]
	c.stream.raw.Reset()
	c.stream.lastChunk.Store(time.Now().UnixNano())

	c.cancelled.Store(false)
	c.busy.Store(true)
	done := make(chan struct{})
	c.workerDone = done

	go func() {
		defer close(done)
		text, err := c.doRequest(body, onDelta)
		c.busy.Store(false)
		c.loop.Post(func() {
			c.drainPending(onDelta)
			if err != nil {
				onError(err)
			} else {
				onComplete(text)
			}
		})
	}()
	return nil
}

// payload is the Messages API request body. encoding/json provides the
// required string escaping (quotes, backslashes, control characters).
type payload struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream,omitempty"`
	System    string              `json:"system"`
	Messages  []conversation.Turn `json:"messages"`
}

// doRequest runs on the worker goroutine.
func (c *Client) doRequest(body []byte, onDelta func(string)) (string, error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// The watchdog turns the cooperative cancel flag and streaming
	// stalls into a context cancellation, which unblocks any Read.
	stalled := make(chan struct{})
	watchdogStop := make(chan struct{})
	defer close(watchdogStop)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.cancelled.Load() {
					cancelCtx()
					return
				}
				if c.opts.Stream {
					last := time.Unix(0, c.stream.lastChunk.Load())
					if time.Since(last) > c.opts.StallGrace {
						close(stalled)
						cancelCtx()
						return
					}
				}
			case <-watchdogStop:
				return
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")

	client := c.httpClient
	if c.opts.Stream {
		client = c.streamClient
		req.Header.Set("accept", "text/event-stream")
	}

	c.logger.Printf("[anthropic] sending %d bytes to %s (stream=%v)", len(body), c.opts.Model, c.opts.Stream)

	resp, err := client.Do(req)
	if err != nil {
		return "", c.transferError(err, stalled)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if c.cancelled.Load() {
			return "", &TransportError{Cancelled: true}
		}
		return "", &ProtocolError{Status: resp.StatusCode, Message: findJSONString(string(raw), "message")}
	}

	if c.opts.Stream {
		return c.readStream(resp.Body, onDelta, stalled)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", c.transferError(err, stalled)
	}
	if c.cancelled.Load() {
		return "", &TransportError{Cancelled: true}
	}
	// The response nests the text inside a content array:
	// {"content":[{"type":"text","text":"..."}]}
	text := findJSONString(string(raw), "text")
	if text == "" {
		return "", &ParseError{Detail: "no text in response"}
	}
	return text, nil
}

// readStream consumes the SSE body chunk by chunk, observing the cancel
// flag between reads.
func (c *Client) readStream(body io.Reader, onDelta func(string), stalled chan struct{}) (string, error) {
	buf := make([]byte, 4096)
	for {
		if c.cancelled.Load() {
			return "", &TransportError{Cancelled: true}
		}
		n, err := body.Read(buf)
		if n > 0 {
			c.stream.lastChunk.Store(time.Now().UnixNano())
			c.stream.raw.Write(buf[:n])
			c.feed(buf[:n], onDelta)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", c.transferError(err, stalled)
		}
	}
	if c.cancelled.Load() {
		return "", &TransportError{Cancelled: true}
	}
	text := c.stream.accumulated.String()
	if text == "" {
		return "", &ParseError{Detail: "empty stream"}
	}
	return text, nil
}

// feed appends chunk to the line buffer and processes every completed
// line. Chunk boundaries carry no meaning: the result is identical no
// matter how the byte stream is split.
func (c *Client) feed(chunk []byte, onDelta func(string)) {
	c.stream.lineBuf = append(c.stream.lineBuf, chunk...)
	for {
		nl := bytes.IndexByte(c.stream.lineBuf, '\n')
		if nl < 0 {
			return
		}
		line := string(c.stream.lineBuf[:nl])
		c.stream.lineBuf = c.stream.lineBuf[nl+1:]
		line = strings.TrimSuffix(line, "\r")
		c.handleLine(line, onDelta)
	}
}

func (c *Client) handleLine(line string, onDelta func(string)) {
	const dataPrefix = "data:"
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	frag := strings.TrimSpace(line[len(dataPrefix):])
	if frag == "" || frag == streamSentinel {
		return
	}
	if findJSONString(frag, "type") != deltaType {
		return
	}
	// {"type":"content_block_delta","delta":{"type":"text_delta","text":"..."}}
	// The first "text" match inside the fragment is the delta payload.
	text := findJSONString(frag, "text")
	if text == "" {
		return
	}

	c.stream.accumulated.WriteString(text)

	c.stream.mu.Lock()
	c.stream.pending.WriteString(text)
	schedule := !c.stream.drainScheduled && onDelta != nil
	if schedule {
		c.stream.drainScheduled = true
	}
	c.stream.mu.Unlock()

	if schedule {
		c.loop.Post(func() { c.drainPending(onDelta) })
	}
}

// drainPending runs on the run loop and hands accumulated delta text to
// the caller in one piece.
func (c *Client) drainPending(onDelta func(string)) {
	c.stream.mu.Lock()
	text := c.stream.pending.String()
	c.stream.pending.Reset()
	c.stream.drainScheduled = false
	c.stream.mu.Unlock()

	if text == "" || onDelta == nil || c.cancelled.Load() {
		return
	}
	onDelta(text)
}

func (c *Client) transferError(err error, stalled chan struct{}) error {
	if c.cancelled.Load() {
		return &TransportError{Cancelled: true}
	}
	select {
	case <-stalled:
		return &TransportError{Err: fmt.Errorf("stream stalled for %s: %w", c.opts.StallGrace, err)}
	default:
	}
	return &TransportError{Err: err}
}
