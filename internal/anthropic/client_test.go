package anthropic

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mixpilot/internal/conversation"
	"mixpilot/internal/runloop"
)

type result struct {
	text string
	err  error
}

func startLoop(t *testing.T) *runloop.Loop {
	t.Helper()
	loop := runloop.New()
	go loop.Run()
	t.Cleanup(loop.Close)
	return loop
}

func send(t *testing.T, c *Client, onDelta func(string)) chan result {
	t.Helper()
	results := make(chan result, 1)
	err := c.Send("sys", []conversation.Turn{{Role: conversation.RoleUser, Content: "hi"}},
		func(text string) { results <- result{text: text} },
		func(err error) { results <- result{err: err} },
		onDelta)
	if err != nil {
		t.Fatalf("Send failed synchronously: %v", err)
	}
	return results
}

func waitResult(t *testing.T, results chan result) result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return result{}
	}
}

func TestSendNonStreaming(t *testing.T) {
	var gotVersion, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"messages"`) {
			t.Errorf("request body missing messages: %s", body)
		}
		if strings.Contains(string(body), `"stream"`) {
			t.Errorf("non-streaming request carried a stream field: %s", body)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"set_gain(\"bass\", -3.0)"}]}`)
	}))
	defer srv.Close()

	loop := startLoop(t)
	c := NewClient("test-key", Options{BaseURL: srv.URL}, loop, nil)

	r := waitResult(t, send(t, c, nil))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.text != `set_gain("bass", -3.0)` {
		t.Fatalf("text = %q", r.text)
	}
	if gotVersion != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", gotVersion)
	}
	if gotKey != "test-key" {
		t.Fatalf("x-api-key = %q", gotKey)
	}
	if c.Busy() {
		t.Fatal("client still busy after completion")
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"Number of requests exceeded"}}`)
	}))
	defer srv.Close()

	loop := startLoop(t)
	c := NewClient("k", Options{BaseURL: srv.URL}, loop, nil)

	r := waitResult(t, send(t, c, nil))
	var pe *ProtocolError
	if !errors.As(r.err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", r.err)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d", pe.Status)
	}
	if pe.Message != "Number of requests exceeded" {
		t.Fatalf("message = %q", pe.Message)
	}
}

func TestSendUnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[]}`)
	}))
	defer srv.Close()

	loop := startLoop(t)
	c := NewClient("k", Options{BaseURL: srv.URL}, loop, nil)

	r := waitResult(t, send(t, c, nil))
	var pe *ParseError
	if !errors.As(r.err, &pe) {
		t.Fatalf("error = %v, want ParseError", r.err)
	}
}

func TestSendRejectsConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `{"content":[{"type":"text","text":"done"}]}`)
	}))
	defer srv.Close()
	defer close(release)

	loop := startLoop(t)
	c := NewClient("k", Options{BaseURL: srv.URL}, loop, nil)

	results := send(t, c, nil)

	// Wait for the worker to flip the busy flag.
	deadline := time.Now().Add(5 * time.Second)
	for !c.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	err := c.Send("sys", nil, func(string) {}, func(error) {}, nil)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Send returned %v, want ErrBusy", err)
	}

	release <- struct{}{}
	if r := waitResult(t, results); r.err != nil {
		t.Fatalf("first request failed: %v", r.err)
	}
}

func TestSendStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		lines := []string{
			`event: message_start`,
			`data: {"type":"message_start"}`,
			``,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Setting the "}}`,
			``,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"bass gain."}}`,
			``,
			`data: [DONE]`,
			``,
		}
		for _, line := range lines {
			fmt.Fprint(w, line+"\n")
			f.Flush()
		}
	}))
	defer srv.Close()

	loop := startLoop(t)
	c := NewClient("k", Options{BaseURL: srv.URL, Stream: true}, loop, nil)

	var mu sync.Mutex
	var streamed strings.Builder
	results := send(t, c, func(delta string) {
		mu.Lock()
		streamed.WriteString(delta)
		mu.Unlock()
	})

	r := waitResult(t, results)
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.text != "Setting the bass gain." {
		t.Fatalf("accumulated = %q", r.text)
	}

	// Every delta drains before completion is delivered.
	mu.Lock()
	defer mu.Unlock()
	if streamed.String() != r.text {
		t.Fatalf("streamed %q, completed %q", streamed.String(), r.text)
	}
}

func TestStreamParsingIgnoresChunkBoundaries(t *testing.T) {
	raw := "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"one \"}}\n" +
		"data: {\"type\":\"other_event\",\"text\":\"skipped\"}\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"two \"}}\r\n" +
		"data: [DONE]\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"te" // truncated line, never completed

	loop := startLoop(t)

	for _, size := range []int{1, 2, 3, 7, 64, len(raw)} {
		c := NewClient("k", Options{Stream: true}, loop, nil)
		for i := 0; i < len(raw); i += size {
			end := i + size
			if end > len(raw) {
				end = len(raw)
			}
			c.feed([]byte(raw[i:end]), nil)
		}
		if got := c.stream.accumulated.String(); got != "one two " {
			t.Fatalf("chunk size %d: accumulated %q", size, got)
		}
	}
}

func TestCancelDeliversCancelledError(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"partial\"}}\n")
		f.Flush()
		close(started)
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	loop := startLoop(t)
	c := NewClient("k", Options{BaseURL: srv.URL, Stream: true, StallGrace: time.Minute}, loop, nil)

	completed := false
	results := make(chan result, 1)
	err := c.Send("sys", nil,
		func(text string) { completed = true; results <- result{text: text} },
		func(err error) { results <- result{err: err} },
		nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	<-started
	c.Cancel()

	r := waitResult(t, results)
	if completed {
		t.Fatal("cancelled request reported success")
	}
	if !IsCancelled(r.err) {
		t.Fatalf("error = %v, want cancelled TransportError", r.err)
	}
}
