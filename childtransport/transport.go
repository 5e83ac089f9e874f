// Package childtransport implements the newline-delimited JSON-RPC 2.0
// framing used to talk to a child MCP server over its stdio pipes.
//
// It owns no process lifecycle; it is handed an io.Reader (the child's
// stdout) and an io.Writer (the child's stdin) and turns them into a
// stream of decoded JSON-RPC messages in one direction and framed writes
// in the other.
package childtransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Message is a single decoded JSON-RPC object received from the child.
type Message map[string]any

// Transport reads and writes newline-delimited JSON-RPC messages.
//
// Messages are separated by a single line feed. There is no length
// prefix; the transport buffers partial reads internally and only
// surfaces a message once a full line has been seen.
type Transport struct {
	r io.Reader
	w io.Writer

	mu      sync.Mutex // guards writes to w
	onMsg   func(Message)
	onClose func()
	onError func(error)

	closeOnce sync.Once
	closer    io.Closer // optional: closes the reader side
}

// New creates a Transport over the given reader/writer pair. closer, if
// non-nil, is invoked once by Close to release the underlying reader.
func New(r io.Reader, w io.Writer, closer io.Closer) *Transport {
	return &Transport{r: r, w: w, closer: closer}
}

// OnMessage registers the callback invoked for every successfully
// decoded inbound message.
func (t *Transport) OnMessage(f func(Message)) { t.onMsg = f }

// OnClose registers the callback invoked once Run returns, either because
// the inbound stream ended or because Run's context was cancelled.
func (t *Transport) OnClose(f func()) { t.onClose = f }

// OnError registers the callback invoked for inbound decode failures.
// A decode failure never terminates the transport; the next line is
// still processed.
func (t *Transport) OnError(f func(error)) { t.onError = f }

// Run pumps the inbound stream until it is exhausted or ctx is done. It
// is meant to run in its own goroutine; callers observe messages via
// OnMessage/OnClose/OnError, not via Run's return value.
func (t *Transport) Run(ctx context.Context) {
	defer func() {
		if t.onClose != nil {
			t.onClose()
		}
	}()

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lines := make(chan string)
	done := make(chan struct{})

	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			t.handleLine(line)
		}
	}
}

func (t *Transport) handleLine(line string) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 {
		return
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		if t.onError != nil {
			t.onError(fmt.Errorf("childtransport: decode line: %w", err))
		}
		return
	}

	coerceStructuredContentNull(msg)

	if t.onMsg != nil {
		t.onMsg(msg)
	}
}

// coerceStructuredContentNull rewrites result.structuredContent == nil
// to an empty object. Some child servers emit a literal JSON null there
// even though downstream schemas expect an object; the fix is scoped to
// this exact position so other nulls in the message are untouched.
func coerceStructuredContentNull(msg Message) {
	result, ok := msg["result"]
	if !ok {
		return
	}

	resultMap, ok := result.(map[string]any)
	if !ok {
		return
	}

	if sc, present := resultMap["structuredContent"]; present && sc == nil {
		resultMap["structuredContent"] = map[string]any{}
	}
}

// Send serializes msg, appends a newline, and writes it to the outbound
// stream. Concurrent Send calls are serialized so frames are never
// interleaved.
func (t *Transport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("childtransport: marshal message: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("childtransport: write message: %w", err)
	}
	return nil
}

// Close releases the reader side of the transport, if one was supplied.
// It is safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.closer != nil {
			err = t.closer.Close()
		}
	})
	return err
}
