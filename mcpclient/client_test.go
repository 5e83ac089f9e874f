package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/2b3pro/watson-mcp-router/childtransport"
)

// fakeChild wires a childtransport.Transport to an in-memory loopback so
// tests can script JSON-RPC responses without spawning a process.
type fakeChild struct {
	transport *childtransport.Transport
	inbound   *io.PipeWriter // write server->client messages here
	scanner   *bufio.Scanner
	outR      *io.PipeReader
}

func newFakeChild(t *testing.T) (*Client, *fakeChild) {
	t.Helper()

	serverToClientR, serverToClientW := io.Pipe()
	clientToServerR, clientToServerW := io.Pipe()

	tr := childtransport.New(serverToClientR, clientToServerW, serverToClientR)
	client := New("fake", tr)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	fc := &fakeChild{
		transport: tr,
		inbound:   serverToClientW,
		scanner:   bufio.NewScanner(clientToServerR),
		outR:      clientToServerR,
	}
	return client, fc
}

// nextRequest reads the next line the client sent and decodes it.
func (f *fakeChild) nextRequest(t *testing.T) map[string]any {
	t.Helper()
	if !f.scanner.Scan() {
		t.Fatalf("no request available: %v", f.scanner.Err())
	}
	var req map[string]any
	if err := json.Unmarshal(f.scanner.Bytes(), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func (f *fakeChild) reply(id any, result any) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
	b, _ := json.Marshal(resp)
	f.inbound.Write(append(b, '\n'))
}

func (f *fakeChild) replyError(id any, code int, message string) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}}
	b, _ := json.Marshal(resp)
	f.inbound.Write(append(b, '\n'))
}

func TestInitializeAndListTools(t *testing.T) {
	client, fc := newFakeChild(t)

	go func() {
		req := fc.nextRequest(t)
		fc.reply(req["id"], map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"serverInfo":      map[string]any{"name": "child", "version": "0.1"},
		})
		// drain the best-effort initialized notification (no id, no reply expected)
		fc.scanner.Scan()
	}()

	res, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ServerInfo.Name != "child" {
		t.Errorf("unexpected server info: %+v", res.ServerInfo)
	}

	go func() {
		req := fc.nextRequest(t)
		fc.reply(req["id"], map[string]any{
			"tools": []map[string]any{
				{"name": "get_forecast", "description": "x", "inputSchema": map[string]any{"type": "object"}},
			},
		})
	}()

	tools := client.ListTools(context.Background())
	if len(tools) != 1 || tools[0].Name != "get_forecast" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestPartialDiscoveryToleratesListErrors(t *testing.T) {
	client, fc := newFakeChild(t)

	go func() {
		req := fc.nextRequest(t)
		fc.replyError(req["id"], -32000, "resources unavailable")
	}()

	resources := client.ListResources(context.Background())
	if resources != nil {
		t.Fatalf("expected nil resources on list error, got %+v", resources)
	}
}

func TestMissingListFieldTreatedAsEmpty(t *testing.T) {
	client, fc := newFakeChild(t)

	go func() {
		req := fc.nextRequest(t)
		fc.reply(req["id"], map[string]any{}) // no "prompts" key at all
	}()

	prompts := client.ListPrompts(context.Background())
	if len(prompts) != 0 {
		t.Fatalf("expected empty prompt list, got %+v", prompts)
	}
}

func TestConcurrentCallsCorrelateIndependently(t *testing.T) {
	client, fc := newFakeChild(t)

	const n = 20
	var wg sync.WaitGroup
	results := make([]map[string]any, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.CallTool(context.Background(), fmt.Sprintf("tool-%d", i), nil)
			results[i] = res
			errs[i] = err
		}(i)
	}

	// Reply to all n requests in a scrambled order (reverse of send order
	// isn't guaranteed either, but it's distinctly non-FIFO).
	reqs := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		reqs[i] = fc.nextRequest(t)
	}
	for i := n - 1; i >= 0; i-- {
		req := reqs[i]
		params := req["params"].(map[string]any)
		fc.reply(req["id"], map[string]any{"content": []map[string]any{{"type": "text", "text": params["name"]}}})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for concurrent calls")
	}

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		content := results[i]["content"].([]any)
		first := content[0].(map[string]any)
		want := fmt.Sprintf("tool-%d", i)
		if first["text"] != want {
			t.Errorf("call %d: got response for %q, want %q", i, first["text"], want)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	client, _ := newFakeChild(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.CallTool(ctx, "slow", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
