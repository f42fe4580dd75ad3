package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/flow"
	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/messaging"
)

// stubClient implements messaging.Client with overridable failures.
type stubClient struct {
	dispatchErr error
	fetchErr    error
	stored      []messaging.StoredMessage
}

func (f *stubClient) Pack(_ context.Context, msg messaging.Message, _, _, _ string) ([]byte, error) {
	return json.Marshal(map[string]string{"ciphertext": "opaque-" + msg.ID})
}

func (f *stubClient) WrapForward(_ context.Context, _ string, packed []byte, _, _ string) (string, []byte, error) {
	wrapped, _ := json.Marshal(map[string]any{"forward": json.RawMessage(packed)})
	return "fwd-1", wrapped, nil
}

func (f *stubClient) Dispatch(_ context.Context, _ string, _ []byte, msgID string) (messaging.Ack, error) {
	if f.dispatchErr != nil {
		return messaging.Ack{}, f.dispatchErr
	}
	return messaging.Ack{MessageID: msgID, MessageHash: "hash", Status: "stored"}, nil
}

func (f *stubClient) AwaitNext(_ context.Context, _, hint string, _ time.Duration) (*messaging.Message, error) {
	return &messaging.Message{ID: "pong-1", Type: messaging.TypeTrustPong, ThreadID: hint}, nil
}

func (f *stubClient) SendPing(_ context.Context, _, _ string) (messaging.Ack, error) {
	return messaging.Ack{MessageID: "ping-1", MessageHash: "deadbeef"}, nil
}

func (f *stubClient) FetchStored(_ context.Context, _ string, _ int) ([]messaging.StoredMessage, error) {
	return f.stored, f.fetchErr
}

var _ messaging.Client = (*stubClient)(nil)

func testKey(fill byte) string {
	return base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
}

func testRegistry(t *testing.T) *identity.Registry {
	t.Helper()
	reg, err := identity.NewRegistry(
		identity.Mediator{DID: "did:peer:mediator", URL: "https://mediator.local"},
		map[string]identity.Profile{
			"Alice": {DID: "did:peer:alice", Keys: identity.Keys{X25519Secret: testKey(1), Ed25519Seed: testKey(2)}},
			"Bob":   {DID: "did:peer:bob", Keys: identity.Keys{X25519Secret: testKey(3), Ed25519Seed: testKey(4)}},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestServer(t *testing.T, client messaging.Client, opts ...func(*ServerConfig)) (*httptest.Server, *bus.MemBus) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { b.Close() })

	reg := testRegistry(t)
	cfg := ServerConfig{
		Flows: flow.New(flow.Config{
			Bus:           b,
			Client:        client,
			Identities:    reg,
			PickupTimeout: 50 * time.Millisecond,
		}),
		Identities: reg,
		Client:     client,
		Bus:        b,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ts := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestIdentities(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp, err := http.Get(ts.URL + "/api/identities")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	for _, alias := range []string{"alice", "bob"} {
		info, ok := body[alias].(map[string]any)
		if !ok {
			t.Fatalf("missing identity %q in %v", alias, body)
		}
		if info["did"] == "" {
			t.Errorf("%s has empty did", alias)
		}
		if kt, ok := info["key_types"].([]any); !ok || len(kt) == 0 {
			t.Errorf("%s missing key_types", alias)
		}
	}
}

func TestSendMessage(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp := postJSON(t, ts.URL+"/api/messages/send", map[string]string{
		"from": "alice", "to": "bob", "body": "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "delivered" {
		t.Errorf("status = %v", body["status"])
	}
	if body["events_count"] != float64(6) {
		t.Errorf("events_count = %v, want 6", body["events_count"])
	}
	if body["correlation_id"] == "" || body["correlation_id"] == nil {
		t.Error("missing correlation_id")
	}
}

func TestSendMessage_ValidationErrorIs400(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp := postJSON(t, ts.URL+"/api/messages/send", map[string]string{
		"from": "alice", "to": "bob", "body": "   ",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] == nil {
		t.Error("missing error field")
	}
	if _, present := body["step"]; present {
		t.Errorf("validation error carries step: %v", body)
	}
}

func TestSendMessage_CollaboratorErrorIs502WithStep(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{dispatchErr: errors.New("mediator unreachable")})
	resp := postJSON(t, ts.URL+"/api/messages/send", map[string]string{
		"from": "alice", "to": "bob", "body": "hello",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["step"] != "send_message" {
		t.Errorf("step = %v", body["step"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "mediator unreachable") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestSendMessage_MalformedJSON(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp, err := http.Post(ts.URL+"/api/messages/send", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPing(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp := postJSON(t, ts.URL+"/api/ping", map[string]string{
		"from": "alice", "to": "bob",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "pong_received" {
		t.Errorf("status = %v", body["status"])
	}
	if body["events_count"] != float64(3) {
		t.Errorf("events_count = %v, want 3", body["events_count"])
	}
}

func TestFetchMessages(t *testing.T) {
	client := &stubClient{stored: []messaging.StoredMessage{
		{MsgID: "m1", Msg: json.RawMessage(`{"a":1}`)},
	}}
	ts, _ := newTestServer(t, client)

	resp, err := http.Get(ts.URL + "/api/messages/Alice")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v", body["messages"])
	}
}

func TestFetchMessages_UnknownAlias(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{})
	resp, err := http.Get(ts.URL + "/api/messages/carol")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFetchMessages_MediatorErrorIs502(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{fetchErr: errors.New("boom")})
	resp, err := http.Get(ts.URL + "/api/messages/alice")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["step"] != "fetch_messages" {
		t.Errorf("step = %v", body["step"])
	}
}

func TestReset_PublishesBroadcast(t *testing.T) {
	ts, b := newTestServer(t, &stubClient{})
	sub := b.Subscribe()
	defer sub.Close()

	resp := postJSON(t, ts.URL+"/api/reset", nil)
	if body := decodeBody(t, resp); body["status"] != "reset" {
		t.Errorf("body = %v", body)
	}

	select {
	case e := <-sub.Events():
		if e.From != "system" || e.To != "all" {
			t.Errorf("reset event = %+v", e)
		}
		if e.CorrelationID != "" {
			t.Error("reset event has a correlation ID")
		}
	case <-time.After(time.Second):
		t.Fatal("no reset event on the bus")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &stubClient{}, func(cfg *ServerConfig) {
		cfg.CORSOrigin = "https://demo.local"
	})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/identities", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://demo.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>demo</html>"), 0o600); err != nil {
		t.Fatal(err)
	}

	ts, _ := newTestServer(t, &stubClient{}, func(cfg *ServerConfig) {
		cfg.StaticDir = dir
	})

	// A client-side route falls back to index.html.
	resp, err := http.Get(ts.URL + "/conversations/42")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "demo") {
		t.Errorf("body = %q, want index.html content", buf.String())
	}

	// Unknown API paths stay 404 instead of serving the frontend.
	resp404, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp404.Body.Close()
	if resp404.StatusCode != http.StatusNotFound {
		t.Errorf("api fallthrough status = %d, want 404", resp404.StatusCode)
	}
}
