package proxy

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hermesproj/hermes/internal/testupstream"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func upstreamFor(s *testupstream.Server) Upstream {
	return Upstream{ID: "p1", BaseURL: s.URL, Credential: "k"}
}

func TestDo_Success(t *testing.T) {
	up := testupstream.New("gpt-4o-mini")
	defer up.Close()
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up),
		[]byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`), false)

	if res.Class != ClassSuccess {
		t.Fatalf("class = %s, want success (%s)", res.Class, res.ErrMessage)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if !strings.Contains(string(res.Body), "chat.completion") {
		t.Fatalf("body not forwarded: %s", res.Body)
	}
	if res.Duration <= 0 {
		t.Fatal("duration not measured")
	}
}

func TestDo_ModelMissing(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.RespondWith(404, `{"error":{"message":"the model does not exist","code":"model_not_found"}}`)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{"model":"gpt-4"}`), false)
	if res.Class != ClassModelMissing {
		t.Fatalf("class = %s, want model_missing", res.Class)
	}
}

func TestDo_QuotaByStatus(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.RespondWith(429, `{"error":{"message":"slow down"}}`)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{}`), false)
	if res.Class != ClassQuota {
		t.Fatalf("class = %s, want quota", res.Class)
	}
}

func TestDo_QuotaByBodyMarker(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.RespondWith(403, `{"error":{"message":"insufficient_quota for this key"}}`)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{}`), false)
	if res.Class != ClassQuota {
		t.Fatalf("class = %s, want quota", res.Class)
	}
}

func TestDo_ProviderFault5xx(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.RespondWith(503, `{"error":{"message":"upstream down"}}`)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{}`), false)
	if res.Class != ClassProviderFault {
		t.Fatalf("class = %s, want provider_fault", res.Class)
	}
}

func TestDo_PlainClientError(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.RespondWith(400, `{"error":{"message":"messages must not be empty"}}`)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{}`), false)
	if res.Class != ClassClientError {
		t.Fatalf("class = %s, want client_error", res.Class)
	}
	if res.StatusCode != 400 {
		t.Fatalf("status = %d, want 400 (forwarded verbatim)", res.StatusCode)
	}
	if !strings.Contains(string(res.Body), "messages must not be empty") {
		t.Fatal("error body must be forwarded verbatim")
	}
}

func TestDo_TransportError(t *testing.T) {
	up := testupstream.New()
	url := up.URL
	up.Close()
	c := newTestClient(t)

	res := c.Do(context.Background(), Upstream{ID: "p1", BaseURL: url, Credential: "k"}, []byte(`{}`), false)
	if res.Class != ClassProviderFault {
		t.Fatalf("class = %s, want provider_fault", res.Class)
	}
}

func TestDo_CancelledClient(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.SetLatency(200 * time.Millisecond)
	c := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := c.Do(ctx, upstreamFor(up), []byte(`{}`), false)
	if res.Class != ClassCancelled {
		t.Fatalf("class = %s, want cancelled", res.Class)
	}
}

func TestDo_StreamingPassthrough(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	up.StreamChunks(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
	)
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{"stream":true}`), true)
	if res.Class != ClassSuccess {
		t.Fatalf("class = %s, want success (%s)", res.Class, res.ErrMessage)
	}
	if res.Stream == nil {
		t.Fatal("streaming success must carry an open stream")
	}
	defer res.Stream.Close()

	raw, err := io.ReadAll(res.Stream)
	if err != nil {
		t.Fatalf("drain stream: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, `"Hel"`) || !strings.Contains(body, "[DONE]") {
		t.Fatalf("stream bytes not passed through verbatim: %q", body)
	}
	if res.FirstByte <= 0 {
		t.Fatal("first-byte latency not measured")
	}
}

func TestDo_StreamNotRequestedBuffersBody(t *testing.T) {
	up := testupstream.New()
	defer up.Close()
	c := newTestClient(t)

	res := c.Do(context.Background(), upstreamFor(up), []byte(`{"model":"m"}`), false)
	if res.Stream != nil {
		t.Fatal("non-streaming request must not return an open stream")
	}
	if len(res.Body) == 0 {
		t.Fatal("buffered body expected")
	}
}

func TestProbe(t *testing.T) {
	up := testupstream.New("gpt-4o-mini")
	defer up.Close()
	c := newTestClient(t)

	if err := c.Probe(context.Background(), upstreamFor(up)); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	url := up.URL
	up.Close()
	if err := c.Probe(context.Background(), Upstream{ID: "p1", BaseURL: url}); err == nil {
		t.Fatal("probe against a dead upstream must fail")
	}
}

func TestClassRetryable(t *testing.T) {
	cases := []struct {
		class Class
		want  bool
	}{
		{ClassSuccess, false},
		{ClassModelMissing, true},
		{ClassQuota, true},
		{ClassProviderFault, true},
		{ClassClientError, false},
		{ClassCancelled, false},
	}
	for _, tc := range cases {
		if got := tc.class.Retryable(); got != tc.want {
			t.Errorf("%s.Retryable() = %v, want %v", tc.class, got, tc.want)
		}
	}
}

func TestClassQualifyingFailure(t *testing.T) {
	if ClassModelMissing.QualifyingFailure() {
		t.Error("model_missing must not trip the breaker")
	}
	if !ClassQuota.QualifyingFailure() || !ClassProviderFault.QualifyingFailure() {
		t.Error("quota and provider_fault are qualifying failures")
	}
}
