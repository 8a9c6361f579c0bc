package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newGatewayTestClient(server *httptest.Server, mutate ...func(*HTTPClientOptions)) *HTTPClient {
	opts := HTTPClientOptions{
		BaseURL: server.URL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return "SID=abc", nil
		},
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewHTTPClient(opts)
}

func TestHTTPClientCreateNotebookSendsExpectedRequest(t *testing.T) {
	var (
		capturedAuth        string
		capturedPath        string
		capturedCorrelation string
		capturedBody        map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedPath = r.Method + " " + r.URL.Path
		capturedCorrelation = r.Header.Get("X-Correlation-Id")
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"nb_1","title":"Chess Learning - alice"}`))
	}))
	defer server.Close()

	client := newGatewayTestClient(server)
	ctx := WithCorrelationID(context.Background(), "corr_1")
	info, err := client.CreateNotebook(ctx, "Chess Learning - alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if info.ID != "nb_1" {
		t.Fatalf("expected notebook id nb_1, got %+v", info)
	}
	if capturedPath != "POST /v1/notebooks" {
		t.Fatalf("unexpected request line %q", capturedPath)
	}
	if capturedAuth != "Bearer SID=abc" {
		t.Fatalf("expected bearer credential, got %q", capturedAuth)
	}
	if capturedCorrelation != "corr_1" {
		t.Fatalf("expected correlation id to propagate, got %q", capturedCorrelation)
	}
	if capturedBody["title"] != "Chess Learning - alice" {
		t.Fatalf("expected title in body, got %+v", capturedBody)
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	keys := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sourceId":"src_9"}`))
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	client := newGatewayTestClient(server, func(o *HTTPClientOptions) { o.Metrics = metrics })
	sourceID, err := client.AddSource(context.Background(), "nb_1", Source{Kind: SourceText, Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if sourceID != "src_9" {
		t.Fatalf("expected src_9, got %q", sourceID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", atomic.LoadInt32(&calls))
	}
	if first, second := <-keys, <-keys; first == "" || first != second {
		t.Fatalf("expected retries to share an idempotency key, got %q and %q", first, second)
	}
	if got := testutil.ToFloat64(metrics.externalRetries.WithLabelValues("add_source")); got != 1 {
		t.Fatalf("expected one recorded retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.externalRequests.WithLabelValues("add_source", "ok")); got != 1 {
		t.Fatalf("expected one ok request, got %v", got)
	}
}

func TestHTTPClientIdempotencyKeyPerCall(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
		corr []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		corr = append(corr, r.Header.Get("X-Correlation-Id"))
		mu.Unlock()
		if r.URL.Path == "/v1/notebooks" {
			_, _ = w.Write([]byte(`{"id":"nb_1","title":"t"}`))
			return
		}
		_, _ = w.Write([]byte(`{"sourceId":"src_1"}`))
	}))
	defer server.Close()

	client := newGatewayTestClient(server)
	ctx := WithCorrelationID(context.Background(), "req-123")
	if _, err := client.CreateNotebook(ctx, "t"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.AddSource(ctx, "nb_1", Source{Kind: SourceText, Title: "t", Content: "c"}); err != nil {
			t.Fatalf("add source failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", len(keys))
	}
	seen := map[string]bool{}
	for i, key := range keys {
		if key == "" || key == "req-123" {
			t.Fatalf("call %d: expected a per-call idempotency key, got %q", i, key)
		}
		if seen[key] {
			t.Fatalf("call %d reused idempotency key %q across logical calls", i, key)
		}
		seen[key] = true
		if corr[i] != "req-123" {
			t.Fatalf("call %d: expected correlation id req-123, got %q", i, corr[i])
		}
	}
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "rejected", status: http.StatusBadRequest, check: func(err error) bool { return errors.Is(err, ErrExternalRejected) }},
		{name: "unavailable", status: http.StatusBadGateway, check: func(err error) bool { return errors.Is(err, ErrExternalUnavailable) }},
		{name: "not found", status: http.StatusNotFound, check: func(err error) bool { return errors.Is(err, ErrNotFound) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
			}))
			defer server.Close()

			client := newGatewayTestClient(server, func(o *HTTPClientOptions) { o.MaxRetries = 1 })
			_, err := client.GetNotebook(context.Background(), "nb_1")
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected classification for %d: %v", tc.status, err)
			}
		})
	}
}

func TestHTTPClientUnauthorizedInvalidatesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	invalidated := false
	client := newGatewayTestClient(server, func(o *HTTPClientOptions) {
		o.OnUnauthorized = func() { invalidated = true }
	})
	_, err := client.ListNotebooks(context.Background())
	if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrExternalUnavailable) {
		t.Fatalf("expected session expired as unavailable, got %v", err)
	}
	if !invalidated {
		t.Fatalf("expected session invalidation callback")
	}
}

func TestHTTPClientDeleteTreatsMissingAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || !strings.HasPrefix(r.URL.Path, "/v1/notebooks/") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := newGatewayTestClient(server).DeleteNotebook(context.Background(), "nb_gone"); err != nil {
		t.Fatalf("expected 404 delete to succeed, got %v", err)
	}
}

func TestHTTPClientTokenProviderErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("gateway should not be called without a credential")
	}))
	defer server.Close()

	session := NewSession("", nil)
	client := newGatewayTestClient(server, func(o *HTTPClientOptions) { o.TokenProvider = session.Token })
	_, err := client.Ask(context.Background(), "nb_1", Question{Text: "hi"})
	if !errors.Is(err, ErrExternalUnavailable) {
		t.Fatalf("expected unavailable when session has no credential, got %v", err)
	}
}

func TestHTTPClientRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPClient(HTTPClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected backoff capped at 2s, got %s", got)
	}
}
