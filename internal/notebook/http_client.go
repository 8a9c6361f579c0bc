package notebook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TokenProvider supplies the credential forwarded to the gateway on every call.
type TokenProvider func(ctx context.Context) (string, error)

type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	// OnUnauthorized is called when the gateway rejects the credential.
	OnUnauthorized func()
	HTTPClient     *http.Client
	UserAgent      string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Metrics        *Metrics
}

// HTTPClient talks to the notebook gateway, the sidecar that drives the
// external product on this service's behalf.
type HTTPClient struct {
	baseURL        string
	tokenProvider  TokenProvider
	onUnauthorized func()
	httpClient     *http.Client
	userAgent      string
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	metrics        *Metrics
	tracer         trace.Tracer
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "notebookrelay"
	}
	return &HTTPClient{
		baseURL:        baseURL,
		tokenProvider:  opts.TokenProvider,
		onUnauthorized: opts.OnUnauthorized,
		httpClient:     httpClient,
		userAgent:      userAgent,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("notebookrelay/notebook"),
	}
}

func (c *HTTPClient) CreateNotebook(ctx context.Context, title string) (NotebookInfo, error) {
	var out NotebookInfo
	err := c.do(ctx, "create_notebook", http.MethodPost, "/v1/notebooks", map[string]string{"title": title}, &out)
	if err == nil && strings.TrimSpace(out.ID) == "" {
		err = &ExternalError{Op: "create_notebook", StatusCode: http.StatusOK, Message: "gateway returned no notebook id", Temporary: true}
	}
	return out, err
}

func (c *HTTPClient) GetNotebook(ctx context.Context, notebookID string) (NotebookInfo, error) {
	var out NotebookInfo
	err := c.do(ctx, "get_notebook", http.MethodGet, notebookPath(notebookID, ""), nil, &out)
	return out, err
}

func (c *HTTPClient) ListNotebooks(ctx context.Context) ([]NotebookInfo, error) {
	var out struct {
		Notebooks []NotebookInfo `json:"notebooks"`
	}
	if err := c.do(ctx, "list_notebooks", http.MethodGet, "/v1/notebooks", nil, &out); err != nil {
		return nil, err
	}
	if out.Notebooks == nil {
		out.Notebooks = []NotebookInfo{}
	}
	return out.Notebooks, nil
}

func (c *HTTPClient) DeleteNotebook(ctx context.Context, notebookID string) error {
	err := c.do(ctx, "delete_notebook", http.MethodDelete, notebookPath(notebookID, ""), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPClient) AddSource(ctx context.Context, notebookID string, source Source) (string, error) {
	var out struct {
		SourceID string `json:"sourceId"`
	}
	if err := c.do(ctx, "add_source", http.MethodPost, notebookPath(notebookID, "sources"), source, &out); err != nil {
		return "", err
	}
	return out.SourceID, nil
}

func (c *HTTPClient) Ask(ctx context.Context, notebookID string, question Question) (Answer, error) {
	var out Answer
	err := c.do(ctx, "ask", http.MethodPost, notebookPath(notebookID, "chat"), question, &out)
	return out, err
}

func (c *HTTPClient) Generate(ctx context.Context, notebookID string, req GenerateRequest) (Artifact, error) {
	var out Artifact
	err := c.do(ctx, "generate", http.MethodPost, notebookPath(notebookID, "artifacts"), req, &out)
	return out, err
}

func notebookPath(notebookID, suffix string) string {
	path := "/v1/notebooks/" + url.PathEscape(notebookID)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, payload, out any) (err error) {
	if c == nil {
		return fmt.Errorf("notebook http client is nil")
	}
	ctx, span := c.tracer.Start(ctx, "notebook.gateway."+op,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("gateway.path", path),
		),
	)
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = errorOutcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.observeExternal(op, outcome, time.Since(started))
		span.End()
	}()

	token := ""
	if c.tokenProvider != nil {
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		token = strings.TrimSpace(token)
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = "nbr_" + uuid.NewString()
	}
	target := c.baseURL + path
	// One key per logical call; retries of it share the key so the gateway
	// can collapse them.
	idempotencyKey := "nbr_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("Idempotency-Key", idempotencyKey)
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				c.metrics.retry(op)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &ExternalError{Op: op, Message: err.Error(), Temporary: true}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &ExternalError{Op: op, StatusCode: resp.StatusCode, Message: readErr.Error(), Temporary: true}
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("retry.attempt", attempt))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &ExternalError{Op: op, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Temporary: false}
			}
			return nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			c.metrics.retry(op)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		extErr := gatewayError(op, resp.StatusCode, respBody)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
			return fmt.Errorf("%w: %w", extErr, ErrSessionExpired)
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
		}
		return extErr
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func gatewayError(op string, status int, body []byte) *ExternalError {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	return &ExternalError{
		Op:         op,
		StatusCode: status,
		Code:       errCode,
		Message:    errMessage,
		Temporary:  retryableStatus(status) || status == http.StatusUnauthorized,
	}
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionExpired):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrExternalRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type correlationKey struct{}

// WithCorrelationID attaches the inbound request's correlation id so gateway
// calls made on its behalf carry the same id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
