package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// maxErrorBody caps how much of a failing response is kept in the error.
const maxErrorBody = 1 << 10

// Webhook sends its rendered payload as JSON to URL. Any non-2xx response
// is a failure. Calls to one host share a circuit breaker.
type Webhook struct {
	base
	URL     string
	Host    string
	Method  string
	Headers map[string]string
	Timeout time.Duration // zero means the executor default
}

func (a *Webhook) Kind() schema.ActionType { return schema.ActionInvokeWebhook }

func (a *Webhook) Execute(ctx context.Context, x *Executor, scope *expressions.Scope) error {
	if err := x.breakers.Allow(a.Host); err != nil {
		return err
	}

	payload, err := a.render(scope)
	if err != nil {
		return err
	}
	var body io.Reader
	if a.Method != http.MethodGet && a.Method != http.MethodDelete {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeActionFailed, "invoke_webhook: marshal payload").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, a.Method, a.URL, body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "invoke_webhook: build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := x.client.Do(req)
	if err != nil {
		x.breakers.Failure(a.Host)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return schema.NewErrorf(schema.ErrCodeTimeout, "invoke_webhook %s %s: timed out after %s", a.Method, a.URL, timeout).
				WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeActionFailed, "invoke_webhook %s %s: %s", a.Method, a.URL, err.Error()).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		x.breakers.Success(a.Host)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		x.breakers.Failure(a.Host)
	} else {
		x.breakers.Success(a.Host)
	}
	return schema.NewErrorf(schema.ErrCodeActionFailed, "invoke_webhook %s %s: server returned %d", a.Method, a.URL, resp.StatusCode).
		WithDetails(map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(snippet),
			"duration":    fmt.Sprint(time.Since(start).Round(time.Millisecond)),
		})
}
