package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// maxHTTPResponseBytes bounds how much of a response body is kept in the variable bag.
const maxHTTPResponseBytes = 1 << 20

// runHTTPNode performs the request and records its outcome in the execution
// variables. Request failures never fail the execution.
func (e *Executor) runHTTPNode(ctx context.Context, d models.HTTPData, exec *models.FlowExecution, contact *models.Contact) {
	delete(exec.Variables, models.VarHTTPResponse)
	delete(exec.Variables, models.VarHTTPError)

	url := Interpolate(d.URL, contact, exec.Variables)
	body := Interpolate(d.Body, contact, exec.Variables)
	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}

	status, resp, err := e.doHTTP(ctx, method, url, d.Headers, body, contact, exec.Variables)
	exec.SetVar(models.VarHTTPStatus, status)
	if resp != nil {
		exec.SetVar(models.VarHTTPResponse, resp)
	}
	if err != nil {
		slog.Warn("Executor.runHTTPNode: request failed", "executionID", exec.ID, "method", method, "url", url, "error", err)
		exec.SetVar(models.VarHTTPError, err.Error())
		return
	}
	slog.Debug("Executor.runHTTPNode: request done", "executionID", exec.ID, "method", method, "url", url, "status", status)
}

func (e *Executor) doHTTP(ctx context.Context, method, url string, headers map[string]string, body string, contact *models.Contact, vars map[string]any) (int, any, error) {
	if url == "" {
		return 0, nil, fmt.Errorf("empty url")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, Interpolate(v, contact, vars))
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	var parsed any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = string(raw)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, parsed, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, parsed, nil
}
