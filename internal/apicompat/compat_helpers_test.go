// Package apicompat holds black-box contract tests that run against a live
// presence monitor. They are skipped unless the server is reachable.
package apicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	baseURL := os.Getenv("PRESENCE_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/api/status") {
		t.Skipf("presence monitor not reachable at %s (set PRESENCE_BASE_URL to run)", baseURL)
	}

	return &apiClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *apiClient) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *apiClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

func (c *apiClient) post(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodPost, path, nil)
}

func (c *apiClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.do(t, http.MethodPost, path, data)
}

// readSSEEvent returns the data line of the first event on url.
func readSSEEvent(url, accept string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), resp.Header, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("read sse: %w", err)
	}
	return "", nil, fmt.Errorf("sse stream closed before event")
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	state := requireString(t, payload["state"], "state")
	switch state {
	case "idle", "watching", "capturing":
	default:
		t.Fatalf("unexpected state %q", state)
	}
	armed := requireBool(t, payload["armed"], "armed")
	recording := requireBool(t, payload["recording"], "recording")
	if recording && !armed {
		t.Fatalf("recording without armed: %v", payload)
	}
	startEnabled := requireBool(t, payload["start_enabled"], "start_enabled")
	stopEnabled := requireBool(t, payload["stop_enabled"], "stop_enabled")
	if startEnabled && stopEnabled {
		t.Fatalf("start and stop both enabled: %v", payload)
	}
	requireBool(t, payload["ready"], "ready")
	requireBool(t, payload["starting"], "starting")
	requireString(t, payload["init_error"], "init_error")
	requireString(t, payload["last_error"], "last_error")
	requireNumber(t, payload["records"], "records")
	requireNumber(t, payload["timestamp"], "timestamp")

	if raw, ok := payload["capture"]; ok {
		if !recording {
			t.Fatalf("capture reported while not recording: %v", payload)
		}
		capture := requireMap(t, raw, "capture")
		requireString(t, capture["filename"], "capture.filename")
		requireNumber(t, capture["frames"], "capture.frames")
		requireNumber(t, capture["bytes"], "capture.bytes")
		requireNumber(t, capture["duration_ms"], "capture.duration_ms")
		requireNumber(t, capture["started_at"], "capture.started_at")
	}
}

func assertRecordEntry(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["index"], field+".index")
	requireString(t, payload["id"], field+".id")
	requireString(t, payload["created_at"], field+".created_at")
	requireString(t, payload["time"], field+".time")
	requireString(t, payload["filename"], field+".filename")
	requireNumber(t, payload["frames"], field+".frames")
	requireNumber(t, payload["bytes"], field+".bytes")
	requireNumber(t, payload["duration_ms"], field+".duration_ms")
	url := requireString(t, payload["url"], field+".url")
	if !strings.HasPrefix(url, "/records/") {
		t.Fatalf("%s.url = %q", field, url)
	}
}
