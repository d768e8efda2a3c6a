package apicompat

import (
	"net/http"
	"testing"
)

func TestAPICompatStartStop(t *testing.T) {
	client := newAPIClient(t)

	_, body := client.get(t, "/api/status")
	before := decodeJSONMap(t, body)
	if armed := requireBool(t, before["armed"], "armed"); armed {
		t.Skip("monitor already armed; not interfering with a running session")
	}

	resp, body := client.post(t, "/api/start")
	payload := decodeJSONMap(t, body)
	if !requireBool(t, before["ready"], "ready") {
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("start while not ready status = %d, want 409", resp.StatusCode)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/start status = %d body=%s", resp.StatusCode, body)
	}
	status := requireMap(t, payload["status"], "status")
	assertStatusPayload(t, status)
	if !requireBool(t, status["armed"], "status.armed") {
		t.Fatalf("start did not arm: %v", status)
	}

	resp, body = client.post(t, "/api/stop")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/stop status = %d body=%s", resp.StatusCode, body)
	}
	status = requireMap(t, decodeJSONMap(t, body)["status"], "status")
	if requireBool(t, status["armed"], "status.armed") || requireBool(t, status["recording"], "status.recording") {
		t.Fatalf("stop left flags set: %v", status)
	}
	if got := requireString(t, status["state"], "status.state"); got != "idle" {
		t.Fatalf("state after stop = %q", got)
	}

	// A capture in flight when stop was pressed is already finalized.
	after := requireNumber(t, status["records"], "status.records")
	if after < requireNumber(t, before["records"], "records") {
		t.Fatalf("records shrank: %v -> %v", before["records"], after)
	}
}
