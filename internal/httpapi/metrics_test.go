package httpapi

import (
	"net/http"
	"strings"
	"testing"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", w.Code)
	}
	return w.Body.String()
}

func TestMetricsLabelRoutesByPattern(t *testing.T) {
	h := NewMux(newMock())

	if w := do(t, h, http.MethodPost, "/chat/stream", `{"prompt":"hi"}`); w.Code != http.StatusOK {
		t.Fatalf("stream status=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/models/custom/secret-name.gguf", ""); w.Code != http.StatusNotFound {
		t.Fatalf("details status=%d body=%s", w.Code, w.Body.String())
	}
	do(t, h, http.MethodPost, "/requests/req-77/cancel", "")

	body := scrape(t, h)
	for _, want := range []string{
		`fleetllm_http_requests_total{method="POST",path="/chat/stream",status="200"}`,
		`fleetllm_http_requests_total{method="GET",path="/models/*",status="404"}`,
		`path="/requests/{id}/cancel"`,
		`fleetllm_http_inflight_requests{path="/chat/stream"} 0`,
		`fleetllm_http_stream_chunks_total{provider="inprocess"}`,
		`fleetllm_http_request_duration_seconds_bucket`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
	for _, leaked := range []string{"secret-name", "req-77"} {
		if strings.Contains(body, leaked) {
			t.Fatalf("raw path %q leaked into labels", leaked)
		}
	}
}

func TestMetricsRecordErrorStatus(t *testing.T) {
	h := NewMux(newMock())
	if w := do(t, h, http.MethodPost, "/providers/switch", `{"provider":"llamacpp"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("switch status=%d", w.Code)
	}
	if !strings.Contains(scrape(t, h), `fleetllm_http_requests_total{method="POST",path="/providers/switch",status="503"}`) {
		t.Fatalf("503 not recorded")
	}
}
