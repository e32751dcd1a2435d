package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	otellog "go.opentelemetry.io/otel/log"
)

func TestInstrumentJSONFormat(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	shutdown, err := instrument(context.Background(), &buf, slog.LevelInfo, "json", Exporter{})
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())

	slog.Debug("hidden")
	slog.Info("visible", "topic", "conv-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "visible" || rec["topic"] != "conv-1" {
		t.Fatalf("record = %v", rec)
	}
}

func TestInstrumentRejectsUnknownSettings(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, err := instrument(context.Background(), io.Discard, slog.LevelInfo, "xml", Exporter{}); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := instrument(context.Background(), io.Discard, slog.LevelInfo, "text", Exporter{Kind: "kafka"}); err == nil {
		t.Error("unknown exporter accepted")
	}
}

func TestInstrumentWithStdoutExporterFansOut(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	shutdown, err := instrument(context.Background(), &buf, slog.LevelWarn, "text", Exporter{Kind: ExporterStdout})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := slog.Default().Handler().(*fanoutHandler); !ok {
		t.Fatalf("default handler = %T, want fan-out", slog.Default().Handler())
	}

	slog.Info("below threshold")
	slog.Warn("above threshold")
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if strings.Contains(buf.String(), "below threshold") || !strings.Contains(buf.String(), "above threshold") {
		t.Fatalf("console output = %q", buf.String())
	}
}

func TestSeverityMapping(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  otellog.Severity
	}{
		{slog.LevelDebug, otellog.SeverityDebug},
		{slog.LevelInfo, otellog.SeverityInfo},
		{slog.LevelWarn, otellog.SeverityWarn},
		{slog.LevelError, otellog.SeverityError},
	}
	for _, tt := range tests {
		if got := severity(tt.level).Severity(); got != tt.want {
			t.Errorf("severity(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "ok")
	m.ObserveAttempt(200, time.Millisecond)
	m.ObserveRefresh("success")
	m.SetRealtimeState(2)
	m.ObserveRealtimeEvent("in", "message:new")
	m.SetJoinedTopics(3)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("GET", "ok")
	m.ObserveRequest("GET", "ok")
	m.ObserveRefresh("success")
	m.SetJoinedTopics(2)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "ok")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("success")); got != 1 {
		t.Errorf("refreshes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.realtimeTopics); got != 2 {
		t.Errorf("topics = %v, want 2", got)
	}
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	m := NewMetrics()
	m.ObserveRefresh("failure")

	srv := NewServer(m, func(context.Context) map[string]string {
		return map[string]string{"realtime": "connected"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh, err := srv.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Error(err)
		}
		if err, ok := <-errCh; ok && err != nil {
			t.Error(err)
		}
	}()

	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `chatdesk_session_refresh_total{result="failure"} 1`) {
		t.Fatalf("metrics body missing refresh counter:\n%s", body)
	}

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["realtime"] != "connected" {
		t.Fatalf("health = %v", health)
	}
}
