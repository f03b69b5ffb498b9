package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/ellie/internal/app"
	"github.com/MrWong99/ellie/internal/cache"
	"github.com/MrWong99/ellie/internal/config"
	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/pkg/provider/llm"
	llmmock "github.com/MrWong99/ellie/pkg/provider/llm/mock"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	sttmock "github.com/MrWong99/ellie/pkg/provider/stt/mock"
	"github.com/MrWong99/ellie/pkg/provider/tts"
	ttsmock "github.com/MrWong99/ellie/pkg/provider/tts/mock"
	"github.com/MrWong99/ellie/pkg/wire"
)

// testConfig returns a defaulted config listening on a loopback port.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

type mocks struct {
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

// testProviders returns one working mock per stage.
func testProviders() (*app.Providers, mocks) {
	m := mocks{
		stt: &sttmock.Provider{Result: &stt.Transcript{Text: "Is the clinic open on Saturday?", Confidence: 0.92}},
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Yes, from nine until noon."}},
		tts: &ttsmock.Provider{Result: &tts.Audio{Data: []byte{0xFF, 0xFB, 0x90, 0x00}, MIMEType: "audio/mpeg"}},
	}
	return &app.Providers{
		STT: []app.Named[stt.Provider]{{Name: "primary-stt", Provider: m.stt}},
		LLM: []app.Named[llm.Provider]{{Name: "primary-llm", Provider: m.llm}},
		TTS: []app.Named[tts.Provider]{{Name: "primary-tts", Provider: m.tts}},
	}, m
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithCache(cache.NewMemory(16))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func textTurn(t *testing.T, text string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("text", text); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/voice/process", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func serve(t *testing.T, h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeTurn(t *testing.T, rec *httptest.ResponseRecorder) wire.TurnResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp wire.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	p, m := testProviders()
	a := newApp(t, testConfig(), p)

	rec := serve(t, a.Handler(), textTurn(t, "Are you open Saturday?"))
	resp := decodeTurn(t, rec)
	if !resp.Success || resp.AIResponse != "Yes, from nine until noon." {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.AudioBuffer) == 0 || resp.TextOnly {
		t.Errorf("audio missing: text_only=%v len=%d", resp.TextOnly, len(resp.AudioBuffer))
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := m.llm.Calls(); got != 1 {
		t.Errorf("llm calls = %d, want 1", got)
	}
	if got := m.stt.Calls(); got != 0 {
		t.Errorf("stt calls = %d, want 0 for text input", got)
	}
}

func TestNew_RateLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		disabled bool
		want     int
	}{
		{"enabled", false, http.StatusTooManyRequests},
		{"disabled", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.RateLimit.Requests = 2
			cfg.RateLimit.Disabled = tt.disabled
			p, _ := testProviders()
			a := newApp(t, cfg, p)

			for range 2 {
				decodeTurn(t, serve(t, a.Handler(), textTurn(t, "Are you open Saturday?")))
			}
			rec := serve(t, a.Handler(), textTurn(t, "And Sunday?"))
			if rec.Code != tt.want {
				t.Errorf("third request status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	a := newApp(t, testConfig(), p)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/services/health", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(t, a.Handler(), httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d (body %s)", tt.path, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestNew_UnconfiguredStages(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &app.Providers{})

	resp := decodeTurn(t, serve(t, a.Handler(), textTurn(t, "Hello?")))
	if resp.AIResponse == "" {
		t.Error("AIResponse is empty; want canned response")
	}
	if !resp.TextOnly || len(resp.AudioBuffer) != 0 {
		t.Errorf("text_only = %v, audio = %d bytes; want text-only", resp.TextOnly, len(resp.AudioBuffer))
	}
	if got := a.Tracker().Health(resilience.ServiceLLM).Failures; got != 1 {
		t.Errorf("llm failures = %d, want 1", got)
	}

	rec := serve(t, a.Handler(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}

func TestNew_ProviderFallback(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Backup says hello."}}
	p.LLM = []app.Named[llm.Provider]{
		{Name: "primary-llm", Provider: primary},
		{Name: "backup-llm", Provider: backup},
	}
	metrics, reader := newTestMetrics(t)
	a := newApp(t, testConfig(), p, app.WithMetrics(metrics))

	resp := decodeTurn(t, serve(t, a.Handler(), textTurn(t, "Hi")))
	if resp.AIResponse != "Backup says hello." {
		t.Errorf("AIResponse = %q, want backup reply", resp.AIResponse)
	}
	if primary.Calls() != 1 || backup.Calls() != 1 {
		t.Errorf("calls primary=%d backup=%d, want 1 each", primary.Calls(), backup.Calls())
	}
	// The chain as a whole succeeded.
	if rec := a.Tracker().Health(resilience.ServiceLLM); rec.Failures != 0 || rec.TotalCalls != 1 {
		t.Errorf("llm health = %+v, want 1 call, 0 failures", rec)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counter(rm, "ellie.provider.errors", "provider", "primary-llm"); got != 1 {
		t.Errorf("primary errors = %d, want 1", got)
	}
	if got := counter(rm, "ellie.provider.requests", "provider", "backup-llm"); got != 1 {
		t.Errorf("backup requests = %d, want 1", got)
	}
}

// counter sums the int64 data points of name that carry key=value.
func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	var n int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
					n += dp.Value
				}
			}
		}
	}
	return n
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	p, m := testProviders()
	level := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, p, app.WithLevelVar(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.SystemPrompt = "You are the front desk of Harbor Dental."
	next.Pipeline.DefaultVoice = tts.VoiceShimmer
	a.Reload(old, next, config.Diff(old, next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	decodeTurn(t, serve(t, a.Handler(), textTurn(t, "Hi")))
	if m.llm.Calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", m.llm.Calls())
	}
	if got := m.llm.CompleteCalls[0].Req.SystemPrompt; !strings.HasPrefix(got, next.Pipeline.SystemPrompt) {
		t.Errorf("system prompt = %q, want reloaded prompt", got)
	}
	reqs := m.tts.Requests()
	if len(reqs) != 1 || reqs[0].Voice != tts.VoiceShimmer {
		t.Errorf("tts requests = %+v, want voice %q", reqs, tts.VoiceShimmer)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	p, _ := testProviders()
	store := cache.NewMemory(16)
	a, err := app.New(context.Background(), testConfig(), p, app.WithCache(store))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() = %v, want nil after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}

	if err := store.Ping(context.Background()); !errors.Is(err, cache.ErrClosed) {
		t.Errorf("cache Ping after shutdown = %v, want ErrClosed", err)
	}
	// Shutdown is idempotent.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache.Backend = config.CacheRedis
	cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, _ := testProviders()
	if _, err := app.New(ctx, cfg, p); err == nil {
		t.Fatal("New() with unreachable redis succeeded, want error")
	}
}
