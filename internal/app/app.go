// Package app wires all ellie subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the provider chains,
// health tracker, caches, turn orchestrator and the HTTP and WebSocket
// surfaces; Run serves until its context ends; Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithCache,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/ellie/internal/api"
	"github.com/MrWong99/ellie/internal/cache"
	"github.com/MrWong99/ellie/internal/config"
	"github.com/MrWong99/ellie/internal/health"
	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/internal/transcript"
	"github.com/MrWong99/ellie/internal/turn"
	"github.com/MrWong99/ellie/internal/ws"
)

// redisKeyPrefix namespaces every key ellie writes to a shared Redis.
const redisKeyPrefix = "ellie:"

// readHeaderTimeout bounds slow-loris style clients.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the voice API.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// level is adjusted on hot reload. Nil when the caller's handler does
	// not use a LevelVar.
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Subsystems, built in New and torn down in Shutdown.
	store     cache.Cache
	tracker   *resilience.Tracker
	corrector *transcript.VocabularyCorrector
	orch      *turn.Orchestrator
	api       *api.Handler
	ws        *ws.Server
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCache injects a cache backend instead of creating one from config.
// The App takes ownership and closes it on Shutdown.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.store = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLevelVar lets hot reload change the log level of the handler built
// on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously; with the redis backend it
// connects and pings the server before returning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil {
		providers = &Providers{}
	}

	// ── 1. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	transcripts := cache.NewTranscripts(a.store, cfg.Cache.STTTTL, cache.WithMetrics(a.metrics), cache.WithLogger(a.log))
	speech := cache.NewSpeech(a.store, cfg.Cache.TTSTTL, cache.WithMetrics(a.metrics), cache.WithLogger(a.log))

	// ── 2. Health tracker + provider chains ──────────────────────────────
	h := cfg.Health
	cb := breakerConfig(h.MaxFailures, h.ResetTimeout, h.HalfOpenMax)
	trackerCB := cb
	if a.metrics != nil {
		trackerCB.OnStateChange = breakerObserver("health", a.metrics)
	}
	a.tracker = resilience.NewTracker(trackerCB, resilience.WithTrackerLogger(a.log))
	sttP := buildSTT(providers.STT, chainConfig("stt", cb, a.log, a.metrics))
	llmP := buildLLM(providers.LLM, chainConfig("llm", cb, a.log, a.metrics))
	ttsP := buildTTS(providers.TTS, chainConfig("tts", cb, a.log, a.metrics))

	// ── 3. Transcript correction ─────────────────────────────────────────
	a.corrector = transcript.NewVocabularyCorrector(cfg.Pipeline.Vocabulary, transcript.WithLogger(a.log))

	// ── 4. Turn orchestrator ─────────────────────────────────────────────
	to := cfg.Pipeline.StageTimeouts
	a.orch = turn.New(sttP, llmP, ttsP, a.tracker,
		turn.WithLogger(a.log),
		turn.WithMetrics(a.metrics),
		turn.WithStageTimeouts(to.STT, to.LLM, to.TTS),
		turn.WithSystemPrompt(cfg.Pipeline.SystemPrompt),
		turn.WithCorrector(a.corrector),
		turn.WithTranscriptCache(transcripts),
		turn.WithSpeechCache(speech),
	)

	// ── 5. HTTP + WebSocket surfaces ─────────────────────────────────────
	debug := !cfg.Server.IsProduction()
	limits := api.Limits{MaxAudioBytes: cfg.Server.MaxAudioBytes}
	var admission *semaphore.Weighted
	if n := cfg.Server.MaxConcurrentTurns; n > 0 {
		admission = semaphore.NewWeighted(int64(n))
	}

	var limiter *api.RateLimiter
	if rl := cfg.RateLimit; !rl.Disabled {
		limiter = api.NewRateLimiter(api.RateLimitConfig{
			Requests:          rl.Requests,
			Window:            rl.Window,
			MaxClients:        rl.MaxClients,
			TrustForwardedFor: rl.TrustForwardedFor,
		}, api.WithRateLimitLogger(a.log), api.WithRateLimitDebug(debug))
	}

	a.api = api.New(a.orch, sttP, ttsP, a.tracker,
		api.WithLogger(a.log),
		api.WithRateLimiter(limiter),
		api.WithLimits(limits),
		api.WithDefaults(defaultsFrom(cfg)),
		api.WithAdmission(admission),
		api.WithCaches(transcripts, speech),
		api.WithStageTimeouts(to.STT, to.TTS),
		api.WithDebug(debug),
	)
	a.ws = ws.New(a.orch,
		ws.WithLogger(a.log),
		ws.WithMetrics(a.metrics),
		ws.WithLimits(limits),
		ws.WithDefaults(a.api.Defaults),
		ws.WithTurnAdmission(admission),
		ws.WithMaxConnections(cfg.Server.MaxConnections),
		ws.WithHeartbeat(cfg.Server.WSHeartbeat),
	)
	probes := health.New([]health.Checker{
		health.PingChecker("cache", a.store),
		health.StagesChecker(providers.configured()),
	}, health.WithVersion(cfg.Telemetry.ServiceVersion))

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.ws.Register(mux)
	probes.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = api.Chain(mux,
		api.RequestID,
		observe.Middleware(a.metrics,
			observe.WithAccessLogger(a.log),
			observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"),
		),
		api.Recover(a.log, debug),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache creates the configured cache backend unless one was injected.
func (a *App) initCache(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Cache.Backend {
		case config.CacheRedis:
			r, err := cache.NewRedis(ctx, a.cfg.Cache.RedisURL, redisKeyPrefix)
			if err != nil {
				return err
			}
			a.store = r
		default:
			a.store = cache.NewMemory(a.cfg.Cache.MaxEntries)
		}
		a.log.Info("cache ready", "backend", a.cfg.Cache.Backend)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func defaultsFrom(cfg *config.Config) api.Defaults {
	return api.Defaults{
		Voice:    cfg.Pipeline.DefaultVoice,
		Language: cfg.Pipeline.DefaultLanguage,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Tracker returns the stage health tracker.
func (a *App) Tracker() *resilience.Tracker { return a.tracker }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change. It matches
// [config.ReloadFunc] and is meant to be passed to [config.NewWatcher].
func (a *App) Reload(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.orch.SetSystemPrompt(newCfg.Pipeline.SystemPrompt)
		a.log.Info("system prompt reloaded")
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(newCfg.Pipeline.Vocabulary)
		a.log.Info("vocabulary reloaded", "terms", len(newCfg.Pipeline.Vocabulary))
	}
	if d.DefaultsChanged {
		a.api.SetDefaults(defaultsFrom(newCfg))
		a.log.Info("request defaults reloaded",
			"voice", newCfg.Pipeline.DefaultVoice,
			"language", newCfg.Pipeline.DefaultLanguage,
		)
	}
	if d.RestartRequired {
		a.log.Warn("config changed outside the hot-reloadable set; restart to apply")
	}
}

// SlogLevel converts a configured level to its slog equivalent. Unknown
// values map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := cmp.Or(a.cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: WebSocket connections first (the HTTP
// server does not track hijacked connections), then the HTTP server, then
// the closers in order. It respects the context deadline: if ctx expires
// before the HTTP server drains, remaining connections are closed forcibly.
// Calling Shutdown more than once returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		a.ws.Close()

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			_ = a.server.Close()
		}

		for _, c := range a.closers {
			if err := c(); err != nil && !errors.Is(err, cache.ErrClosed) {
				errs = append(errs, err)
			}
		}

		a.stopErr = errors.Join(errs...)
		a.log.Info("app stopped")
	})
	return a.stopErr
}
