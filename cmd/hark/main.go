// Command hark is the main entry point for the hark voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/hark/internal/app"
	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/resilience"
	"github.com/MrWong99/hark/pkg/provider/ai"
	"github.com/MrWong99/hark/pkg/provider/ai/chat"
	"github.com/MrWong99/hark/pkg/provider/ai/envelope"
	"github.com/MrWong99/hark/pkg/provider/llm"
	"github.com/MrWong99/hark/pkg/provider/llm/anyllm"
	"github.com/MrWong99/hark/pkg/provider/llm/openai"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/stt/deepgram"
	"github.com/MrWong99/hark/pkg/provider/stt/whisper"
	"github.com/MrWong99/hark/pkg/provider/tts"
	"github.com/MrWong99/hark/pkg/provider/tts/coqui"
	"github.com/MrWong99/hark/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/hark/pkg/provider/vad"
	"github.com/MrWong99/hark/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	autostart := flag.Bool("autostart", true, "start the session as soon as the assistant is up")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is raised or lowered on hot reload.
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		if application != nil {
			application.Reload(next)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hark: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hark: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("hark starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP rereads the config file without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				watcher.Reload()
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, metrics)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
		app.WithWatcher(watcher),
	}
	if *autostart {
		opts = append(opts, app.WithAutoStart("startup"))
	}
	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("assistant ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx, true)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, metrics *observe.Metrics) {
	// ── AI ────────────────────────────────────────────────────────────────────
	reg.RegisterAI("envelope", func(entry config.ProviderEntry) (ai.Client, error) {
		opts := []envelope.Option{
			envelope.WithConnectTimeout(cfg.AI.ConnectTimeout),
			envelope.WithReadTimeout(cfg.AI.Timeout),
			envelope.WithHTTPClient(instrumentedClient(cfg.AI.ConnectTimeout, cfg.AI.Timeout)),
			envelope.WithMalformedHook(func(line string, err error) {
				metrics.RecordMalformedLine(context.Background())
				slog.Debug("envelope: skipping malformed line", "provider", entry.Name, "line", line, "err", err)
			}),
		}
		if entry.Model != "" {
			opts = append(opts, envelope.WithModel(entry.Model))
		}
		headers := optStringMap(entry.Options, "headers")
		if entry.APIKey != "" {
			if headers == nil {
				headers = make(map[string]string, 1)
			}
			headers["Authorization"] = "Bearer " + entry.APIKey
		}
		if len(headers) > 0 {
			opts = append(opts, envelope.WithHeaders(headers))
		}
		if extra, ok := entry.Options["extra"].(map[string]any); ok {
			opts = append(opts, envelope.WithExtra(extra))
		}
		return envelope.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// Chat completion backends; the AI stage adapts them with chat.New.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{openai.WithHTTPClient(instrumentedClient(cfg.AI.ConnectTimeout, cfg.AI.Timeout))}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other chat backend goes through any-llm-go. "openai" stays on the
	// official SDK registered above.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(backend) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(cfg.Audio.SampleRate)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		lang := optString(entry.Options, "language")
		if lang == "" {
			lang = cfg.Speech.Language
		}
		opts = append(opts, deepgram.WithLanguage(lang))
		if ms, ok := entry.Options["endpointing_ms"].(int); ok {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// whisper.cpp server on the local network.
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithHTTPClient(instrumentedClient(0, 0))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "silence")); err == nil {
			opts = append(opts, whisper.WithSilence(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithHTTPClient(instrumentedClient(0, 0))}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// coqui answers WAV at the model's rate; resample to what the speaker expects.
	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		hc := instrumentedClient(0, 0)
		hc.Timeout = 30 * time.Second
		opts := []coqui.Option{
			coqui.WithOutputSampleRate(cfg.TTS.SampleRate),
			coqui.WithHTTPClient(hc),
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.Engine{}, nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Primaries and fallbacks of each stage are wrapped in a resilience group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
			},
		},
	}

	// ── AI ────────────────────────────────────────────────────────────────────
	primary, err := createAI(cfg, reg, cfg.Providers.AI)
	if err != nil {
		return nil, err
	}
	group := resilience.NewAIFallback(primary, cfg.Providers.AI.Name, fcfg)
	for _, entry := range cfg.Providers.AIFallbacks {
		c, err := createAI(cfg, reg, entry)
		if err != nil {
			return nil, err
		}
		group.AddFallback(entry.Name, c)
	}
	ps.AI = group
	slog.Info("provider created", "kind", "ai", "names", group.Names())

	// ── STT ───────────────────────────────────────────────────────────────────
	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		fb := resilience.NewSTTFallback(p, name, fcfg)
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.STT, ps.STTName = fb, name
		slog.Info("provider created", "kind", "stt", "names", fb.Names())
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	// "text" selects the text-only speaker.
	if name := cfg.Providers.TTS.Name; name != "" && name != "text" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		fb := resilience.NewTTSFallback(p, name, fcfg)
		for _, entry := range cfg.Providers.TTSFallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.TTS, ps.TTSName = fb, name
		slog.Info("provider created", "kind", "tts", "names", fb.Names())
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider not registered, silence detection uses transcripts only", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	return ps, nil
}

// createAI builds an AI client from entry. Names without an AI factory are
// looked up as chat LLMs and adapted.
func createAI(cfg *config.Config, reg *config.Registry, entry config.ProviderEntry) (ai.Client, error) {
	c, err := reg.CreateAI(entry)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("create ai provider %q: %w", entry.Name, err)
	}
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create ai provider %q: %w", entry.Name, err)
	}
	opts := []chat.Option{chat.WithSystemPrompt(cfg.AI.SystemPrompt)}
	if cfg.AI.MaxTokens > 0 {
		opts = append(opts, chat.WithMaxTokens(cfg.AI.MaxTokens))
	}
	if cfg.AI.Temperature > 0 {
		opts = append(opts, chat.WithTemperature(cfg.AI.Temperature))
	}
	return chat.New(p, opts...), nil
}

// instrumentedClient returns an HTTP client that records client spans.
// Zero timeouts keep the transport defaults.
func instrumentedClient(connect, header time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if connect > 0 {
		tr.DialContext = (&net.Dialer{Timeout: connect}).DialContext
	}
	if header > 0 {
		tr.ResponseHeaderTimeout = header
	}
	return &http.Client{Transport: otelhttp.NewTransport(tr)}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          hark: startup summary        ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printProvider("AI", cfg.Providers.AI.Name, cfg.Providers.AI.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printValue("Audio input", orNone(cfg.Audio.Input))
	printValue("Audio output", orNone(cfg.Audio.Output))
	printValue("Wake phrases", fmt.Sprint(len(cfg.WakeWord.Phrases)))
	printValue("Listen addr", orNone(cfg.Server.ListenAddr))
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printValue(kind, value)
}

func printValue(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStringMap extracts a map of strings, skipping non-string values.
func optStringMap(opts map[string]any, key string) map[string]string {
	raw, ok := opts[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
