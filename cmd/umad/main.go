// umad is the uma-serve daemon: it loads one model into the native runtime
// and serves concurrent streaming inference over a Unix-domain socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/haochend/uma-serve/internal/config"
	"github.com/haochend/uma-serve/internal/httpapi"
	"github.com/haochend/uma-serve/internal/metrics"
	rt "github.com/haochend/uma-serve/internal/runtime"
	"github.com/haochend/uma-serve/internal/sampler"
	"github.com/haochend/uma-serve/internal/sched"
	"github.com/haochend/uma-serve/internal/server"
	"github.com/haochend/uma-serve/pkg/types"
)

var version = "dev"

func main() {
	var (
		cfgPath string
		flags   config.Config
		mmap    bool
		mlock   bool
		offload bool
		unified bool
		swaFull bool
	)

	cmd := &cobra.Command{
		Use:           "umad",
		Short:         "uma-serve runtime daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				fileCfg, err := config.Load(cfgPath)
				if err != nil {
					return configError{fmt.Errorf("config: %w", err)}
				}
				cfg = fileCfg
			}
			cfg.ApplyEnv()
			overlayFlags(cmd, &cfg, &flags, mmap, mlock, offload, unified, swaFull)
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return configError{err}
			}
			if err := run(cfg); err != nil {
				return fatalError{err}
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&cfgPath, "config", "", "config file (.yaml/.json/.toml)")
	fl.StringVar(&flags.ModelPath, "model", "", "path to the model file (required unless set via config/env)")
	fl.IntVar(&flags.NCtx, "n-ctx", 0, "KV context window in tokens")
	fl.IntVar(&flags.NThreads, "threads", 0, "compute thread count (0 = runtime default)")
	fl.IntVar(&flags.NBatch, "n-batch", 0, "logical batch size")
	fl.IntVar(&flags.NUbatch, "n-ubatch", 0, "physical micro-batch size")
	fl.IntVar(&flags.NSeqMax, "n-seq-max", 0, "max concurrent sequences")
	fl.StringVar(&flags.SocketPath, "socket", "", "UDS listen path")
	fl.Uint32Var(&flags.SocketMode, "socket-mode", 0, "socket file mode (octal)")
	fl.IntVar(&flags.MaxSessions, "max-sessions", 0, "connection cap")
	fl.IntVar(&flags.MaxPromptBytes, "max-prompt-bytes", 0, "per-request prompt byte limit")
	fl.IntVar(&flags.MaxTokens, "max-tokens", 0, "per-request generated-token cap")
	fl.IntVar(&flags.MaxFrameBytes, "max-frame-bytes", 0, "max wire frame payload bytes")
	fl.IntVar(&flags.IdleTimeoutSec, "idle-timeout-sec", 0, "idle session reaper threshold")
	fl.IntVar(&flags.SLOTTFTMs, "slo-ttft-ms", 0, "observability-only TTFT target")
	fl.IntVar(&flags.SLOTBTMs, "slo-tbt-ms", 0, "observability-only TBT target")
	fl.IntVar(&flags.PrefillBurst, "prefill-burst", 0, "TTFT prefill chunk cap")
	fl.BoolVar(&mmap, "mmap", true, "memory-map the model file")
	fl.BoolVar(&mlock, "mlock", false, "lock model memory")
	fl.BoolVar(&offload, "offload-kqv", true, "offload KQV to device when capable")
	fl.BoolVar(&unified, "kv-unified", false, "unified KV allocator buffer")
	fl.BoolVar(&swaFull, "swa-full", false, "persistent SWA cache")
	fl.StringVar(&flags.LogLevel, "log-level", "", "debug|info|warn|error")
	fl.StringVar(&flags.HTTPAddr, "http-addr", "", "optional observability HTTP listen address (off when empty)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		// anything that failed before the daemon ran (flag parsing,
		// file/env resolution, validation) is a configuration error
		if _, ok := err.(fatalError); ok {
			os.Exit(types.ExitFatal)
		}
		os.Exit(types.ExitConfig)
	}
}

// configError maps to exit code 2; fatalError to exit code 1.
type configError struct{ error }

type fatalError struct{ error }

// overlayFlags applies explicitly-set flags over cfg.
func overlayFlags(cmd *cobra.Command, cfg, flags *config.Config, mmap, mlock, offload, unified, swaFull bool) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("model") {
		cfg.ModelPath = flags.ModelPath
	}
	if set("n-ctx") {
		cfg.NCtx = flags.NCtx
	}
	if set("threads") {
		cfg.NThreads = flags.NThreads
	}
	if set("n-batch") {
		cfg.NBatch = flags.NBatch
	}
	if set("n-ubatch") {
		cfg.NUbatch = flags.NUbatch
	}
	if set("n-seq-max") {
		cfg.NSeqMax = flags.NSeqMax
	}
	if set("socket") {
		cfg.SocketPath = flags.SocketPath
	}
	if set("socket-mode") {
		cfg.SocketMode = flags.SocketMode
	}
	if set("max-sessions") {
		cfg.MaxSessions = flags.MaxSessions
	}
	if set("max-prompt-bytes") {
		cfg.MaxPromptBytes = flags.MaxPromptBytes
	}
	if set("max-tokens") {
		cfg.MaxTokens = flags.MaxTokens
	}
	if set("max-frame-bytes") {
		cfg.MaxFrameBytes = flags.MaxFrameBytes
	}
	if set("idle-timeout-sec") {
		cfg.IdleTimeoutSec = flags.IdleTimeoutSec
	}
	if set("slo-ttft-ms") {
		cfg.SLOTTFTMs = flags.SLOTTFTMs
	}
	if set("slo-tbt-ms") {
		cfg.SLOTBTMs = flags.SLOTBTMs
	}
	if set("prefill-burst") {
		cfg.PrefillBurst = flags.PrefillBurst
	}
	if set("mmap") {
		cfg.UseMmap = &mmap
	}
	if set("mlock") {
		cfg.UseMlock = &mlock
	}
	if set("offload-kqv") {
		cfg.OffloadKQV = &offload
	}
	if set("kv-unified") {
		cfg.KVUnified = &unified
	}
	if set("swa-full") {
		cfg.SWAFull = &swaFull
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if set("http-addr") {
		cfg.HTTPAddr = flags.HTTPAddr
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w = os.Stderr
	log := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if fi, err := w.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log = log.Output(zerolog.ConsoleWriter{Out: w})
	}
	return log
}

func run(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)
	httpapi.SetLogger(log)

	log.Info().Str("version", version).Msg("uma-serve daemon starting")
	if vm, err := mem.VirtualMemory(); err == nil {
		log.Info().Uint64("host_mem_total_mb", vm.Total/(1<<20)).
			Uint64("host_mem_avail_mb", vm.Available/(1<<20)).Msg("host memory")
	}

	r, err := rt.Open(rt.Params{
		ModelPath:  cfg.ModelPath,
		NCtx:       cfg.NCtx,
		NThreads:   cfg.NThreads,
		NBatch:     cfg.NBatch,
		NUbatch:    cfg.NUbatch,
		NSeqMax:    cfg.NSeqMax,
		UseMmap:    config.BoolOr(cfg.UseMmap, true),
		UseMlock:   config.BoolOr(cfg.UseMlock, false),
		OffloadKQV: config.BoolOr(cfg.OffloadKQV, true),
		KVUnified:  config.BoolOr(cfg.KVUnified, false),
		SWAFull:    config.BoolOr(cfg.SWAFull, false),
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	log.Info().Str("model", cfg.ModelPath).Int("n_ctx", cfg.NCtx).
		Int("n_batch_resolved", r.NBatch()).Int("n_seq_max", cfg.NSeqMax).
		Bool("mmap", config.BoolOr(cfg.UseMmap, true)).
		Bool("mlock", config.BoolOr(cfg.UseMlock, false)).Msg("model loaded")

	lst, err := server.Listen(cfg.SocketPath, os.FileMode(cfg.SocketMode))
	if err != nil {
		return err
	}
	defer func() { _ = lst.Close() }()

	m := metrics.New()
	pol := sched.BaselinePolicy{PrefillBurst: int32(cfg.PrefillBurst)}
	sc := sched.New(r, pol, sampler.TopP{}, m, log)
	loop, err := server.NewLoop(cfg, r, lst, sc, m, log)
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		mux := httpapi.NewMux(loop, cfg.ModelPath)
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("observability server listening")
			if err := httpapi.Serve(cfg.HTTPAddr, mux); err != nil {
				log.Warn().Err(err).Msg("observability server stopped")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Info().Str("signal", sig.String()).Msg("shutdown signal")
		loop.Stop()
	}()

	log.Info().Str("socket", cfg.SocketPath).Msg("ready")
	if err := loop.Run(); err != nil {
		return err
	}
	log.Info().Msg("goodbye")
	return nil
}
