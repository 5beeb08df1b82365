// Command dbtrun loads a raw RV64 image into guest RAM and runs it through
// the translator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ascrivener/dbt/pkg/config"
	"github.com/ascrivener/dbt/pkg/engine"
	"github.com/ascrivener/dbt/pkg/guest/riscv"
	"github.com/ascrivener/dbt/pkg/metrics"
	"github.com/ascrivener/dbt/pkg/profile"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file")
	imagePath := flag.String("image", "", "Raw RV64 image loaded at the start of RAM")
	entry := flag.Uint64("entry", 0, "Entry point (default: start of RAM)")
	backendName := flag.String("backend", "", "Override engine.backend")
	vcpus := flag.Int("vcpus", 0, "Override engine.vcpus")
	metricsAddr := flag.String("metrics-addr", "", "Override metrics.addr")
	disas := flag.Bool("disas", false, "Print the entry block's IR and host code, then exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "dbtrun: %v\n", err)
			os.Exit(2)
		}
	}
	if *backendName != "" {
		cfg.Engine.Backend = *backendName
	}
	if *vcpus > 0 {
		cfg.Engine.VCPUs = *vcpus
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dbtrun: %v\n", err)
		os.Exit(2)
	}
	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "dbtrun: --image is required")
		os.Exit(2)
	}
	if *entry == 0 {
		*entry = cfg.MMU.RAMBase
	}

	log, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbtrun: %v\n", err)
		os.Exit(2)
	}
	session := uuid.New()
	log = log.With(zap.Stringer("session", session))
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, log, cfg, session, *imagePath, *entry, *disas)
	if err != nil {
		log.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config, session uuid.UUID, imagePath string, entry uint64, disas bool) (code int, err error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	mem := softmmu.NewMemory(log, m)
	defer func() { err = multierr.Append(err, mem.Close()) }()
	base := types.PhysAddr(cfg.MMU.RAMBase)
	if err := mem.AddRAM("ram", base, cfg.MMU.RAMSize); err != nil {
		return 0, err
	}
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return 0, err
	}
	if err := mem.WritePhys(base, image); err != nil {
		return 0, fmt.Errorf("loading %s: %w", imagePath, err)
	}
	log.Info("loaded image", zap.String("path", imagePath), zap.Int("bytes", len(image)), zap.Uint64("entry", entry))

	e, err := engine.New(riscv.New(), mem, nil, cfg.EngineOptions(log, m))
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, e.Close()) }()

	if disas {
		out, err := e.Disassemble(entry, 0)
		if err != nil {
			return 0, err
		}
		fmt.Print(out)
		return 0, nil
	}

	var store *profile.Store
	if cfg.Profile.Path != "" {
		if store, err = profile.Open(cfg.Profile.Path, profile.Options{Logger: log}); err != nil {
			return 0, err
		}
		defer func() { err = multierr.Append(err, store.Close()) }()
	}

	cpus := make([]*engine.VCPU, cfg.Engine.VCPUs)
	for i := range cpus {
		cpus[i] = e.NewVCPU()
		cpus[i].Env().Regs[regA0] = uint64(cpus[i].ID)
	}
	if store != nil && cfg.Profile.Prewarm {
		if err := prewarm(log, store, mem, cpus[0]); err != nil {
			log.Warn("prewarm failed", zap.Error(err))
		}
	}

	sys := &syscalls{log: log, mem: mem, out: os.Stdout}
	codes := make([]int, len(cpus))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i, v := range cpus {
		wg.Add(1)
		go func(i int, v *engine.VCPU) {
			defer wg.Done()
			err := v.Run(ctx, entry, 0, func(v *engine.VCPU, reason types.ExitReason) bool {
				return sys.handle(v, reason, &codes[i])
			})
			if err != nil && err != context.Canceled {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("vcpu %d: %w", v.ID, err))
				mu.Unlock()
			}
		}(i, v)
	}
	wg.Wait()

	s := e.Stats()
	log.Info("finished",
		zap.Int("blocks", s.Blocks), zap.Uint64("installs", s.Installs),
		zap.Uint64("links", s.Links), zap.Uint64("invalidations", s.Invalidations),
		zap.Uint64("flushes", s.Flushes))

	if store != nil {
		recs := profile.Snapshot(e.Blocks(), cfg.Profile.MinExecs)
		errs = multierr.Append(errs, store.Save(session, recs))
	}
	return codes[0], errs
}

func prewarm(log *zap.Logger, store *profile.Store, mem *softmmu.Memory, v *engine.VCPU) error {
	meta, ok, err := store.Meta()
	if err != nil || !ok {
		return err
	}
	recs, err := store.Load()
	if err != nil {
		return err
	}
	valid, stale := profile.Validate(recs, mem)
	n, err := v.Prewarm(profile.Blocks(valid))
	log.Info("prewarmed from profile",
		zap.Stringer("from_session", meta.Session), zap.Time("saved", meta.Saved),
		zap.Int("blocks", n), zap.Int("stale", stale))
	return err
}
