// Command roboinv-loadtest drives concurrent writers against the configured
// backend and verifies that every entity ends up with a gapless history and
// the expected state.
//
// Configure via environment variables (see internal/config for the backend):
//
//	ROBOINV_LOADTEST_ENTITIES=10   Number of representatives written to
//	ROBOINV_LOADTEST_WRITERS=50    Concurrent writers per representative
//	ROBOINV_LOADTEST_EVENTS=20     Payments recorded by each writer
//	ROBOINV_LOADTEST_RETRIES=10    Attempts per append on conflicts
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	promadapter "github.com/Iscgrou/roboinv/adapters/prometheus"
	"github.com/Iscgrou/roboinv/core/es"
	"github.com/Iscgrou/roboinv/domain/representative"
	"github.com/Iscgrou/roboinv/internal/backend"
	"github.com/Iscgrou/roboinv/internal/config"
)

type loadConfig struct {
	Entities int `env:"ROBOINV_LOADTEST_ENTITIES" envDefault:"10"`
	Writers  int `env:"ROBOINV_LOADTEST_WRITERS"  envDefault:"50"`
	Events   int `env:"ROBOINV_LOADTEST_EVENTS"   envDefault:"20"`
	Retries  int `env:"ROBOINV_LOADTEST_RETRIES"  envDefault:"10"`
}

const paymentAmount = 100

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var load loadConfig
	if err := config.ParseEnv(&load); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := cfg.Logger(os.Stdout)
	slog.SetDefault(log)

	if err := run(ctx, log, cfg, load); err != nil {
		log.Error("load test failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg config.Config, load loadConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapter.NewMetrics(reg)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("prometheus metrics server starting", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("prometheus server error", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	env, err := backend.NewEnv(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	fmt.Printf("Backend:   %s\n", cfg.Backend)
	fmt.Printf("Snapshots: every %d versions\n", cfg.SnapshotThreshold)
	fmt.Printf("Load:      %d entities x %d writers x %d events\n", load.Entities, load.Writers, load.Events)

	ids := make([]string, load.Entities)
	for i := range ids {
		ids[i] = representative.NewID()
		if _, err := env.AppendEvent(ctx, representative.Create(ids[i], fmt.Sprintf("loadtest-%d", i), "", 0)); err != nil {
			return fmt.Errorf("create entity %d: %w", i, err)
		}
	}

	var (
		written   atomic.Int64
		conflicts atomic.Int64
		startAt   = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		for w := 0; w < load.Writers; w++ {
			g.Go(func() error {
				for n := 0; n < load.Events; n++ {
					req := representative.ReceivePayment(id, paymentAmount, fmt.Sprintf("w%d-%d", w, n))
					req.ID = es.NewID()
					err := es.Retry(gctx, load.Retries, func(ctx context.Context) error {
						_, err := env.RecordEvent(ctx, req)
						if errors.Is(err, es.ErrConflict) {
							conflicts.Add(1)
						}
						return err
					})
					if err != nil {
						return fmt.Errorf("writer %d on %s: %w", w, id, err)
					}
					if c := written.Add(1); c%1000 == 0 {
						print(".")
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	println("")

	took := time.Since(startAt)
	if err := verify(ctx, env, ids, load); err != nil {
		return err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("events:        %d\n", written.Load())
	fmt.Printf("conflicts:     %d (retried)\n", conflicts.Load())
	fmt.Printf("avg. writes/s: %d\n", int(float64(written.Load())/took.Seconds()))
	fmt.Printf("memory:        %d / %d MiB (alloc / sys)\n", mem.Alloc/1024/1024, mem.Sys/1024/1024)
	return nil
}

// verify checks that every entity has the versions 1..N and that the
// reconstructed state accounts for every payment.
func verify(ctx context.Context, env *es.Env, ids []string, load loadConfig) error {
	want := 1 + load.Writers*load.Events
	for _, id := range ids {
		events, err := env.Events(ctx, id)
		if err != nil {
			return err
		}
		if len(events) != want {
			return fmt.Errorf("%s: expected %d events, got %d", id, want, len(events))
		}
		for i, ev := range events {
			if ev.Version != es.Version(i+1) {
				return fmt.Errorf("%s: expected version %d at position %d, got %d", id, i+1, i, ev.Version)
			}
		}

		state, err := env.GetState(ctx, es.EntityRepresentative, id)
		if err != nil {
			return err
		}
		rep, err := es.StateValue[representative.State](state)
		if err != nil {
			return err
		}
		if paid := int64(load.Writers * load.Events * paymentAmount); rep.TotalPaid != paid {
			return fmt.Errorf("%s: expected total paid %d, got %d", id, paid, rep.TotalPaid)
		}
	}
	return nil
}
