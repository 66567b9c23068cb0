package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/scopekit/internal/config"
	"github.com/zjrosen/scopekit/internal/flags"
	"github.com/zjrosen/scopekit/internal/registry"
	"github.com/zjrosen/scopekit/internal/scope"
	"github.com/zjrosen/scopekit/internal/tracing"
)

var playgroundScenario string

var playgroundCmd = &cobra.Command{
	Use:   "playground",
	Short: "Run scripted scope lifecycle scenarios",
	Long: `Run scripted scenarios against a live registry and print the lifecycle
events as they happen: ownership being recorded, concurrent installs being
arbitrated, and scopes tearing their registrations down in reverse order.

Scenarios:
  basic    a scope registers services and tears them down on exit
  nested   an inner scope borrows a key owned by an outer scope
  race     concurrent async installs of one key, first registrant wins
  late     an install that outlives its scope is cleaned by a late hook
  all      every scenario in order (default)`,
	RunE: runPlayground,
}

func init() {
	playgroundCmd.Flags().StringVarP(&playgroundScenario, "scenario", "s", "all",
		"scenario to run: basic, nested, race, late, or all")
	rootCmd.AddCommand(playgroundCmd)
}

func runPlayground(cmd *cobra.Command, args []string) error {
	cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	tracerCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if tracerCfg.Enabled && tracerCfg.Exporter == "file" && tracerCfg.FilePath == "" {
		tracerCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracerCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	pg := &playground{
		out:    &syncWriter{w: cmd.OutOrStdout()},
		tracer: tracing.NewScopeTracer(provider),
		flags:  flags.New(cfg.Flags),
	}

	scenarios := map[string]func() error{
		"basic":  pg.basic,
		"nested": pg.nested,
		"race":   pg.race,
		"late":   pg.late,
	}

	if playgroundScenario == "all" {
		for _, name := range []string{"basic", "nested", "race", "late"} {
			if err := scenarios[name](); err != nil {
				return err
			}
		}
		return nil
	}

	run, ok := scenarios[playgroundScenario]
	if !ok {
		return fmt.Errorf("unknown scenario %q", playgroundScenario)
	}
	return run()
}

// playground executes demo scenarios, printing lifecycle events to out.
type playground struct {
	out    io.Writer
	tracer *tracing.ScopeTracer
	flags  *flags.Registry
}

// syncWriter serializes writes; the event printer goroutine and scenario
// bodies share one output stream.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// newDriver builds a fresh registry and driver and, when the event-stream
// flag is on, starts an event printer that runs until stop is called.
func (p *playground) newDriver() (*scope.Driver, registry.Registry, func()) {
	reg := registry.NewInMemoryRegistry()
	d := scope.NewDriver(reg, cfg.Scope.Runtime())

	if !p.flags.Enabled(flags.FlagEventStream) {
		return d, reg, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := d.Events().Subscribe(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if ev.Payload.Key.IsValid() {
				fmt.Fprintf(p.out, "    event: %-20s key=%s\n", ev.Payload.Kind, ev.Payload.Key)
			} else {
				fmt.Fprintf(p.out, "    event: %-20s\n", ev.Payload.Kind)
			}
		}
	}()

	stop := func() {
		// Give fire-and-forget teardown events a moment to land.
		time.Sleep(50 * time.Millisecond)
		cancel()
		wg.Wait()
	}
	return d, reg, stop
}

func (p *playground) banner(name, desc string) {
	fmt.Fprintf(p.out, "\n== %s: %s\n", name, desc)
}

func (p *playground) basic() error {
	p.banner("basic", "a scope registers services and tears them down on exit")
	d, reg, stop := p.newDriver()
	defer stop()

	db := registry.NewKey("Database")
	cache := registry.TaggedKey("Cache", "sessions")

	rec, err := p.tracer.Run(context.Background(), d, "basic", func(b *scope.Binder) error {
		if _, err := b.Put(db, "pg-conn", false); err != nil {
			return err
		}
		if err := b.LazyPut(cache, func() (any, error) { return "lru", nil }, false); err != nil {
			return err
		}
		v, err := b.Find(cache)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "    resolved %s -> %v\n", cache, v)
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.awaitTeardown(rec); err != nil {
		return err
	}

	if p.flags.Enabled(flags.FlagTeardownSummary) {
		fmt.Fprintf(p.out, "    after teardown: %d keys registered\n", reg.Count())
	}
	return nil
}

func (p *playground) nested() error {
	p.banner("nested", "an inner scope borrows a key owned by an outer scope")
	d, reg, stop := p.newDriver()
	defer stop()

	shared := registry.NewKey("Shared")

	outer := d.BeginScope()
	err := d.RunBody(outer, func(b *scope.Binder) error {
		if _, err := b.Put(shared, "outer-owned", false); err != nil {
			return err
		}

		inner, innerErr := d.Run(func(b *scope.Binder) error {
			got, err := b.Put(shared, "inner-attempt", false)
			fmt.Fprintf(p.out, "    inner put returned existing value: %v\n", got)
			return err
		})
		if innerErr != nil {
			return innerErr
		}
		if err := p.awaitTeardown(inner); err != nil {
			return err
		}
		fmt.Fprintf(p.out, "    after inner teardown, %s registered: %v\n", shared, reg.Exists(shared))
		return nil
	})
	if err != nil {
		return err
	}
	d.EndScope(outer)
	if err := p.awaitTeardown(outer); err != nil {
		return err
	}

	fmt.Fprintf(p.out, "    after outer teardown, %s registered: %v\n", shared, reg.Exists(shared))
	return nil
}

func (p *playground) race() error {
	p.banner("race", "concurrent async installs of one key, first registrant wins")
	d, _, stop := p.newDriver()
	defer stop()

	key := registry.NewKey("Session")

	rec, err := p.tracer.Run(context.Background(), d, "race", func(b *scope.Binder) error {
		const callers = 4
		var wg sync.WaitGroup
		results := make([]any, callers)
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				v, _ := b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
					time.Sleep(30 * time.Millisecond)
					return fmt.Sprintf("built-by-caller-%d", i), nil
				})
				results[i] = v
			}(i)
		}
		wg.Wait()
		for i, v := range results {
			fmt.Fprintf(p.out, "    caller %d got: %v\n", i, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.awaitTeardown(rec)
}

func (p *playground) late() error {
	p.banner("late", "an install that outlives its scope is cleaned by a late hook")
	d, reg, stop := p.newDriver()
	defer stop()

	key := registry.NewKey("SlowBuild")
	started := make(chan struct{})
	installDone := make(chan struct{})

	rec, err := p.tracer.Run(context.Background(), d, "late", func(b *scope.Binder) error {
		go func() {
			defer close(installDone)
			_, _ = b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
				close(started)
				time.Sleep(cfg.Scope.Runtime().DisposeWait + 200*time.Millisecond)
				return "finally-built", nil
			})
		}()
		<-started
		fmt.Fprintf(p.out, "    leaving scope while %s is still building\n", key)
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.awaitTeardown(rec); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "    scope torn down, install still running\n")

	<-installDone
	deadline := time.Now().Add(2 * time.Second)
	for reg.Exists(key) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Fprintf(p.out, "    install settled, %s registered: %v\n", key, reg.Exists(key))
	return nil
}

func (p *playground) awaitTeardown(rec *scope.Recorder) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for teardown: %w", err)
	}
	return nil
}
