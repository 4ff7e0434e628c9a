package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/database"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/dataset"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/dispatch"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/prober"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/progress"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/recorder"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/registry"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/runlock"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/shutdown"
)

// app holds the components built for one command invocation. Anything that
// needs releasing is registered with the shutdown handler as it is built.
type app struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	telemetry  core.Telemetry
	store      *database.Store
	datasets   *dataset.Manager
	lock       core.RunLock
	shutdown   *shutdown.Handler
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{shutdown: shutdown.NewHandler(log)}
	a.shutdown.Register("logger", func() error {
		syncLogger()
		return nil
	})
	a.shutdown.Watch(ctx, os.Exit)

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}
	a.registry, err = registry.New(endpoints)
	if err != nil {
		return nil, fmt.Errorf("invalid WAF table: %w", err)
	}
	for _, ep := range a.registry.Endpoints() {
		res := validation.ValidateEndpoint(ep.BaseURL)
		if res.Private {
			log.Debugw("WAF endpoint is on a private network", "waf", ep.Name, "url", ep.BaseURL)
		}
		if strings.HasSuffix(ep.BaseURL, "/") {
			log.Warnw("WAF base URL ends with a slash, payload URLs will contain //", "waf", ep.Name, "url", ep.BaseURL)
		}
	}

	a.telemetry, err = telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.shutdown.Register("telemetry", a.telemetry.Close)

	a.dispatcher = dispatch.New(cfg.Dispatch,
		dispatch.WithClient(httpclient.NewDispatchClient(cfg.Dispatch.FollowRedirects)),
		dispatch.WithLimiter(ratelimit.FromSettings(cfg.RateLimit)),
		dispatch.WithLogger(log),
	)

	a.datasets = dataset.NewManager(cfg.Datasets, dataset.WithLogger(log))
	return a, nil
}

// openStore connects the result sink lazily; `check` never needs it.
func (a *app) openStore() (*database.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.shutdown.Register("database", store.Close)
	return store, nil
}

func (a *app) openLock() (core.RunLock, error) {
	if a.lock != nil {
		return a.lock, nil
	}
	lock, err := runlock.New(cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	a.lock = lock
	a.shutdown.Register("runlock", lock.Close)
	return lock, nil
}

func (a *app) prober() *prober.Prober {
	return prober.New(a.dispatcher, a.registry.Endpoints(), cfg.Dispatch.UserAgent, a.telemetry, log)
}

// runner wires the full entry sequence.
func (a *app) runner(tracker *progress.Tracker) (*orchestrator.Runner, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	lock, err := a.openLock()
	if err != nil {
		return nil, err
	}

	rec := recorder.New(store, a.registry, recorder.WithLogger(log))
	engine := fanout.New(a.dispatcher, rec,
		fanout.WithWorkers(cfg.FanOut.Workers),
		fanout.WithProgress(tracker.Counter(progress.PhaseFanOut, "payloads")),
		fanout.WithTelemetry(a.telemetry),
		fanout.WithLogger(log),
	)

	return orchestrator.NewRunner(orchestrator.Deps{
		Registry: a.registry,
		Prober:   a.prober(),
		Sink:     store,
		Datasets: a.datasets,
		Engine:   engine,
		Lock:     lock,
		LockKey:  store.Table(),
		Closers:  a.shutdown,
		Tracker:  tracker,
		Logger:   log,
	}), nil
}

func (a *app) close() {
	a.shutdown.Shutdown()
}
