package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskboard/bus"
	"github.com/vinayprograms/taskboard/config"
	"github.com/vinayprograms/taskboard/credentials"
	"github.com/vinayprograms/taskboard/lifecycle"
	"github.com/vinayprograms/taskboard/logging"
	"github.com/vinayprograms/taskboard/ratelimit"
	"github.com/vinayprograms/taskboard/shutdown"
	"github.com/vinayprograms/taskboard/state"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
	"github.com/vinayprograms/taskboard/telemetry"
)

// surfaceResource is the limiter resource every surface call draws from.
const surfaceResource = "surface"

const defaultConfigFile = "taskboard.toml"

// app holds the components one process runs on. Every component that
// needs closing is registered with coord as it is opened.
type app struct {
	cfg      *config.Config
	creds    *credentials.Credentials
	log      *logging.Logger
	coord    *shutdown.Coordinator
	subjects bus.Subjects

	bus     bus.MessageBus
	store   store.Store
	surface surface.Surface
	tracer  *telemetry.Tracer
	events  telemetry.Exporter
	ctl     *lifecycle.Controller
}

// loadConfig reads the --config file, or ./taskboard.toml when present,
// or falls back to the defaults.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config, opts *rootOptions) *logging.Logger {
	log := logging.New()
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log.SetLevel(logging.ParseLevel(level))
	return log
}

// newApp loads configuration and credentials. Components are opened by
// the open* methods so each command builds only what it needs.
func newApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	creds, credPath, err := credentials.Load()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg, opts)
	if credPath != "" {
		log.Debug("credentials_loaded", map[string]interface{}{"path": credPath})
	}
	return &app{
		cfg:      cfg,
		creds:    creds,
		log:      log,
		coord:    shutdown.NewCoordinator(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: log}),
		subjects: bus.NewSubjects(cfg.Surface.SubjectPrefix),
		tracer:   telemetry.GetTracer(),
		events:   telemetry.NewNoopExporter(),
	}, nil
}

// close runs the shutdown phases for short-lived commands.
func (a *app) close() {
	if err := a.coord.ShutdownWithTimeout(a.cfg.Shutdown.Timeout); err != nil {
		a.log.Warn("close_failed", map[string]interface{}{"error": err.Error()})
	}
}

func (a *app) openBus() error {
	switch a.cfg.Bus.Driver {
	case "nats":
		token, user, password := a.creds.NATSAuth()
		ncfg := bus.DefaultNATSConfig()
		ncfg.URL = a.cfg.Bus.URL
		ncfg.Name = a.cfg.Bus.Name
		ncfg.Token = token
		ncfg.User = user
		ncfg.Password = password
		ncfg.Logger = a.log
		b, err := bus.NewNATSBus(ncfg)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		a.bus = b
	default:
		a.bus = bus.NewMemoryBus(bus.DefaultConfig())
	}
	a.coord.Register("bus", shutdown.PhaseBus, shutdown.Closer(a.bus))
	a.log.Info("bus_ready", map[string]interface{}{"driver": a.cfg.Bus.Driver})
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	var (
		st  store.Store
		err error
	)
	switch a.cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgresStore(ctx, a.cfg.Store.DSN, store.WithPassword(a.creds.PostgresPassword()))
	case "nats":
		nb, ok := a.bus.(*bus.NATSBus)
		if !ok {
			return fmt.Errorf("the nats store driver needs a nats bus")
		}
		scfg := state.DefaultNATSStoreConfig()
		scfg.Conn = nb.Conn()
		scfg.Bucket = a.cfg.Store.Bucket
		var kv *state.NATSStore
		kv, err = state.NewNATSStore(scfg)
		if err == nil {
			st = store.NewKVStore(kv)
		}
	case "memory":
		st = store.NewKVStore(state.NewMemoryStore())
	default:
		st, err = store.NewSQLiteStore(a.cfg.Store.Path)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.coord.Register("store", shutdown.PhaseRelease, shutdown.Closer(st))
	a.log.Info("store_ready", map[string]interface{}{"driver": a.cfg.Store.Driver})
	return nil
}

func (a *app) openTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if tc.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceVersion: version,
			Endpoint:       tc.Endpoint,
			Protocol:       tc.Protocol,
			Insecure:       tc.Insecure,
			SampleRatio:    tc.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		a.tracer = provider.Tracer()
		a.coord.Register("tracing", shutdown.PhaseFlush, shutdown.Func(provider.Shutdown))
	}

	if tc.Events != "" {
		protocol := "file"
		if strings.HasPrefix(tc.Events, "http://") || strings.HasPrefix(tc.Events, "https://") {
			protocol = "http"
		}
		events, err := telemetry.NewExporter(protocol, tc.Events)
		if err != nil {
			return fmt.Errorf("open event exporter: %w", err)
		}
		a.events = events
		a.coord.Register("events", shutdown.PhaseFlush, shutdown.Closer(events))
	}
	return nil
}

// openLimiter returns the limiter that paces surface calls, or nil when
// surface.rate is zero.
func (a *app) openLimiter() (ratelimit.Limiter, error) {
	sc := a.cfg.Surface
	if sc.Rate == 0 {
		return nil, nil
	}

	var limiter ratelimit.Limiter
	if sc.Shared {
		shared, err := ratelimit.NewSharedLimiter(ratelimit.SharedConfig{
			Bus:     a.bus,
			Subject: a.subjects.RateLimit(),
			Replica: a.cfg.Bus.Name + "-" + uuid.NewString()[:8],
			Logger:  a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("open shared limiter: %w", err)
		}
		limiter = shared
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}
	limiter.SetCapacity(surfaceResource, sc.Rate, sc.BurstWindow)
	a.coord.Register("limiter", shutdown.PhaseRelease, shutdown.Closer(limiter))
	return limiter, nil
}

// openSurface builds the surface the controller posts through. The
// in-process memory surface suits local runs; the bus surface reaches a
// chat gateway that runs a surface.Responder.
func (a *app) openSurface() error {
	var inner surface.Surface
	switch a.cfg.Surface.Mode {
	case "bus":
		inner = surface.NewBusSurface(a.bus, a.subjects)
	default:
		inner = surface.NewMemorySurface()
	}

	opts := []surface.GuardOption{
		surface.WithTimeout(a.cfg.Surface.Timeout),
		surface.WithTracer(a.tracer),
		surface.WithLogger(a.log),
	}
	limiter, err := a.openLimiter()
	if err != nil {
		return err
	}
	if limiter != nil {
		opts = append(opts, surface.WithLimiter(limiter, surfaceResource))
	}
	a.surface = surface.NewGuard(inner, opts...)
	return nil
}

// openController opens everything the lifecycle controller runs on.
func (a *app) openController(ctx context.Context) error {
	if err := a.openBus(); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openTelemetry(ctx); err != nil {
		return err
	}
	if err := a.openSurface(); err != nil {
		return err
	}
	a.ctl = lifecycle.New(a.store, a.surface,
		lifecycle.WithLogger(a.log),
		lifecycle.WithTracer(a.tracer),
		lifecycle.WithEvents(a.events),
	)
	return nil
}
