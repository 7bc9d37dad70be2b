package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupfinance/txengine/internal/api"
	"github.com/groupfinance/txengine/internal/app/lifecycle"
	"github.com/groupfinance/txengine/internal/app/query"
	"github.com/groupfinance/txengine/internal/domain"
	"github.com/groupfinance/txengine/internal/infra/gateway"
	"github.com/groupfinance/txengine/internal/infra/memstore"
	"github.com/groupfinance/txengine/internal/infra/sqlite"
	"github.com/groupfinance/txengine/internal/infra/timer"
	"github.com/groupfinance/txengine/internal/logging"
)

const shutdownTimeout = 15 * time.Second

// Daemon owns every long-lived component of the service.
type Daemon struct {
	cfg     Config
	log     *logrus.Logger
	store   domain.TransactionStore
	gateway *gateway.Simulated
	timers  *timer.Timers
	engine  *lifecycle.Engine
	sweeper *lifecycle.Sweeper
	server  *api.Server
}

// OpenStore opens the configured transaction store.
func OpenStore(cfg DatabaseConfig) (domain.TransactionStore, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "":
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewGateway builds the payment gateway client from config.
func NewGateway(cfg GatewayConfig, log *logrus.Logger) *gateway.Simulated {
	return gateway.NewSimulated(gateway.Config{
		FailureHandle:   cfg.FailureHandle,
		InitiationDelay: duration(cfg.InitiationDelay),
	}, logging.Component(log, "gateway"))
}

// NewSweeper builds the stuck-transaction sweeper from config.
func NewSweeper(cfg Config, store domain.TransactionStore, gw domain.PaymentGateway, log *logrus.Logger) *lifecycle.Sweeper {
	return lifecycle.NewSweeper(lifecycle.SweepConfig{
		Period:         duration(cfg.Lifecycle.SweepPeriod),
		StaleThreshold: duration(cfg.Lifecycle.StaleThreshold),
	}, store, gw, logging.Component(log, "sweep"))
}

// New wires the daemon. The caller owns cfg validation (LoadConfig does it).
func New(cfg Config, log *logrus.Logger) (*Daemon, error) {
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gw := NewGateway(cfg.Gateway, log)
	timers := timer.New(logging.Component(log, "timers"))

	engine, err := lifecycle.New(lifecycle.Config{
		Window:            duration(cfg.Lifecycle.AutoCompleteWindow),
		PayeePattern:      cfg.Gateway.PayeePattern,
		InitiationTimeout: duration(cfg.Gateway.InitiationTimeout),
		FinalizeTimeout:   duration(cfg.Lifecycle.FinalizeTimeout),
	}, store, gw, timers, logging.Component(log, "lifecycle"))
	if err != nil {
		store.Close()
		return nil, err
	}

	server := api.NewServer(engine, query.New(store), logging.Component(log, "api"))
	server.SetRequestTimeout(duration(cfg.API.RequestTimeout))
	if cfg.API.RateLimitRPS > 0 {
		server.SetRateLimit(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	}
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}

	return &Daemon{
		cfg:     cfg,
		log:     log,
		store:   store,
		gateway: gw,
		timers:  timers,
		engine:  engine,
		sweeper: NewSweeper(cfg, store, gw, log),
		server:  server,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run starts timers, re-arms pending transactions, starts the sweeper and
// serves HTTP until ctx is cancelled or the listener fails. Shutdown stops
// the HTTP server, then the sweeper, then the timers, and closes the store.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.API.Addr())
	if err != nil {
		d.store.Close()
		return fmt.Errorf("listen %s: %w", d.cfg.API.Addr(), err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	log := logging.Component(d.log, "daemon")
	defer d.store.Close()

	if err := d.startWorkers(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"window": d.cfg.Lifecycle.AutoCompleteWindow,
		"sweep":  d.cfg.Lifecycle.SweepPeriod,
		"store":  d.cfg.Database.Driver,
	}).Info("txengine listening")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	d.stopWorkers(shutdownCtx)
	log.Info("txengine stopped")
	return serveErr
}

// startWorkers starts the timers, re-arms pending transactions and starts the
// sweeper. ctx bounds recovery only: timers and sweeper run until
// stopWorkers, so creates still draining after ctx ends get their timer.
func (d *Daemon) startWorkers(ctx context.Context) error {
	if err := d.timers.Start(context.Background()); err != nil {
		return err
	}
	if n, err := d.engine.Recover(ctx); err != nil {
		logging.Component(d.log, "daemon").WithError(err).Warn("pending transactions not re-armed, the sweep will settle them")
	} else if n > 0 {
		logging.Component(d.log, "daemon").WithField("count", n).Info("re-armed pending transactions")
	}
	if err := d.sweeper.Start(context.Background()); err != nil {
		d.timers.Stop(ctx)
		return err
	}
	return nil
}

// stopWorkers stops the sweeper, then the timers.
func (d *Daemon) stopWorkers(ctx context.Context) {
	log := logging.Component(d.log, "daemon")
	if err := d.sweeper.Stop(ctx); err != nil {
		log.WithError(err).Warn("sweeper shutdown")
	}
	if err := d.timers.Stop(ctx); err != nil {
		log.WithError(err).Warn("timers shutdown")
	}
}
