// Package app wires the dispatch service components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/api"
	"github.com/kilianp07/qgdispatch/config"
	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/assignment/logging"
	"github.com/kilianp07/qgdispatch/core/broker"
	coremetrics "github.com/kilianp07/qgdispatch/core/metrics"
	coremon "github.com/kilianp07/qgdispatch/core/monitoring"
	"github.com/kilianp07/qgdispatch/core/proposal"
	"github.com/kilianp07/qgdispatch/core/requestlock"
	"github.com/kilianp07/qgdispatch/core/store"
	"github.com/kilianp07/qgdispatch/core/store/memory"
	"github.com/kilianp07/qgdispatch/core/subscriptions"
	"github.com/kilianp07/qgdispatch/core/telemetry"
	"github.com/kilianp07/qgdispatch/infra/amqp"
	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/infra/metrics"
	"github.com/kilianp07/qgdispatch/infra/monitoring"
	"github.com/kilianp07/qgdispatch/infra/mqtt"
	"github.com/kilianp07/qgdispatch/infra/postgres"
	"github.com/kilianp07/qgdispatch/infra/redisbridge"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

const shutdownTimeout = 10 * time.Second

// Service orchestrates the dispatch components.
type Service struct {
	cfg *config.Config
	log logger.Logger

	Store       store.Store
	Broker      broker.Client
	Hub         *eventbus.Hub
	Sink        coremetrics.MetricsSink
	AttemptLog  logging.LogStore
	Coordinator *assignment.Coordinator
	Locks       *requestlock.Service
	Proposals   *proposal.Lifecycle
	Telemetry   *telemetry.Handlers
	Dispatcher  *subscriptions.Dispatcher
	Router      *gin.Engine

	ingress *mqtt.Ingress
	bridge  *redisbridge.Bridge

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Service.
type Option func(*Service)

// WithStore replaces the configured storage.
func WithStore(st store.Store) Option { return func(s *Service) { s.Store = st } }

// WithBroker replaces the AMQP client.
func WithBroker(c broker.Client) Option { return func(s *Service) { s.Broker = c } }

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option { return func(s *Service) { s.log = logger.OrNop(l) } }

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, log: logger.New("service")}
	for _, o := range opts {
		o(s)
	}

	rep, err := monitoring.NewSentryReporter(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Use(rep)

	if s.Store == nil {
		st, err := openStore(ctx, cfg, s.log)
		if err != nil {
			return nil, err
		}
		s.Store = st
	}
	if s.Broker == nil {
		s.Broker = amqp.NewClient(cfg.Broker, logger.New("amqp"))
	}

	s.Sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	s.AttemptLog, err = logging.Open(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("attempt log: %w", err)
	}

	s.Hub = eventbus.New(
		eventbus.WithQueueSize(cfg.Events.QueueSize),
		eventbus.WithHeartbeat(cfg.Events.Heartbeat()),
		eventbus.WithLogger(logger.New("hub")),
	)

	s.Coordinator = assignment.New(cfg.Assignment, s.Broker, s.Store, s.Hub,
		assignment.WithLogger(logger.New("assignment")),
		assignment.WithMetricsSink(s.Sink),
		assignment.WithLogStore(s.AttemptLog),
	)
	s.Locks = requestlock.New(s.Store, s.Broker, s.Hub, requestlock.WithLogger(logger.New("requestlock")))
	lopts := []proposal.Option{
		proposal.WithLogger(logger.New("proposal")),
		proposal.WithLockReleaser(s.Locks),
	}
	if rec, ok := s.Sink.(coremetrics.ProposalDecisionRecorder); ok {
		lopts = append(lopts, proposal.WithDecisionRecorder(rec))
	}
	s.Proposals = proposal.New(cfg.Proposal, s.Store, s.Coordinator, s.Hub, lopts...)

	dopts := []subscriptions.Option{subscriptions.WithPrefetch(cfg.Events.Prefetch)}
	if len(cfg.Events.Queues) > 0 {
		dopts = append(dopts, subscriptions.WithQueues(cfg.Events.Queues...))
	}
	s.Dispatcher = subscriptions.New(s.Broker, logger.New("subscriptions"), dopts...)
	if err := s.Proposals.Register(s.Dispatcher); err != nil {
		return nil, fmt.Errorf("register proposal handler: %w", err)
	}
	if !cfg.Telemetry.Disabled {
		topts := []telemetry.Option{telemetry.WithLogger(logger.New("telemetry"))}
		if rec, ok := s.Sink.(telemetry.Recorder); ok {
			topts = append(topts, telemetry.WithRecorder(rec))
		}
		s.Telemetry = telemetry.New(s.Store, s.Hub, topts...)
		if err := s.Telemetry.Register(s.Dispatcher); err != nil {
			return nil, fmt.Errorf("register telemetry handlers: %w", err)
		}
	}

	health := map[string]api.HealthChecker{}
	if hc, ok := s.Broker.(api.HealthChecker); ok {
		health["broker"] = hc
	}
	s.Router = api.NewRouter(api.Deps{
		Hub:        s.Hub,
		Broker:     s.Broker,
		Decider:    s.Proposals,
		Requester:  s.Locks,
		Assigner:   s.Coordinator,
		Operators:  s.Store,
		AttemptLog: s.AttemptLog,
		LogToken:   cfg.Auth.JWTSecret,
		JWTSecret:  cfg.Auth.JWTSecret,
		JWTIssuer:  cfg.Auth.Issuer,
		Health:     health,
		Logger:     logger.New("http"),
	})
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		log.Warnf("using in-memory storage, data is lost on restart")
		return memory.New(), nil
	default:
		st, err := postgres.Open(ctx, cfg.Postgres, logger.New("postgres"))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return st, nil
	}
}

// Start launches the consumers and the optional ingress and relay. It does
// not block.
func (s *Service) Start(ctx context.Context) error {
	metrics.StartEventCollector(ctx, s.Hub, s.Sink)
	if err := s.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if s.cfg.MQTT.Enabled {
		in, err := mqtt.NewIngress(s.cfg.MQTT, s.Dispatcher, logger.New("mqtt"))
		if err != nil {
			return fmt.Errorf("mqtt ingress: %w", err)
		}
		s.ingress = in
	}
	if s.cfg.Redis.Enabled {
		b := redisbridge.New(s.cfg.Redis, s.Hub, logger.New("redisbridge"))
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		s.bridge = b
	}
	return nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			defer coremon.Recover("metrics")
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	srv := api.NewServer(s.cfg.HTTP.Addr, s.Router, s.log)
	err := srv.Run(ctx, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout())
	})
	if err != nil {
		s.log.Errorf("http server: %v", err)
	}
	return errors.Join(err, s.Close())
}

// Close releases resources held by the service. Auto-accept timers go first,
// then consumers, inbound bridges, the broker, live clients and storage.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Proposals.Scheduler().Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("auto-accept scheduler: %w", err))
		}
		s.Dispatcher.Stop()
		if s.ingress != nil {
			s.ingress.Close()
		}
		if s.bridge != nil {
			if err := s.bridge.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis bridge: %w", err))
			}
		}
		if err := s.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
		s.Hub.DisconnectAll()
		if s.AttemptLog != nil {
			if err := s.AttemptLog.Close(); err != nil {
				errs = append(errs, fmt.Errorf("attempt log: %w", err))
			}
		}
		if closer, ok := s.Sink.(interface{ Close() }); ok {
			closer.Close()
		}
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		coremon.Flush(2 * time.Second)
		s.closeErr = errors.Join(errs...)
		s.log.Infof("service stopped")
	})
	return s.closeErr
}
