package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/handlers"
	"vitalwatch/internal/kafka"
	"vitalwatch/internal/liveness"
	"vitalwatch/internal/logger"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/mqtt"
	"vitalwatch/internal/overflow"
	"vitalwatch/internal/state"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/streams"
	"vitalwatch/internal/worker"
	"vitalwatch/internal/ws"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type closer interface {
	Close() error
}

// Processor wires ingress, the alert engine, the liveness monitor and the
// alert sinks together and owns their lifecycle.
type Processor struct {
	cfg        *config.Config
	configPath string
	node       string

	engine     *engine.Engine
	monitor    *liveness.Monitor
	workerPool *worker.Pool
	overflow   *overflow.Log

	alertStore storage.AlertStore
	producer   *kafka.Producer
	stream     *streams.Sink
	hub        *ws.Hub
	sinks      []worker.Sink

	consumer   *kafka.Consumer
	subscriber *mqtt.Subscriber
	httpServer *http.Server
	listener   net.Listener

	stopLiveness context.CancelFunc
	livenessDone chan struct{}

	ready chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Processor. With an empty configPath there is nothing
// to reload rules from, so the reload endpoint and file watch are off.
func New(cfg *config.Config, configPath string) *Processor {
	node, _ := os.Hostname()
	if node == "" {
		node = "unknown"
	}
	return &Processor{
		cfg:        cfg,
		configPath: configPath,
		node:       node,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once every component has started.
func (p *Processor) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the HTTP listen address, valid after Ready.
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down gracefully.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node", p.node).Msg("processor starting")

	if err := p.initSinks(ctx); err != nil {
		p.closeSinks()
		return fmt.Errorf("failed to initialize sinks: %w", err)
	}

	if err := p.initEngine(); err != nil {
		p.closeSinks()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	p.workerPool.Start()
	p.startLiveness()

	if err := p.initIngress(ctx); err != nil {
		p.shutdown()
		return fmt.Errorf("failed to initialize ingress: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.Addr()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.configPath != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := config.Watch(ctx, p.configPath, p.applyConfig); err != nil {
				log.Error().Err(err).Str("path", p.configPath).Msg("config watch stopped")
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	close(p.ready)
	log.Info().Msg("processor started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	p.shutdown()
	return nil
}

// initSinks opens the overflow log and every enabled alert sink. The
// durable store always comes first.
func (p *Processor) initSinks(ctx context.Context) error {
	log := logger.WithComponent("processor")

	ov, err := overflow.Open(p.cfg.Publisher.OverflowPath)
	if err != nil {
		return err
	}
	p.overflow = ov

	st, err := storage.Open(ctx, p.cfg.Storage)
	if err != nil {
		return err
	}
	p.alertStore = st
	p.sinks = append(p.sinks, st)

	if p.cfg.Kafka.Alerts.Enabled {
		producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Alerts.Topic, p.cfg.Kafka.Alerts.Producer)
		if err != nil {
			return err
		}
		p.producer = producer
		p.sinks = append(p.sinks, producer)
	}

	if p.cfg.Redis.Enabled {
		sink, err := streams.New(ctx, p.cfg.Redis)
		if err != nil {
			return err
		}
		p.stream = sink
		p.sinks = append(p.sinks, sink)
	}

	if p.cfg.WebSocket.Enabled {
		p.hub = ws.New(p.cfg.WebSocket)
		p.sinks = append(p.sinks, p.hub)
	}

	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	log.Info().Strs("sinks", names).Str("overflow", p.cfg.Publisher.OverflowPath).Msg("alert sinks initialized")
	return nil
}

func (p *Processor) initEngine() error {
	rules, err := alerts.RulesFromConfig(p.cfg.Rules)
	if err != nil {
		return err
	}
	disconnect, err := alerts.DisconnectRule(p.cfg.Liveness)
	if err != nil {
		return err
	}

	pc := p.cfg.Publisher
	p.workerPool = worker.NewPool(worker.Config{
		Sinks:        p.sinks,
		Overflow:     p.overflow,
		QueueSize:    pc.QueueSize,
		Workers:      pc.Workers,
		BatchSize:    pc.BatchSize,
		BatchTimeout: pc.BatchTimeout,
		MaxRetries:   pc.MaxRetries,
		RetryBackoff: pc.RetryBackoff,
		MaxBackoff:   pc.MaxBackoff,
		NodeID:       p.node,
	})

	p.engine = engine.New(engine.Config{
		Store:        state.NewStore(),
		Evaluator:    alerts.NewEvaluator(rules, p.cfg.Engine.VitalMaxAge),
		Lifecycle:    alerts.NewLifecycle(),
		Publisher:    p.workerPool,
		GraceWindow:  p.cfg.Engine.GraceWindow,
		MaxClockSkew: p.cfg.Engine.MaxClockSkew,
		Disconnect:   disconnect,
	})

	p.monitor = liveness.New(liveness.Config{
		Target:    p.engine,
		Interval:  p.cfg.Liveness.Interval,
		Threshold: p.cfg.Liveness.Threshold,
	})

	log := logger.WithComponent("processor")
	log.Info().
		Int("rules", rules.Len()).
		Dur("grace_window", p.cfg.Engine.GraceWindow).
		Dur("liveness_threshold", p.cfg.Liveness.Threshold).
		Msg("alert engine initialized")
	return nil
}

func (p *Processor) startLiveness() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stopLiveness = cancel
	p.livenessDone = make(chan struct{})
	go func() {
		defer close(p.livenessDone)
		p.monitor.Run(ctx)
	}()
}

func (p *Processor) initIngress(ctx context.Context) error {
	log := logger.WithComponent("processor")

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	p.listener = ln

	opts := handlers.Options{
		Ingester:    p.engine,
		Patients:    p.engine,
		Alerts:      p.alertStore,
		MaxBodySize: p.cfg.HTTP.MaxRequestBytes,
		Health:      p.healthHandler,
		Stats:       p.statsHandler,
	}
	if p.configPath != "" {
		opts.ReloadRules = p.reloadRules
	}
	if p.hub != nil {
		opts.Live = p.hub
	}

	p.httpServer = &http.Server{
		Handler:      handlers.NewRouter(opts),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}

	if p.cfg.Kafka.Ingest.Enabled {
		consumer, err := kafka.NewConsumer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Ingest, p.engine)
		if err != nil {
			return err
		}
		p.consumer = consumer
		consumer.Start(ctx)
		log.Info().Str("topic", p.cfg.Kafka.Ingest.Topic).Msg("kafka ingress started")
	}

	if p.cfg.MQTT.Enabled {
		sub, err := mqtt.New(p.cfg.MQTT, p.engine)
		if err != nil {
			return err
		}
		p.subscriber = sub
		if err := sub.Start(); err != nil {
			return err
		}
		log.Info().Str("topic", p.cfg.MQTT.Topic).Msg("mqtt ingress started")
	}
	return nil
}

// applyConfig takes the hot-reloadable parts of a changed config file:
// the rule set and the log level.
func (p *Processor) applyConfig(cfg *config.Config) {
	logger.SetLevel(cfg.LogLevel)
	_ = p.engine.ReloadFromConfig(cfg.Rules)
}

func (p *Processor) reloadRules() error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		metrics.RuleReloadsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	return p.engine.ReloadFromConfig(cfg.Rules)
}

// shutdown stops ingress first, then lets in-flight measurements finish,
// then drains the publish queue and finally closes the sinks.
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	if p.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		log.Info().Msg("stopping HTTP server")
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	} else if p.listener != nil {
		_ = p.listener.Close()
	}
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}
	if p.subscriber != nil {
		p.subscriber.Stop()
	}

	log.Info().Msg("closing engine")
	p.engine.Close()

	p.stopLiveness()
	<-p.livenessDone

	if err := p.workerPool.Close(p.cfg.Engine.ShutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("publish queue not drained, remaining alerts written to overflow")
	}

	p.closeSinks()
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
}

func (p *Processor) closeSinks() {
	log := logger.WithComponent("processor")
	for _, s := range p.sinks {
		if c, ok := s.(closer); ok {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Str("sink", s.Name()).Msg("sink close error")
			}
		}
	}
	if p.overflow != nil {
		if err := p.overflow.Close(); err != nil {
			log.Error().Err(err).Msg("overflow log close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			es := p.engine.Stats()
			pool := p.workerPool.Stats()

			ev := log.Info().
				Int("patients", es.Patients).
				Uint64("accepted", es.Accepted).
				Uint64("malformed", es.Malformed).
				Uint64("stale", es.Stale).
				Uint64("alert_events", es.Events).
				Int64("queued", pool.Queued).
				Uint64("published", pool.Processed).
				Uint64("failed", pool.Failed).
				Uint64("overflowed", pool.Overflowed).
				Int("disconnected", p.monitor.Flagged())
			if p.producer != nil {
				ps := p.producer.Stats()
				ev = ev.Uint64("kafka_sent", ps.MessagesSent).Uint64("kafka_bytes", ps.BytesWritten)
			}
			ev.Msg("stats")
		}
	}
}
