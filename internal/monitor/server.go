// Package monitor wires the device reader, persistence, the broadcast hub and
// every outward surface into one long-running server.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/history"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/pipeline"
	"procodus.dev/sensor-monitor/internal/relay"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/internal/web"
	"procodus.dev/sensor-monitor/pkg/mq"
)

const (
	storeTimeout    = 10 * time.Second
	grpcStopTimeout = 5 * time.Second
)

// Server runs the sensor monitor.
type Server struct {
	logger *slog.Logger
	config *ServerConfig

	store      store.Gateway
	hub        *hub.Hub
	reader     *device.Reader
	grpcServer *grpc.Server
	web        *web.Server
	relays     []*relay.Relay

	wg sync.WaitGroup
}

// NewServer validates cfg and creates a Server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts every component and blocks until a signal, ctx cancellation or
// a fatal listener error, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting sensor monitor", "device", s.config.Device.Path, "storage", s.config.Storage.Driver)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.setup(ctx); err != nil {
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("cleanup after failed start", "error", shutdownErr)
		}
		return err
	}

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	serveErr := make(chan error, 2)
	go func() {
		s.logger.Info("starting gRPC server", "address", grpcAddr)
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.web.Run(ctx); err != nil {
			serveErr <- err
		}
	}()

	for _, r := range s.relays {
		s.wg.Add(1)
		go func(r *relay.Relay) {
			defer s.wg.Done()
			if err := r.Run(ctx); err != nil {
				s.logger.Error("relay stopped", "error", err)
			}
		}(r)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectDevice(ctx)
	}()

	s.logger.Info("sensor monitor started successfully",
		"http_port", s.config.HTTPPort, "grpc_port", s.config.GRPCPort)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-serveErr:
		s.logger.Error("server error", "error", runErr)
	}
	cancel()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// setup builds every component without starting listeners.
func (s *Server) setup(ctx context.Context) error {
	m := s.config.Metrics

	gw, err := s.openStore(ctx)
	if err != nil {
		return err
	}
	s.store = gw
	s.ensureSensor(ctx)

	hubCfg := &hub.Config{Logger: s.logger, BufferSize: s.config.HubBufferSize}
	if m != nil {
		hubCfg.Metrics = m.Hub
	}
	if s.hub, err = hub.New(hubCfg); err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	pipeCfg := &pipeline.Config{Logger: s.logger, Store: s.store, Publisher: s.hub}
	if m != nil {
		pipeCfg.Metrics = m.Alerts
	}
	ingestor, err := pipeline.New(pipeCfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	opener, err := device.NewOpener(device.SerialConfig{
		Path:        s.config.Device.Path,
		BaudRate:    s.config.Device.BaudRate,
		DataBits:    s.config.Device.DataBits,
		ReadTimeout: s.config.pollInterval(),
	})
	if err != nil {
		return fmt.Errorf("failed to configure device: %w", err)
	}
	readerCfg := &device.ReaderConfig{
		Logger:            s.logger,
		Opener:            opener,
		Handler:           ingestor,
		SensorID:          s.config.sensorID(),
		PollInterval:      s.config.pollInterval(),
		ReconnectInterval: s.config.reconnectInterval(),
	}
	if m != nil {
		readerCfg.Metrics = m.Device
	}
	if s.reader, err = device.NewReader(readerCfg); err != nil {
		return fmt.Errorf("failed to create device reader: %w", err)
	}

	svcCfg := &history.ServiceConfig{Logger: s.logger, Store: s.store, Hub: s.hub}
	if m != nil {
		svcCfg.Metrics = m.GRPC
		svcCfg.SessionMetrics = m.Session
	}
	svc, err := history.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("failed to create history service: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	history.RegisterHistoryServer(s.grpcServer, svc)

	webCfg := &web.ServerConfig{
		Logger: s.logger,
		Hub:    s.hub,
		Store:  s.store,
		Device: s.reader,
		Sensor: web.SensorInfo{
			ID:       s.config.sensorID(),
			Name:     s.config.Device.SensorName,
			Location: s.config.Device.SensorLocation,
		},
		HTTPPort: s.config.HTTPPort,
	}
	if m != nil {
		webCfg.Metrics = m.HTTP
		webCfg.SessionMetrics = m.Session
	}
	if s.web, err = web.NewServer(webCfg); err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	return s.setupRelays()
}

func (s *Server) openStore(ctx context.Context) (store.Gateway, error) {
	sc := s.config.Storage

	var gw store.Gateway
	switch sc.Driver {
	case DriverPostgres:
		db, err := store.NewDB(&store.DBConfig{
			Logger:   s.logger,
			Host:     sc.DBHost,
			Port:     sc.DBPort,
			User:     sc.DBUser,
			Password: sc.DBPassword,
			DBName:   sc.DBName,
			SSLMode:  sc.DBSSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		pg, err := store.NewPostgres(s.logger, db)
		if err != nil {
			_ = store.CloseDB(db, s.logger)
			return nil, err
		}
		gw = pg
	case DriverInflux:
		influx, err := store.NewInflux(&store.InfluxConfig{
			Logger: s.logger,
			URL:    sc.InfluxURL,
			Token:  sc.InfluxToken,
			Org:    sc.InfluxOrg,
			Bucket: sc.InfluxBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize influx: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := influx.Ping(pingCtx); err != nil {
			s.logger.Warn("influx not reachable yet", "error", err)
		}
		gw = influx
	default:
		s.logger.Warn("using in-memory storage, history is lost on restart")
		gw = store.NewMemory()
	}

	guardedCfg := &store.GuardedConfig{
		Logger:      s.logger,
		Gateway:     gw,
		MaxFailures: sc.BreakerMaxFailures,
		OpenTimeout: sc.BreakerOpenTimeout,
	}
	if s.config.Metrics != nil {
		guardedCfg.Metrics = s.config.Metrics.Store
	}
	guarded, err := store.NewGuarded(guardedCfg)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	return guarded, nil
}

// ensureSensor registers the configured sensor; failure only loses metadata.
func (s *Server) ensureSensor(ctx context.Context) {
	reg, ok := s.store.(store.SensorRegistry)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	sensor, err := reg.EnsureSensor(ctx, store.Sensor{
		ID:       s.config.sensorID(),
		Name:     s.config.Device.SensorName,
		Location: s.config.Device.SensorLocation,
	})
	if err != nil {
		s.logger.Warn("failed to register sensor", "sensor_id", s.config.sensorID(), "error", err)
		return
	}
	s.logger.Info("sensor registered", "sensor_id", sensor.ID, "name", sensor.Name)
}

func (s *Server) setupRelays() error {
	rc := s.config.Relay

	if rc.AMQPEnabled {
		mqCfg := &mq.Config{
			Logger:      s.logger,
			URL:         rc.AMQPURL,
			Exchange:    rc.AMQPExchange,
			RoutingKeys: relay.RoutingKeys(),
		}
		if s.config.Metrics != nil {
			mqCfg.Metrics = s.config.Metrics.MQ
		}
		client, err := mq.New(mqCfg)
		if err != nil {
			return fmt.Errorf("failed to create amqp client: %w", err)
		}
		sink, err := relay.NewAMQPSink(client)
		if err != nil {
			return err
		}
		if err := s.addRelay(sink); err != nil {
			return err
		}
	}

	if rc.MQTTEnabled {
		client, err := relay.NewMQTTClient(&relay.MQTTConfig{
			Logger:      s.logger,
			Broker:      rc.MQTTBroker,
			ClientID:    rc.MQTTClientID,
			TopicPrefix: rc.MQTTTopicPrefix,
			QoS:         rc.MQTTQoS,
		})
		if err != nil {
			return err
		}
		sink, err := relay.NewMQTTSink(client, rc.MQTTTopicPrefix, rc.MQTTQoS)
		if err != nil {
			return err
		}
		if err := s.addRelay(sink); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) addRelay(sink relay.Sink) error {
	relayCfg := &relay.Config{
		Logger:        s.logger,
		Hub:           s.hub,
		Sink:          sink,
		RetryInterval: s.config.Relay.RetryInterval,
	}
	if s.config.Metrics != nil {
		relayCfg.Metrics = s.config.Metrics.Session
	}
	r, err := relay.New(relayCfg)
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("failed to create %s relay: %w", sink.Name(), err)
	}
	s.relays = append(s.relays, r)
	return nil
}

// connectDevice retries Start until the first open succeeds; after that the
// reader reconnects on its own.
func (s *Server) connectDevice(ctx context.Context) {
	interval := s.config.reconnectInterval()
	for {
		err := s.reader.Start(ctx)
		if err == nil || errors.Is(err, device.ErrAlreadyStarted) {
			return
		}
		if errors.Is(err, device.ErrStopped) || ctx.Err() != nil {
			return
		}
		s.logger.Warn("device unavailable, retrying", "error", err, "retry_in", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Shutdown stops the device first so nothing new is published, then closes
// the hub, which ends every live session, then the listeners, the relays and
// finally the store. The web server stops with the Run context.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down sensor monitor")

	var shutdownErr error

	if s.reader != nil {
		s.logger.Info("stopping device reader")
		s.reader.Stop()
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grpcStopTimeout):
			s.logger.Warn("gRPC graceful stop timed out, forcing")
			s.grpcServer.Stop()
		}
		s.logger.Info("gRPC server stopped")
	}

	s.wg.Wait()

	for _, r := range s.relays {
		if err := r.Close(); err != nil {
			s.logger.Error("failed to close relay", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("relay close error: %w", err))
		}
	}

	if s.store != nil {
		s.logger.Info("closing store")
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("store close error: %w", err))
		}
	}

	if shutdownErr != nil {
		s.logger.Error("sensor monitor shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("sensor monitor shutdown completed successfully")
	return nil
}
