package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/alerting"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/auth"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/cloud"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/config"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/coord"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/database"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	httpHandlers "github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/http"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/ingest"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/logging"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/pipeline"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/repository"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatal().Err(err).Msg("metrics registration failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("ingestor exited")
	}
	log.Info().Msg("ingestor stopped")
}

// stores bundles the persistence side chosen by configuration.
type stores struct {
	main     repository.Store
	readings pipeline.ReadingStore
	source   registry.Source
	history  service.HistoryReader
	auditor  delivery.FailureReporter
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{close: func() {}}

	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		s.main = repository.New(db)
		s.close = func() { db.Close() }
	default:
		var seed registry.Data
		if cfg.Registry.FixturePath != "" {
			d, err := registry.FileSource{Path: cfg.Registry.FixturePath}.LoadRegistryData(ctx)
			if err != nil {
				return nil, err
			}
			seed = d
		}
		s.main = repository.NewMemory(seed)
	}
	s.readings = s.main
	s.source = s.main
	if cfg.Registry.FixturePath != "" {
		s.source = registry.FileSource{Path: cfg.Registry.FixturePath}
	}

	if !cfg.AWS.Enabled {
		return s, nil
	}
	clients, err := cloud.NewClients(ctx, cfg.AWS.Region)
	if err != nil {
		s.close()
		return nil, err
	}
	if cfg.AWS.DynamoTable != "" {
		archive := cloud.NewReadingArchive(clients.DynamoDB, cfg.AWS.DynamoTable)
		s.readings = repository.NewTee(s.main, archive, logging.For("archive"))
		s.history = archive
	}
	var deadLetters *cloud.DeadLetterArchive
	if cfg.AWS.S3Bucket != "" {
		deadLetters = cloud.NewDeadLetterArchive(clients.S3, cfg.AWS.S3Bucket)
	}
	var escalator *cloud.Escalator
	if cfg.AWS.SNSTopicArn != "" {
		escalator = cloud.NewEscalator(clients.SNS, cfg.AWS.SNSTopicArn)
	}
	if deadLetters != nil || escalator != nil {
		s.auditor = cloud.NewFailureAuditor(deadLetters, escalator, logging.For("auditor"))
	}
	log.Info().
		Str("region", cfg.AWS.Region).
		Bool("reading_archive", s.history != nil).
		Bool("failure_audit", s.auditor != nil).
		Msg("aws integrations enabled")
	return s, nil
}

func deliveryConfig(c config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		Workers:     c.Workers,
		Timeout:     c.Timeout,
		BaseBackoff: c.BaseBackoff,
		Multiplier:  c.Multiplier,
		MaxAttempts: c.MaxAttempts,
		Jitter:      c.Jitter,
	}
}

func alertingConfig(c config.AlertingConfig) alerting.Config {
	return alerting.Config{
		ResolveAfter:    c.ResolveAfter,
		PersistAttempts: c.PersistAttempts,
		PersistBackoff:  c.PersistBackoff,
	}
}

func connectMQTT(cfg config.MQTTConfig, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	reg := registry.New(st.source, cfg.Registry.TTL, logging.For("registry"))
	if err := reg.Load(ctx); err != nil {
		return err
	}
	if err := reg.Start(); err != nil {
		return err
	}
	defer reg.Stop()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = coord.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	hub := delivery.NewHub(cfg.Delivery.SubscriberBuffer, logging.For("hub"))
	disp := delivery.NewDispatcher(deliveryConfig(cfg.Delivery), st.main, reg, st.auditor, logging.For("dispatcher"))
	if rdb != nil {
		disp.SetLocker(coord.NewLocker(rdb, time.Minute))
	}
	disp.Start()
	if err := disp.Resume(ctx); err != nil {
		if !errors.Is(err, coord.ErrLocked) {
			return err
		}
		log.Info().Msg("another replica is resuming pending deliveries")
	}
	sub := delivery.NewSubsystem(hub, disp, cfg.Delivery.QueueSize, logging.For("delivery"))
	sub.Start()

	mgr := alerting.NewManager(st.main, sub, alertingConfig(cfg.Alerting), logging.For("alerting"))
	if err := mgr.Restore(ctx); err != nil {
		return err
	}

	pipe := pipeline.New(pipeline.ConfigFrom(cfg), reg, st.readings, mgr, sub, logging.For("pipeline"))
	pipe.Start()

	gw := ingest.NewGateway(auth.New(reg), reg, pipe, ingest.ConfigFrom(cfg.Ingest), logging.For("gateway"))

	svcs := service.New(gw, mgr, st.main, pipe)
	svcs.History = st.history
	app := httpHandlers.NewApp(svcs, logging.For("http"))

	tcp := ingest.NewTCPServer(gw, logging.For("tcp"))

	mux := http.NewServeMux()
	mux.Handle("/ws", delivery.NewWSHandler(hub, logging.For("ws")))
	wsSrv := &http.Server{Addr: cfg.Server.BroadcastAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		var current atomic.Pointer[ingest.MQTTAdapter]
		mqttClient, err = connectMQTT(cfg.MQTT, func(c mqtt.Client) {
			adapter := current.Load()
			if adapter == nil {
				return
			}
			if err := adapter.Subscribe(c, cfg.MQTT.QoS); err != nil {
				log.Error().Err(err).Msg("mqtt resubscribe failed")
			}
		})
		if err != nil {
			return err
		}
		adapter := ingest.NewMQTTAdapter(ctx, gw, ingest.NewClientPublisher(mqttClient, cfg.MQTT.QoS, logging.For("mqtt")), logging.For("mqtt"))
		current.Store(adapter)
		if err := adapter.Subscribe(mqttClient, cfg.MQTT.QoS); err != nil {
			return err
		}
		log.Info().Str("broker", cfg.MQTT.Broker).Msg("mqtt ingestion subscribed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("api listening")
		if err := app.Listen(cfg.Server.HTTPAddr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return tcp.ListenAndServe(cfg.Server.TCPAddr)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.BroadcastAddr).Msg("broadcast listening")
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broadcast server: %w", err)
		}
		return nil
	})
	if rdb != nil {
		watcher := coord.NewConfigWatcher(rdb, cfg.Redis.ConfigChannel, reg, logging.For("watcher"))
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Dur("grace", cfg.Server.ShutdownGrace).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return shutdown(shutdownCtx, app, tcp, mqttClient, pipe, sub, wsSrv)
	})
	return g.Wait()
}

// shutdown stops intake first, then drains the pipeline and delivery in
// order.
func shutdown(ctx context.Context, app *fiber.App, tcp *ingest.TCPServer, client mqtt.Client, pipe *pipeline.Pipeline, sub *delivery.Subsystem, wsSrv *http.Server) error {
	var errs []error
	if client != nil {
		client.Disconnect(250)
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := tcp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tcp shutdown: %w", err))
	}
	if err := pipe.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delivery shutdown: %w", err))
	}
	if err := wsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broadcast shutdown: %w", err))
	}
	return errors.Join(errs...)
}
