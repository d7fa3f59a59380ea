package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	alertapp "cleanroute-fleet/internal/alerts/application"
	alertevents "cleanroute-fleet/internal/alerts/application/events"
	alerts "cleanroute-fleet/internal/alerts/domain"
	alertrepo "cleanroute-fleet/internal/alerts/infrastructure/postgres"
	alertinterfaces "cleanroute-fleet/internal/alerts/interfaces"
	alerthttp "cleanroute-fleet/internal/alerts/interfaces/http"
	alertnotify "cleanroute-fleet/internal/alerts/notify"
	apihttp "cleanroute-fleet/internal/api/http"
	"cleanroute-fleet/internal/audit"
	"cleanroute-fleet/internal/auth"
	collectionapp "cleanroute-fleet/internal/collection/application"
	collectionevents "cleanroute-fleet/internal/collection/application/events"
	collection "cleanroute-fleet/internal/collection/domain"
	collectionrepo "cleanroute-fleet/internal/collection/infrastructure/postgres"
	collectioninterfaces "cleanroute-fleet/internal/collection/interfaces"
	collectionhttp "cleanroute-fleet/internal/collection/interfaces/http"
	commandsapp "cleanroute-fleet/internal/commands/application"
	commandsevents "cleanroute-fleet/internal/commands/application/events"
	commandsmqtt "cleanroute-fleet/internal/commands/infrastructure/mqtt"
	commandsrepo "cleanroute-fleet/internal/commands/infrastructure/postgres"
	commandsinterfaces "cleanroute-fleet/internal/commands/interfaces"
	commandshttp "cleanroute-fleet/internal/commands/interfaces/http"
	commandsconsumer "cleanroute-fleet/internal/commands/interfaces/mqtt"
	"cleanroute-fleet/internal/config"
	"cleanroute-fleet/internal/eventing"
	eventingrepo "cleanroute-fleet/internal/eventing/infrastructure/postgres"
	"cleanroute-fleet/internal/observability/metrics"
	registryapp "cleanroute-fleet/internal/registry/application"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registryrepo "cleanroute-fleet/internal/registry/infrastructure/postgres"
	registryinterfaces "cleanroute-fleet/internal/registry/interfaces"
	registryhttp "cleanroute-fleet/internal/registry/interfaces/http"
	telemetryapp "cleanroute-fleet/internal/telemetry/application"
	telemetryclickhouse "cleanroute-fleet/internal/telemetry/infrastructure/clickhouse"
	telemetrypostgres "cleanroute-fleet/internal/telemetry/infrastructure/postgres"
	telemetryhttp "cleanroute-fleet/internal/telemetry/interfaces/http"
	telemetrymqtt "cleanroute-fleet/internal/telemetry/interfaces/mqtt"
	"cleanroute-fleet/internal/transport/mqtt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

type appConfig struct {
	HTTPAddr        string
	DatabaseURL     string
	JWTSecret       string
	PolicyFile      string
	MetricsEnabled  bool
	EventQueueSize  int
	ShutdownTimeout time.Duration

	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTUseTLS         bool
	MQTTCACertFile     string
	MQTTConnectTimeout time.Duration
	MQTTHandlerTimeout time.Duration

	TelemetryStore     string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	AlertWebhookURL      string
	AlertWebhookTemplate string
	AlertMinSeverity     string
	AlertCooldown        time.Duration
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatalf("policy load error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventing.NewInMemoryBus()
	dlqStore := eventingrepo.NewDLQStore(db)
	publisher, err := eventing.NewAsyncPublisher(bus, logger,
		eventing.WithDeadLetters(dlqStore),
		eventing.WithQueueSize(cfg.EventQueueSize),
	)
	if err != nil {
		logger.Fatalf("event publisher init error: %v", err)
	}

	// Registry
	deviceRepo := registryrepo.NewDeviceRepository(db)
	registry := registryapp.NewRegistry(
		registryapp.WithPublisher(publisher),
		registryapp.WithLogger(logger),
	)
	persisted, err := deviceRepo.ListAll(ctx)
	if err != nil {
		logger.Fatalf("device hydrate error: %v", err)
	}
	logger.Printf("registry: hydrated devices=%d", registry.Load(persisted))
	deviceConsumer, err := registryinterfaces.NewDeviceChangedConsumer(deviceRepo)
	if err != nil {
		logger.Fatalf("device consumer init error: %v", err)
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[registryevents.DeviceChanged](), "device_changed_store", deviceConsumer.Handle)

	// Alerts
	alertRepo := alertrepo.NewAlertRepository(db)
	alertService, err := alertapp.NewService(registry, policy,
		alertapp.WithPublisher(publisher),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("alert service init error: %v", err)
	}
	openAlerts, err := alertRepo.ListOpen(ctx)
	if err != nil {
		logger.Fatalf("alert hydrate error: %v", err)
	}
	logger.Printf("alerts: hydrated open=%d", alertService.Load(openAlerts))

	sseBroker := alerthttp.NewSSEBroker()
	notifiers := []alertnotify.Notifier{sseBroker}
	if cfg.AlertWebhookURL != "" {
		notifier, err := buildWebhookNotifier(cfg, logger)
		if err != nil {
			logger.Fatalf("alert webhook init error: %v", err)
		}
		notifiers = append(notifiers, notifier)
	}
	alertConsumer, err := alertinterfaces.NewAlertChangedConsumer(alertRepo, alertnotify.NewMultiNotifier(notifiers...))
	if err != nil {
		logger.Fatalf("alert consumer init error: %v", err)
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[alertevents.AlertChanged](), "alert_changed_store", alertConsumer.Handle)

	// Telemetry
	samples, closeSamples, err := openSampleStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatalf("sample store init error: %v", err)
	}
	defer closeSamples()
	ingest, err := telemetryapp.NewService(registry, samples, alertService, policy.Ingest,
		telemetryapp.WithPublisher(publisher),
		telemetryapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("telemetry service init error: %v", err)
	}

	// Commands
	mqttClient, err := mqtt.NewClient(mqtt.Config{
		Broker:         cfg.MQTTBroker,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		UseTLS:         cfg.MQTTUseTLS,
		CACertFile:     cfg.MQTTCACertFile,
		ConnectTimeout: cfg.MQTTConnectTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt init error: %v", err)
	}
	defer mqttClient.Close()

	sender, err := commandsmqtt.NewSender(mqttClient)
	if err != nil {
		logger.Fatalf("command sender init error: %v", err)
	}
	dispatcher, err := commandsapp.NewDispatcher(registry, sender, policy.Commands,
		commandsapp.WithPublisher(publisher),
		commandsapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("dispatcher init error: %v", err)
	}
	commandRepo := commandsrepo.NewCommandRepository(db)
	retained, err := commandRepo.ListSince(ctx, time.Now().UTC().Add(-policy.Commands.Retention))
	if err != nil {
		logger.Fatalf("command hydrate error: %v", err)
	}
	pending, err := commandRepo.ListPending(ctx)
	if err != nil {
		logger.Fatalf("command hydrate error: %v", err)
	}
	loaded, err := dispatcher.Load(append(pending, retained...))
	if err != nil {
		logger.Fatalf("command load error: %v", err)
	}
	logger.Printf("commands: hydrated commands=%d", loaded)

	commandConsumer, err := commandsinterfaces.NewCommandChangedConsumer(commandRepo)
	if err != nil {
		logger.Fatalf("command consumer init error: %v", err)
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.CommandChanged](), "command_changed_store", commandConsumer.Handle)
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.CommandFailed](), "command_failed_log", commandsinterfaces.NewCommandFailedConsumer(logger).Handle)

	// Collection
	orchestrator, err := collectionapp.NewOrchestrator(registry, dispatcher, alertService, policy.Collection,
		collectionapp.WithPublisher(publisher),
		collectionapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("orchestrator init error: %v", err)
	}
	defer orchestrator.Stop()
	windowRepo := collectionrepo.NewWindowRepository(db)
	openWindows, err := windowRepo.ListOpen(ctx)
	if err != nil {
		logger.Fatalf("window hydrate error: %v", err)
	}
	recentWindows, err := windowRepo.ListRecent(ctx, 20)
	if err != nil {
		logger.Fatalf("window hydrate error: %v", err)
	}
	// history is kept oldest first
	windows := openWindows
	for i := len(recentWindows) - 1; i >= 0; i-- {
		if recentWindows[i].State == collection.StateIdle {
			windows = append(windows, recentWindows[i])
		}
	}
	logger.Printf("collection: hydrated windows=%d", orchestrator.Load(windows))
	windowConsumer, err := collectioninterfaces.NewWindowChangedConsumer(windowRepo)
	if err != nil {
		logger.Fatalf("window consumer init error: %v", err)
	}
	eventing.Subscribe(bus, eventing.EventTypeOf[collectionevents.WindowChanged](), "window_changed_store", windowConsumer.Handle)
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.BroadcastSettled](), "collection_sleep_settled", orchestrator.HandleBroadcastSettled)

	// Background workers
	go publisher.Run(ctx)
	go dispatcher.Run(ctx)
	go alertService.Run(ctx)

	// MQTT inbound
	telemetryConsumer, err := telemetrymqtt.NewTelemetryConsumer(ingest, logger)
	if err != nil {
		logger.Fatalf("telemetry consumer init error: %v", err)
	}
	registrationConsumer, err := telemetrymqtt.NewRegistrationConsumer(ingest, logger)
	if err != nil {
		logger.Fatalf("registration consumer init error: %v", err)
	}
	ackConsumer, err := commandsconsumer.NewAckConsumer(dispatcher, logger)
	if err != nil {
		logger.Fatalf("ack consumer init error: %v", err)
	}
	subscriber, err := mqtt.NewSubscriber(mqttClient, mqtt.Inbound{
		Telemetry: telemetryConsumer,
		Register:  registrationConsumer,
		Ack:       ackConsumer,
	}, cfg.MQTTHandlerTimeout, logger)
	if err != nil {
		logger.Fatalf("mqtt subscriber init error: %v", err)
	}
	if err := subscriber.Start(ctx); err != nil {
		logger.Fatalf("mqtt subscribe error: %v", err)
	}

	// HTTP
	deviceHandler, err := registryhttp.NewHandler(registry, auditRepo)
	if err != nil {
		logger.Fatalf("device handler init error: %v", err)
	}
	telemetryHandler, err := telemetryhttp.NewHandler(ingest, logger)
	if err != nil {
		logger.Fatalf("telemetry handler init error: %v", err)
	}
	alertHandler, err := alerthttp.NewHandler(alertService, auditRepo)
	if err != nil {
		logger.Fatalf("alert handler init error: %v", err)
	}
	commandHandler, err := commandshttp.NewHandler(dispatcher, auditRepo)
	if err != nil {
		logger.Fatalf("command handler init error: %v", err)
	}
	collectionHandler, err := collectionhttp.NewHandler(orchestrator, auditRepo)
	if err != nil {
		logger.Fatalf("collection handler init error: %v", err)
	}

	router := apihttp.NewRouter(apihttp.Routes{
		Fleet: &apihttp.FleetHandler{
			Devices:     registry,
			Alerts:      alertService,
			Commands:    dispatcher,
			Collection:  orchestrator,
			Transport:   mqttClient,
			DeadLetters: dlqStore,
		},
		Devices:      deviceHandler,
		Telemetry:    telemetryHandler,
		Alerts:       alertHandler,
		AlertStream:  alerthttp.NewStreamHandler(sseBroker),
		Commands:     commandHandler,
		Collection:   collectionHandler,
		Auth:         auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)),
		Logger:       logger,
		MetricsRoute: cfg.MetricsEnabled,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	logger.Printf("shutdown complete")
}

func openSampleStore(ctx context.Context, cfg appConfig, db *sql.DB, logger *log.Logger) (telemetryapp.SampleStore, func(), error) {
	if strings.EqualFold(cfg.TelemetryStore, "clickhouse") {
		store, err := telemetryclickhouse.Open(ctx, telemetryclickhouse.Config{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := telemetrypostgres.NewSampleStore(db)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func buildWebhookNotifier(cfg appConfig, logger *log.Logger) (alertnotify.Notifier, error) {
	channel, err := alertnotify.NewWebhookChannel(cfg.AlertWebhookURL)
	if err != nil {
		return nil, err
	}
	template, err := alertnotify.NewTemplate(cfg.AlertWebhookTemplate)
	if err != nil {
		return nil, err
	}
	opts := []alertnotify.Option{
		alertnotify.WithLogger(logger),
		alertnotify.WithCooldown(cfg.AlertCooldown),
	}
	if cfg.AlertMinSeverity != "" {
		opts = append(opts, alertnotify.WithMinSeverity(alerts.Severity(cfg.AlertMinSeverity)))
	}
	return alertnotify.NewChannelNotifier(channel, template, opts...)
}

func loadConfig() appConfig {
	hostname, _ := os.Hostname()
	cfg := appConfig{
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:     getenvDefault("DATABASE_URL", os.Getenv("PG_DSN")),
		JWTSecret:       os.Getenv("AUTH_JWT_SECRET"),
		PolicyFile:      os.Getenv("FLEET_POLICY_FILE"),
		MetricsEnabled:  getenvBool("METRICS_ENABLED", true),
		EventQueueSize:  getenvIntDefault("EVENT_QUEUE_SIZE", 4096),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		MQTTBroker:         getenvDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:       getenvDefault("MQTT_CLIENT_ID", "cleanroute-fleet-"+hostname),
		MQTTUsername:       os.Getenv("MQTT_USERNAME"),
		MQTTPassword:       os.Getenv("MQTT_PASSWORD"),
		MQTTUseTLS:         getenvBool("MQTT_USE_TLS", false),
		MQTTCACertFile:     os.Getenv("MQTT_CA_CERT"),
		MQTTConnectTimeout: getenvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		MQTTHandlerTimeout: getenvDuration("MQTT_HANDLER_TIMEOUT", 10*time.Second),

		TelemetryStore:     getenvDefault("TELEMETRY_STORE", "postgres"),
		ClickHouseAddr:     getenvDefault("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: getenvDefault("CLICKHOUSE_DATABASE", "default"),
		ClickHouseUser:     getenvDefault("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),

		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookTemplate: os.Getenv("ALERT_WEBHOOK_TEMPLATE"),
		AlertMinSeverity:     os.Getenv("ALERT_MIN_SEVERITY"),
		AlertCooldown:        getenvDuration("ALERT_COOLDOWN", 10*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
