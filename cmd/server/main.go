// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"parking-service/internal/cache"
	"parking-service/internal/channel"
	"parking-service/internal/config"
	"parking-service/internal/database"
	"parking-service/internal/gate"
	"parking-service/internal/handler"
	"parking-service/internal/model"
	"parking-service/internal/orchestrator"
	"parking-service/internal/printer"
	"parking-service/internal/repository"
	"parking-service/internal/routes"
	"parking-service/internal/scanner"
	"parking-service/internal/service"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

const serviceName = "parking-service"

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	redis    *redis.Client
	cache    *cache.SessionCache

	ctx    context.Context
	cancel context.CancelFunc

	// Repositories
	sessionRepo repository.SessionRepository
	rateRepo    repository.RateRepository
	auditRepo   repository.AuditRepository

	// Lane
	bus           *handler.EventBus
	hub           *handler.WebSocketHandler
	deviceService *service.DeviceService
	gate          *gate.Controller
	scanner       *scanner.Service
	printer       *printer.Service
	sessions      *session.Manager
	orchestrator  *orchestrator.Orchestrator
	channel       *channel.Client
}

func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, serviceName)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.Facility)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := app.initializeCache(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	app.initializeEvents()
	app.initializeDevices()
	app.initializeLane()
	app.initializeChannel()

	if err := app.initializeServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDatabase sets up database connection and runs migrations. Without a
// configured host the lane runs on in-memory storage.
func (app *Application) initializeDatabase() error {
	if !app.config.HasDatabase() {
		app.logger.Warn("No database configured, sessions are kept in memory")
		return nil
	}

	db, err := database.NewConnection(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if app.config.Database.AutoMigrate {
		migrator := database.NewMigrator(db, app.logger, &app.config.Database)
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	if app.database != nil {
		app.sessionRepo = repository.NewSessionRepository(app.database, app.logger)
		app.rateRepo = repository.NewRateRepository(app.database, app.config.Printer.MinorUnitDigits, app.logger)
		app.auditRepo = repository.NewAuditRepository(app.database, app.logger)
		app.logger.Info("Repositories initialized successfully", zap.String("store", app.database.Driver()))
		return nil
	}

	rates, err := repository.LoadRateFile(app.config.Facility.RateFile)
	if err != nil {
		return fmt.Errorf("failed to load rate file: %w", err)
	}
	app.sessionRepo = repository.NewMemorySessionRepository()
	app.rateRepo = rates
	app.auditRepo = repository.NewMemoryAuditRepository()

	app.logger.Info("Repositories initialized successfully",
		zap.String("store", "memory"),
		zap.String("rate_file", app.config.Facility.RateFile),
	)
	return nil
}

// initializeCache connects to redis when enabled
func (app *Application) initializeCache() error {
	if !app.config.Redis.Enabled {
		return nil
	}

	client, err := cache.NewRedisClient(&app.config.Redis)
	if err != nil {
		return err
	}
	app.redis = client
	app.cache = cache.NewSessionCache(client, app.config.Redis.SessionTTL, app.logger)

	ctx, cancel := context.WithTimeout(app.ctx, 5*time.Second)
	defer cancel()
	if err := app.cache.Ping(ctx); err != nil {
		// Sessions still resolve from the store while redis is away
		app.logger.Warn("Redis not reachable at startup", zap.Error(err))
	}

	app.logger.Info("Session cache initialized", zap.Duration("ttl", app.config.Redis.SessionTTL))
	return nil
}

// initializeEvents creates the dashboard event bus and hub
func (app *Application) initializeEvents() {
	app.bus = handler.NewEventBus(app.logger)
	app.hub = handler.NewWebSocketHandler(app.bus, app.snapshot, app.config.Security.AllowedOrigins, app.logger)
}

// initializeDevices builds the serial links and their supervisors
func (app *Application) initializeDevices() {
	deviceEvents := handler.NewDeviceEventHandler(app.bus, app.logger)

	hooks := service.DeviceHooks{
		State: deviceEvents.StateListener,
		Health: func(deviceID string, status model.HealthStatus) {
			deviceEvents.OnDeviceHealth(deviceID, status)
			app.notify(channel.EventDeviceHealth, status)
		},
		Exhausted: func(deviceID string, err error) {
			event := model.NewEvent(model.EventDeviceError, deviceID, gin.H{"error": err.Error()})
			event.Severity = "CRITICAL"
			app.bus.Publish(event)
		},
	}
	app.deviceService = service.NewDeviceService(app.config, hooks, nil, app.logger)
}

// initializeLane wires the gate, scanner, printer, session manager and
// orchestrator together
func (app *Application) initializeLane() {
	cfg := app.config

	app.gate = gate.NewController(app.deviceService.Link(model.DeviceKindGate), gate.Options{
		GateID:         cfg.Facility.GateID,
		Mode:           gate.Mode(cfg.Gate.Mode),
		AutoCloseAfter: cfg.Gate.AutoCloseAfter,
		ConfirmTimeout: cfg.Gate.ConfirmTimeout,
		Logger:         app.logger,
		Audit:          app.auditRepo,
		OnChange: func(status gate.Status) {
			app.bus.Publish(model.NewEvent(model.EventGateChanged, status.GateID, status))
		},
	})

	app.scanner = scanner.New(app.deviceService.Link(model.DeviceKindScanner), scanner.Options{Logger: app.logger})
	app.scanner.Subscribe(func(event model.ScanEvent) {
		app.bus.Publish(model.NewEvent(model.EventScan, event.DeviceID, event))
	})

	app.printer = printer.New(app.deviceService.Link(model.DeviceKindPrinter), printer.Options{
		Layout: printer.Layout{
			PaperWidth:      cfg.Printer.PaperWidth,
			Header:          cfg.Printer.Header,
			Footer:          cfg.Printer.Footer,
			Currency:        cfg.Printer.Currency,
			MinorUnitDigits: cfg.Printer.MinorUnitDigits,
			Location:        time.Local,
		},
		RetryAttempts: cfg.Printer.RetryAttempts,
		PrintDelay:    cfg.Printer.PrintDelay,
		Logger:        app.logger,
	})

	opts := session.Options{Logger: app.logger, Audit: app.auditRepo}
	if app.cache != nil {
		opts.Cache = app.cache
	}
	app.sessions = session.NewManager(app.sessionRepo, app.rateRepo, opts)

	app.orchestrator = orchestrator.New(app.sessions, orchestrator.Options{
		Gate:           app.gate,
		Printer:        app.printer,
		Logger:         app.logger,
		ActuateTimeout: cfg.Health.GateCommandTimeout,
	})
	app.orchestrator.OnSessionCreated(func(s model.Session) {
		app.bus.Publish(model.NewEvent(model.EventSessionCreated, cfg.Facility.GateID, s))
		app.notify(channel.EventTicketCreated, model.TicketCreatedData{
			TicketID:    s.ID,
			PlateNumber: s.PlateNumber,
			VehicleType: s.VehicleType,
			EntryTime:   s.EntryTime,
		})
	})
	app.orchestrator.OnSessionCompleted(func(s model.Session) {
		app.bus.Publish(model.NewEvent(model.EventSessionCompleted, cfg.Facility.GateID, s))
		data := model.TicketCompletedData{TicketID: s.ID, PlateNumber: s.PlateNumber}
		if s.ExitTime != nil {
			data.ExitTime = *s.ExitTime
		}
		if s.Fee != nil {
			data.Fee = *s.Fee
		}
		app.notify(channel.EventTicketCompleted, data)
	})
	app.orchestrator.OnOutcome(func(out orchestrator.Outcome) {
		event := model.NewEvent(model.EventSequence, cfg.Facility.GateID, out)
		if !out.OK() {
			event.Severity = "WARNING"
		}
		app.bus.Publish(event)
	})

	app.logger.Info("Lane initialized",
		zap.String("facility", cfg.Facility.Name),
		zap.String("role", cfg.Facility.Role),
		zap.String("gate_id", cfg.Facility.GateID),
	)
}

// initializeChannel creates the link to the remote exit-point client
func (app *Application) initializeChannel() {
	cfg := app.config.Channel
	if !cfg.Enabled {
		return
	}

	app.channel = channel.NewClient(channel.Options{
		URL:              cfg.URL,
		ReconnectDelay:   cfg.ReconnectDelay,
		MaxAttempts:      cfg.MaxAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           app.logger,
	})

	app.channel.ServeLane(app.ctx, app.orchestrator, app.config.HandlesEntry(), app.config.HandlesExit())
	app.channel.OnExhausted(func(err error) {
		event := model.NewEvent(model.EventChannelExhausted, "", gin.H{"url": cfg.URL, "error": err.Error()})
		event.Severity = "CRITICAL"
		app.bus.Publish(event)
	})
}

// notify queues an event for the remote client. It never blocks the caller,
// which may be a device read loop.
func (app *Application) notify(event string, data interface{}) {
	if app.channel == nil {
		return
	}
	if err := app.channel.Publish(event, data); err != nil {
		app.logger.Debug("Channel event not queued", zap.String("event", event), zap.Error(err))
	}
}

// snapshot is the state a dashboard receives when it connects
func (app *Application) snapshot() interface{} {
	return gin.H{
		"facility": app.config.Facility.Name,
		"role":     app.config.Facility.Role,
		"gate":     app.gate.Status(),
		"devices":  app.deviceService.List(),
		"lane":     app.orchestrator.Stats(),
	}
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	health := handler.HealthDeps{Devices: app.deviceService}
	if app.database != nil {
		health.Database = app.database
	}
	if app.cache != nil {
		health.Cache = app.cache
	}
	if app.channel != nil {
		health.Channel = app.channel
	}

	routerManager := routes.NewRouter(app.config, app.logger, routes.Dependencies{
		Lane:     app.orchestrator,
		Sessions: app.sessions,
		Audit:    app.auditRepo,
		Gate:     app.gate,
		Devices:  app.deviceService,
		Health:   health,
		Hub:      app.hub,
	})

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices() {
	go app.bus.Start(app.ctx)
	go app.hub.Start(app.ctx)

	app.deviceService.Start(app.ctx)

	if app.config.HandlesExit() {
		go app.orchestrator.Run(app.ctx, app.scanner.Events())
	}

	if app.channel != nil {
		go func() {
			if err := app.channel.Connect(app.ctx); err != nil {
				// The client keeps retrying on its own
				app.logger.Warn("Initial channel connect failed", zap.Error(err))
			}
		}()
	}

	app.logger.Info("Background services started")
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops the HTTP server first so no request reaches a device that is
// being released
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, serviceName)
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.cancel()
	app.gate.Dispose()
	app.deviceService.Close()

	if app.channel != nil {
		if err := app.channel.Close(); err != nil {
			app.logger.Error("Channel close error", zap.Error(err))
		}
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Redis close error", zap.Error(err))
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the HTTP server and the lane until a shutdown signal arrives
func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()

	app.waitForShutdown()

	return nil
}
