package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/navimed/navimed/internal/config"
	"github.com/navimed/navimed/internal/domain/access"
	"github.com/navimed/navimed/internal/domain/patient"
	"github.com/navimed/navimed/internal/platform/auth"
	"github.com/navimed/navimed/internal/platform/db"
	"github.com/navimed/navimed/internal/platform/metrics"
	"github.com/navimed/navimed/internal/platform/middleware"
	"github.com/navimed/navimed/internal/platform/notification"
	"github.com/navimed/navimed/internal/platform/webhook"
)

// patientDirectory adapts the patient service to the attribute lookup the
// approval engine needs, avoiding a direct dependency between the domains.
type patientDirectory struct {
	svc *patient.Service
}

func (d *patientDirectory) Attributes(ctx context.Context, patientID uuid.UUID) (access.PatientAttributes, error) {
	p, err := d.svc.Get(ctx, patientID)
	if err != nil {
		return access.PatientAttributes{}, err
	}
	return patientAttrs(p), nil
}

func patientAttrs(p *patient.Patient) access.PatientAttributes {
	return access.PatientAttributes{
		VIP:              p.VIP,
		BehavioralHealth: p.BehavioralHealth,
		Minor:            p.IsMinor(time.Now()),
		LegalHold:        p.LegalHold,
		Deceased:         p.Deceased,
	}
}

// engineNotifier fans approval-engine notifications out to the notification
// manager and to webhook subscribers.
type engineNotifier struct {
	manager  *notification.NotificationManager
	webhooks *webhook.Dispatcher
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

func (n *engineNotifier) Notify(ctx context.Context, templateID string, data map[string]string, recipient string) error {
	_, err := n.manager.SendFromTemplate(ctx, templateID, data, recipient)
	status := "sent"
	if err != nil {
		status = "failed"
	}
	n.metrics.RecordNotification(templateID, status)

	deliveries := n.webhooks.Publish(ctx, webhook.Event{
		ID:         uuid.NewString(),
		Type:       "access." + templateID,
		RequestID:  data["request_id"],
		PatientID:  data["patient_id"],
		Data:       data,
		OccurredAt: time.Now().UTC(),
	})
	for _, d := range deliveries {
		if !d.Succeeded {
			n.logger.Warn().
				Str("subscription_id", d.SubscriptionID).
				Str("error", d.Error).
				Msg("webhook delivery failed")
		}
	}
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "navimed-server",
		Short: "Patient access approval engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the approval engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// sweepCmd runs a single sweep pass over every tenant schema and exits.
// Useful for cron-style deployments where the long-running sweeper inside
// the server is disabled.
func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and revocation sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			patientSvc := patient.NewService(patient.NewRepoPG(pool))
			accessSvc := access.NewService(
				access.NewRepoPG(pool),
				&patientDirectory{svc: patientSvc},
				access.NewPolicy(access.SLAConfig{
					Routine:   cfg.SLARoutine,
					Standard:  cfg.SLAStandard,
					Emergency: cfg.SLAEmergency,
				}),
				access.GrantPolicy{Default: cfg.DefaultGrantWindow, Max: cfg.MaxGrantWindow},
				logger,
			)

			sweeper := access.NewSweeper(accessSvc, cfg.SweepInterval, logger)
			sweeper.SetScope(db.NewSchemaScope(pool))
			result, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Sweep done: expired=%d auto_approved=%d skipped=%d revoked=%d\n",
				result.Expired, result.AutoApproved, result.Skipped, result.Revoked)
			return nil
		},
	}
	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	collector := metrics.NewCollector()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(collector.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	// Notification plumbing. Mail and SMS transports are deployment glue;
	// the log senders record outbound messages in the structured log.
	notifyManager := notification.NewNotificationManager(
		&notification.LogEmailSender{Logger: logger},
		&notification.LogSMSSender{Logger: logger},
		notification.NewTemplateEngine(),
	)

	// Outbound approval events. Subscriptions persist in the shared schema
	// so they survive restarts.
	dispatcher := webhook.NewDispatcher(webhook.NewPGStore(pool), logger)
	webhookHandler := webhook.NewHandler(dispatcher)
	webhookHandler.RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleComplianceOfficer)))

	// Patient registry
	patientRepo := patient.NewRepoPG(pool)
	patientSvc := patient.NewService(patientRepo)
	patientHandler := patient.NewHandler(patientSvc)
	patientHandler.RegisterRoutes(apiV1)

	// Access approval engine
	accessRepo := access.NewRepoPG(pool)
	policy := access.NewPolicy(access.SLAConfig{
		Routine:   cfg.SLARoutine,
		Standard:  cfg.SLAStandard,
		Emergency: cfg.SLAEmergency,
	})
	accessSvc := access.NewService(
		accessRepo,
		&patientDirectory{svc: patientSvc},
		policy,
		access.GrantPolicy{Default: cfg.DefaultGrantWindow, Max: cfg.MaxGrantWindow},
		logger,
	)
	accessSvc.SetNotifier(&engineNotifier{
		manager:  notifyManager,
		webhooks: dispatcher,
		metrics:  collector,
		logger:   logger,
	})
	accessSvc.SetMetrics(collector)
	accessHandler := access.NewHandler(accessSvc)
	accessHandler.RegisterRoutes(apiV1)

	// Patient attribute changes re-tighten pending workflows.
	patientSvc.SetChangeListener(func(ctx context.Context, p *patient.Patient) {
		if err := accessSvc.ReclassifyPending(ctx, p.ID, patientAttrs(p)); err != nil {
			logger.Error().Err(err).
				Str("patient_id", p.ID.String()).
				Msg("reclassification after patient update failed")
		}
	})

	// Background expiry and revocation sweeper. It runs outside any request,
	// so it iterates tenant schemas itself instead of relying on the tenant
	// middleware to scope its connections.
	sweeper := access.NewSweeper(accessSvc, cfg.SweepInterval, logger)
	sweeper.SetScope(db.NewSchemaScope(pool))
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go sweeper.Run(sweepCtx)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
