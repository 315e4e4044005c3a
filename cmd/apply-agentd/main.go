package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hiapplyco/apply-agents/internal/api"
	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/internal/orchestration/gateway"
	"github.com/hiapplyco/apply-agents/internal/orchestration/sinks"
	"github.com/hiapplyco/apply-agents/internal/testutil"
	"github.com/hiapplyco/apply-agents/pkg/config"
	"github.com/hiapplyco/apply-agents/pkg/models"
	"github.com/hiapplyco/apply-agents/pkg/utils"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apply-agentd",
		Short: "Recruitment agent orchestration daemon",
		Long:  "Runs the multi-agent orchestration engine behind the apply.codes recruitment platform",
	}
	rootCmd.PersistentFlags().String("config", "", "config directory (default searches ., ./configs, /etc/apply-agents)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd(), validateCmd(), demoCmd(), secretCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	manager := config.NewManager(viper.GetString("config"))
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	// Credentials left out of the config file come from the secret store.
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = config.ResolveSecret("gateway_api_key")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = config.ResolveSecret("jwt_secret")
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	return logger
}

func buildOrchestrator(cfg *config.Config, gw orchestration.ModelGateway, services *orchestration.Services, extraSinks []orchestration.MetricsSink, logger *logrus.Logger) *orchestration.Orchestrator {
	ocfg := orchestration.Config{
		MaxConcurrentAgents: cfg.Orchestration.MaxConcurrentAgents,
		DefaultTimeout:      cfg.Orchestration.DefaultTimeout,
		RetryMaxAttempts:    cfg.Orchestration.Retry.MaxAttempts,
		RetryBackoff:        cfg.Orchestration.Retry.Backoff,
		MonitoringEnabled:   cfg.Orchestration.Monitoring.Enabled,
		MetricsInterval:     cfg.Orchestration.Monitoring.MetricsInterval,
		MaxLogSize:          cfg.Orchestration.MessageBus.MaxLogSize,
	}
	return orchestration.NewOrchestrator(ocfg, gw, services, extraSinks, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := initLogger(cfg)

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			promSink := sinks.NewPrometheusSink(registry)
			auditSink := sinks.NewAuditSink(logger)

			gw := gateway.NewHTTPGateway(cfg.Gateway.BaseURL, gateway.Options{
				APIKey:            cfg.Gateway.APIKey,
				Timeout:           cfg.Gateway.Timeout,
				RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
				Burst:             cfg.Gateway.Burst,
			}, logger)

			// External platform clients are registered by deployment
			// configuration; the daemon itself starts with none.
			orchestrator := buildOrchestrator(cfg, gw, &orchestration.Services{}, []orchestration.MetricsSink{promSink, auditSink}, logger)
			if err := orchestrator.Initialize(cmd.Context()); err != nil {
				return err
			}

			router := mux.NewRouter()
			router.Use(utils.RecoveryMiddleware(logger))
			router.Use(utils.LoggingMiddleware(logger))
			router.Use(utils.CORSMiddleware())
			router.Use(utils.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
			if cfg.Auth.Enabled {
				router.Use(utils.AuthMiddleware(cfg.Auth.JWTSecret))
			}
			router.Use(otelhttp.NewMiddleware("apply-agentd"))

			server := api.NewServer(orchestrator, Version, logger)
			server.RegisterRoutes(router)

			httpServer := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				metricsRouter := mux.NewRouter()
				metricsRouter.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				metricsServer = &http.Server{
					Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
					Handler: metricsRouter,
				}
				go func() {
					logger.WithField("addr", metricsServer.Addr).Info("Starting metrics server")
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.WithError(err).Fatal("Metrics server failed")
					}
				}()
			}

			go func() {
				logger.WithField("addr", httpServer.Addr).Info("Starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Fatal("HTTP server failed")
				}
			}()

			logger.WithFields(logrus.Fields{
				"version": Version,
				"commit":  Commit,
				"built":   BuildTime,
			}).Info("apply-agentd started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("Shutting down apply-agentd...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(ctx); err != nil {
				logger.WithError(err).Error("Failed to shutdown HTTP server")
			}
			if metricsServer != nil {
				if err := metricsServer.Shutdown(ctx); err != nil {
					logger.WithError(err).Error("Failed to shutdown metrics server")
				}
			}
			if err := orchestrator.Shutdown(ctx); err != nil {
				logger.WithError(err).Error("Failed to shutdown orchestrator")
			}

			logger.Info("apply-agentd shutdown complete")
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := initLogger(cfg)

			validator := orchestration.NewWorkflowValidator(
				models.AgentTypeSourcing, models.AgentTypeEnrichment, models.AgentTypePlanning)
			registry := orchestration.NewWorkflowRegistry(validator, logger)

			def, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("workflow %q (%d steps): valid\n", def.ID, len(def.Steps))
			return nil
		},
	}
}

// secretCmd manages the encrypted credential store used by serve for the
// gateway API key and the JWT signing secret.
func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage stored credentials",
	}

	newManager := func() (*config.SecretsManager, error) {
		key := os.Getenv("APPLY_SECRETS_KEY")
		if key == "" {
			return nil, fmt.Errorf("APPLY_SECRETS_KEY must be set")
		}
		return config.NewSecretsManager(key, os.Getenv("APPLY_SECRETS_PATH"))
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Store a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				manager, err := newManager()
				if err != nil {
					return err
				}
				return manager.Store(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				manager, err := newManager()
				if err != nil {
					return err
				}
				value, err := manager.Retrieve(args[0])
				if err != nil {
					return err
				}
				fmt.Println(value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			RunE: func(cmd *cobra.Command, args []string) error {
				manager, err := newManager()
				if err != nil {
					return err
				}
				names, err := manager.List()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "keygen",
			Short: "Generate an encryption key for APPLY_SECRETS_KEY",
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := config.GenerateEncryptionKey()
				if err != nil {
					return err
				}
				fmt.Println(key)
				return nil
			},
		},
	)
	return cmd
}

// demoCmd runs the sourcing → enrichment → planning pipeline against
// fake collaborators, useful for trying the engine without a model
// backend.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a demo recruitment workflow against fake services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Logging.Format = "text"
			logger := initLogger(cfg)

			gw := testutil.NewFakeGateway()
			services := &orchestration.Services{
				Search: map[string]orchestration.CandidateSearchService{
					"linkedin": &testutil.FakeSearchService{Platform: "linkedin", Hits: 5},
					"github":   &testutil.FakeSearchService{Platform: "github", Hits: 3},
				},
				Enrichment: &testutil.FakeEnrichmentService{},
			}
			memSink := sinks.NewMemorySink()

			orchestrator := buildOrchestrator(cfg, gw, services, []orchestration.MetricsSink{memSink}, logger)
			if err := orchestrator.Initialize(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = orchestrator.Shutdown(shutdownCtx)
			}()

			def := &models.WorkflowDefinition{
				ID:      "demo-recruitment",
				Name:    "Demo recruitment pipeline",
				Version: "1.0.0",
				Steps: []*models.WorkflowStep{
					{
						ID:        "find",
						Name:      "Find candidates",
						AgentType: models.AgentTypeSourcing,
						Task: models.TaskTemplate{
							Type: "candidate_search",
							Input: map[string]interface{}{
								"query":      `"golang" AND "distributed systems"`,
								"maxResults": 5,
							},
						},
					},
					{
						ID:           "enrich",
						Name:         "Enrich contact data",
						AgentType:    models.AgentTypeEnrichment,
						Dependencies: []string{"find"},
						Task: models.TaskTemplate{
							Type:  "contact_discovery",
							Input: map[string]interface{}{"candidates": []interface{}{}},
						},
					},
					{
						ID:           "plan",
						Name:         "Build recruitment plan",
						AgentType:    models.AgentTypePlanning,
						Dependencies: []string{"find"},
						Parallel:     true,
						Task: models.TaskTemplate{
							Type:  "recruitment_plan",
							Input: map[string]interface{}{"role": "Senior Go Engineer"},
						},
					},
				},
			}

			instance, err := orchestrator.ExecuteWorkflow(cmd.Context(), def, models.AgentContext{
				UserID:    "demo-user",
				SessionID: "demo-session",
			})
			if err != nil {
				return err
			}

			fmt.Printf("workflow %s finished: %s\n", instance.ID, instance.Status)
			for stepID, result := range instance.Results {
				fmt.Printf("  step %-8s %-10s (%dms)\n", stepID, result.Status, result.Duration().Milliseconds())
			}
			fmt.Printf("activity records: %d\n", len(memSink.Activities()))
			return nil
		},
	}
}
