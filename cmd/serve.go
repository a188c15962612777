package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/config"
	"github.com/RegularizePGFN/regularize-bot/internal/core/evidence"
	"github.com/RegularizePGFN/regularize-bot/internal/core/job"
	"github.com/RegularizePGFN/regularize-bot/internal/core/metrics"
	"github.com/RegularizePGFN/regularize-bot/internal/core/otp"
	"github.com/RegularizePGFN/regularize-bot/internal/core/probe"
	"github.com/RegularizePGFN/regularize-bot/internal/core/registration"
	"github.com/RegularizePGFN/regularize-bot/internal/health"
	"github.com/RegularizePGFN/regularize-bot/internal/logger"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/postgres"
	rds "github.com/RegularizePGFN/regularize-bot/internal/platform/redis"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/supabase"
	"github.com/RegularizePGFN/regularize-bot/internal/platform/tasks"
	"github.com/RegularizePGFN/regularize-bot/internal/server"
	"github.com/RegularizePGFN/regularize-bot/internal/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the task worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (HTTP_ADDR)")
	serveCmd.Flags().String("store", "", "probe job store: redis, postgres or memory (JOB_STORE)")
	serveCmd.Flags().Int("concurrency", 0, "worker concurrency (WORKER_CONCURRENCY)")
	bindFlag(serveCmd, "addr", "HTTP_ADDR")
	bindFlag(serveCmd, "store", "JOB_STORE")
	bindFlag(serveCmd, "concurrency", "WORKER_CONCURRENCY")

	rootCmd.AddCommand(serveCmd)
}

// bindFlag lets an explicitly set flag override the environment.
func bindFlag(cmd *cobra.Command, flag, key string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logr := logger.NewWithConfig("main", logger.Config{AppEnv: cfg.AppEnv})
	logr.LogInfof("Starting at %s (env=%s, store=%s)", cfg.HTTPAddr, cfg.AppEnv, cfg.JobStore)

	redisSvc, err := rds.New(rds.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return err
	}
	defer redisSvc.Close()
	checks := map[string]health.Check{"redis": redisSvc.HealthCheck}

	var jobs job.Store
	switch cfg.JobStore {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx, job.Migrations, job.MigrationsDir); err != nil {
			return err
		}
		jobs = job.NewPostgresStore(db.Pool)
		checks["postgres"] = db.HealthCheck
	case "memory":
		logr.LogWarnf("JOB_STORE=memory: probe jobs are lost on restart")
		jobs = job.NewMemoryStore()
	default:
		jobs = job.NewRedisStore(redisSvc)
	}

	supaClient, err := supabase.New(cfg)
	if err != nil {
		return err
	}
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()

	portalClient, classifier, solver, err := portalStack(cfg, logr)
	if err != nil {
		return err
	}
	probeSvc := probe.NewService(jobs, taskClient,
		probe.NewProber(portalClient, classifier, solver, cfg.MaxChallengeRounds),
		probe.Options{Delay: cfg.ProbeDelay, MaxRetries: cfg.TaskMaxRetries, TaskTimeout: cfg.ProbeTaskTimeout})

	var renderer evidence.Renderer
	if cfg.EvidenceBrowser != "none" {
		renderer = evidence.NewPlaywrightRenderer()
	}
	evidenceSvc, err := evidence.New(cfg, supaClient, renderer)
	if err != nil {
		return err
	}

	var registrations registration.Store = registration.NewRedisStore(redisSvc)
	if supaClient != nil {
		registrations = registration.NewSupabaseStore(supaClient)
	}
	mailbox := otp.NewMailbox(redisSvc, cfg.OTPTimeout+5*time.Minute)
	metricsSvc := metrics.New(metrics.NewRedisCounters(redisSvc), supaClient)
	regSvc := registration.NewService(registration.Deps{
		Store:      registrations,
		Queue:      taskClient,
		Vault:      registration.NewVault(cfg.SecretTTL),
		Portal:     portalClient,
		Classifier: classifier,
		Solver:     solver,
		OTP:        mailbox,
		Evidence:   evidenceSvc,
		Metrics:    metricsSvc,
	}, registration.Options{
		OTPTimeout:         cfg.OTPTimeout,
		BcryptCost:         cfg.BcryptCost,
		MaxChallengeRounds: cfg.MaxChallengeRounds,
		TaskTimeout:        cfg.RegistrationTaskTimeout(),
	})

	mux := worker.NewMux()
	mux.HandleFunc(tasks.TypeProbe, probeSvc.HandleTask)
	mux.HandleFunc(tasks.TypeRegistration, regSvc.HandleTask)
	mux.OnExhausted(tasks.TypeProbe, probeSvc.FailExhausted)
	mux.OnExhausted(tasks.TypeRegistration, regSvc.FailExhausted)

	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency:  cfg.WorkerConcurrency,
		Queues:       map[string]int{tasks.QueueDefault: 1},
		ErrorHandler: mux.ErrorHandler(),
	})
	if err := asynqServer.Start(mux.Mux()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName: "Regularize Bot",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Proof artifacts stored locally when Supabase is not configured.
	app.Static("/files", cfg.DataDir)

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Jobs:         jobs,
		Probe:        probeSvc,
		Registration: regSvc,
		OTP:          mailbox,
		Metrics:      metricsSvc,
		Checks:       checks,
	})
	healthHandler.SetReady()

	go func() {
		<-ctx.Done()
		logr.LogInfo("Shutting down...")
		// Running probe jobs stay in processing and resume on redelivery.
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	return nil
}
