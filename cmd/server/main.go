package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/playoffpool/backend/internal/audit"
	"github.com/playoffpool/backend/internal/database"
	"github.com/playoffpool/backend/internal/handlers"
	mW "github.com/playoffpool/backend/internal/middleware"
	"github.com/playoffpool/backend/internal/observability"
	"github.com/playoffpool/backend/internal/services"
)

func main() {
	log := observability.NewLogger("server")

	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("config file not found, using defaults")
	}

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("payout.poll_interval", "PAYOUT_POLL_INTERVAL")
	viper.BindEnv("payout.job_batch_size", "PAYOUT_JOB_BATCH_SIZE")
	viper.BindEnv("payout.transfer_batch_size", "PAYOUT_TRANSFER_BATCH_SIZE")
	viper.SetDefault("payout.poll_interval", 15*time.Second)
	viper.SetDefault("payout.job_batch_size", 10)
	viper.SetDefault("payout.transfer_batch_size", 25)

	db, err := database.InitDB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	auditLogger := audit.NewLogger()

	ledgerService := services.NewLedgerService(db, redisClient, metrics)
	settlementService := services.NewSettlementService(db, services.NewDBSnapshotProvider(), services.DefaultEligibility, auditLogger, metrics)
	payoutService := services.NewPayoutService(db, services.NewWalletRailExecutor(), ledgerService, metrics)
	joinService := services.NewJoinService(db, ledgerService, auditLogger, metrics)
	inviteService := services.NewInviteService(db, redisClient)

	walletHandler := handlers.NewWalletHandler(ledgerService)
	contestHandler := handlers.NewContestHandler(joinService, settlementService)
	payoutHandler := handlers.NewPayoutHandler(payoutService)
	inviteHandler := handlers.NewInviteHandler(inviteService)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/wallets/{userId}/balance", walletHandler.GetBalance)
		r.Get("/wallets/{userId}/entries", walletHandler.GetEntries)
		r.Post("/wallets/credit", walletHandler.Credit)

		r.Post("/contests/{contestId}/join", contestHandler.Join)
		r.Post("/contests/{contestId}/settle", contestHandler.Settle)
		r.Get("/contests/{contestId}/settlement", contestHandler.GetSettlement)
		r.Get("/contests/{contestId}/invite/qr", inviteHandler.GenerateQR)
		r.Post("/invites/redeem", inviteHandler.Redeem)

		r.Post("/payouts/process", payoutHandler.ProcessPending)
		r.Post("/payouts/jobs/{jobId}/process", payoutHandler.ProcessJob)
	})

	pollCtx, stopPolling := context.WithCancel(context.Background())
	go pollPayoutJobs(pollCtx, payoutService)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopPolling()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

// pollPayoutJobs drives pending and processing payout jobs to completion.
// The orchestrator makes correct forward progress however often this runs,
// so the interval is purely a throughput knob.
func pollPayoutJobs(ctx context.Context, payouts *services.PayoutService) {
	log := observability.NewLogger("payout-poll")

	interval := viper.GetDuration("payout.poll_interval")
	if interval <= 0 {
		interval = 15 * time.Second
	}
	opts := services.ProcessPendingOptions{
		JobBatchSize:      viper.GetInt("payout.job_batch_size"),
		TransferBatchSize: viper.GetInt("payout.transfer_batch_size"),
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := payouts.ProcessPendingJobs(ctx, opts)
			if err != nil {
				log.Error().Err(err).Msg("payout poll failed")
				continue
			}
			if result.JobsProcessed > 0 || len(result.Errors) > 0 {
				log.Info().
					Int("jobs_processed", result.JobsProcessed).
					Int("jobs_completed", result.JobsCompleted).
					Int("transfers_processed", result.TotalTransfersProcessed).
					Int("errors", len(result.Errors)).
					Msg("payout poll")
			}
		}
	}
}
