package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/audit"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/config"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/installer"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/logging"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/secret"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/session"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/setup"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/shell"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/store"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/tunnel"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/types"
	"github.com/dhananjayaaps/k8s-policy-as-a-service/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	sealer, err := secret.NewSealer([]byte(cfg.Security.SealKey))
	if err != nil {
		return fmt.Errorf("creating sealer: %w", err)
	}

	st := store.NewStore(log, &cfg.Database, sealer)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}
	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	recorder := audit.NewRecorder(st, log)

	var tunnels *tunnel.Manager
	registry := session.NewInMemoryRegistry(session.Options{
		ShellIdle:     cfg.Sessions.ShellIdleTimeout,
		ClusterIdle:   cfg.Sessions.ClusterIdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		Log:           log,
		OnEvict: func(ev session.Eviction) {
			if ev.Kind == types.SessionShell && tunnels != nil {
				tunnels.CloseSession(ev.ID)
			}
			if ev.Reason == "removed" {
				// Explicit disconnects are audited by the API.
				return
			}
			outcome := types.OutcomeSuccess
			detail := ev.Reason
			if ev.IdleFor > 0 {
				detail += fmt.Sprintf(" after %s idle", ev.IdleFor.Round(time.Second))
			}
			if ev.CloseErr != nil {
				outcome = types.OutcomeFailure
				detail += ": " + ev.CloseErr.Error()
			}
			_ = recorder.Record(context.Background(), audit.Entry{
				SessionID: ev.ID,
				Action:    "session." + string(ev.Kind) + ".evict",
				Target:    ev.Label,
				Outcome:   outcome,
				Detail:    detail,
			})
		},
	})
	tunnels = tunnel.NewManager(registry, recorder, cfg.Provision.CommandTimeout, log)

	inst := installer.New(cfg.Installer, log)
	orchestrator := setup.New(registry, st, recorder, inst, setup.Options{
		CommandTimeout:  cfg.Provision.CommandTimeout,
		DefaultDuration: cfg.Provision.DefaultDuration,
	}, log)

	handlers := api.NewHandlers(registry, st, orchestrator, inst, recorder, tunnels, api.Options{
		ExposeTokens:   cfg.API.ExposeTokens,
		CommandTimeout: cfg.Provision.CommandTimeout,
		SSH: shell.Options{
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			DialTimeout:    cfg.SSH.DialTimeout,
			Log:            log,
		},
		RateLimit:      cfg.API.RateLimit,
		RateLimitBurst: cfg.API.RateLimitBurst,
	}, log)

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	api.RegisterRoutes(router, handlers)

	registry.Start(ctx)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Installs block for minutes.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting broker server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving HTTP: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}
	if err := registry.CloseAll(shutdownCtx); err != nil {
		log.WithError(err).Warn("Some sessions did not close cleanly")
	}

	log.Info("Server exited")
	return nil
}
