// flowgate-server runs the FlowGate control plane: the OpAMP transport
// terminators agents connect to, and the Control API operators use to
// publish configuration and drive deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowgate/flowgate/internal/controlapi"
	"github.com/flowgate/flowgate/internal/deployment"
	"github.com/flowgate/flowgate/internal/flowconfig"
	"github.com/flowgate/flowgate/internal/reconcile"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/sessionstore"
	"github.com/flowgate/flowgate/internal/store/postgres"
	"github.com/flowgate/flowgate/internal/token"
	"github.com/flowgate/flowgate/internal/transport/poll"
	"github.com/flowgate/flowgate/internal/transport/registration"
	"github.com/flowgate/flowgate/internal/transport/stream"
	"github.com/flowgate/flowgate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	log := slog.Default()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load env file, continuing with existing environment variables", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment", "path", envPath)
	}

	cfg, err := flowconfig.LoadFromEnv()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log.Info("starting flowgate-server", "version", version.Full(), "http_addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("connected to database and applied migrations")

	signingKeys := make([]token.SigningKey, 0, len(cfg.SigningKeys))
	for _, k := range cfg.SigningKeys {
		signingKeys = append(signingKeys, token.SigningKey{ID: k.ID, Secret: k.Secret})
	}

	agentLookup := func(organizationID, agentID string) (found bool, deleted bool) {
		_, err := st.GetAgentByID(context.Background(), organizationID, agentID)
		return err == nil, false
	}

	registrationSvc := token.NewRegistrationService(st, cfg.RegistrationTokenSalt)
	agentTokens := token.NewAgentService(signingKeys, cfg.AgentTokenTTL, agentLookup)

	reg := registry.New(st, st, registrationSvc, agentTokens, log)
	eng := deployment.New(st, st, log)
	eng.SetDefaultStageSize(cfg.DeploymentStageSize)
	sessions := sessionstore.New(log)
	loop := reconcile.New(reg, eng, st, st, st, sessions, log)

	ctlSvc := controlapi.New(st, reg, eng, registrationSvc, log)
	ctlSrv := controlapi.NewServer(ctlSvc)

	streamTerm := stream.New(sessions, loop, reg, agentTokens, log)
	streamTerm.SetLimits(cfg.StreamIdleTimeout, cfg.MaxInboundFrameSize)
	pollTerm := poll.New(sessions, loop, reg, agentTokens)
	pollTerm.SetMaxInboundBytes(cfg.MaxInboundFrameSize)
	registerTerm := registration.New(reg)

	e := ctlSrv.Handler()
	e.POST("/v1/register", registerTerm.Handle)
	e.GET("/v1/stream", streamTerm.Handle)
	e.POST("/v1/poll", pollTerm.Handle)

	errCh := make(chan error, 1)
	go func() {
		if err := ctlSrv.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	sessions.CloseAll(sessionstore.ReasonShuttingDown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctlSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("error during http server shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("flowgate-server stopped")
}
