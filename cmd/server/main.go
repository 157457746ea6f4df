package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/api"
	"github.com/balu-dk/go-ocpi/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.WithFields(logrus.Fields{
		"role":  cfg.Role,
		"party": cfg.Party().String(),
	}).Info("Starting OCPI server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage
	store, err := service.OpenStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open store")
	}

	party, err := service.New(cfg, store)
	if err != nil {
		store.Close()
		logrus.WithError(err).Fatal("Failed to create OCPI party")
	}
	defer party.Close()

	if err := party.Bootstrap(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to seed bootstrap tokens")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           api.NewAPI(party),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return party.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("Shutting down server...")

		// Create a deadline for the shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Server stopped with error")
	}
	logrus.Info("Server exited")
}
