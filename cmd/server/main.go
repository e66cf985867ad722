package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/johnnynu/chaosfiles/internal/config"
	"github.com/johnnynu/chaosfiles/internal/server"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatal(err)
	}

	log := logrus.StandardLogger()
	log.SetLevel(cfg.LogLevel)

	store, err := server.NewS3Store(server.S3Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		ForcePathStyle:  cfg.ForcePathStyle,
	})
	if err != nil {
		log.Fatal(err)
	}

	api := server.New(store, server.NewRegistry(), server.Options{
		MaxFileSize:   cfg.MaxFileSize,
		PutURLExpiry:  cfg.PutURLExpiry,
		PartURLExpiry: cfg.PartURLExpiry,
		Tokens:        cfg.Tokens,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{"addr": cfg.Addr, "bucket": cfg.Bucket}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
