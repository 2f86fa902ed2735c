package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	server "github.com/Credhat/ruueb/internals"
	"github.com/Credhat/ruueb/internals/assets"
	"github.com/Credhat/ruueb/internals/config"
	"github.com/Credhat/ruueb/internals/metrics"
	"github.com/Credhat/ruueb/internals/store"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("could not read .env, using process environment only")
	}

	configPath := flag.String("config", "", "yaml file layered over the built-in defaults")
	flag.Parse()

	//load all configs using koanf
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error while loading config: %v", err)
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	site, err := openAssets(cfg.Assets)
	if err != nil {
		log.Fatalf("error opening assets: %v", err)
	}

	products, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("error opening product store: %v", err)
	}
	defer closeStore()

	exporter, err := metrics.NewExportMetrics(cfg.Promethues.MetricsPort, cfg.Promethues.MetricsPath())
	if err != nil {
		log.Fatalf("error creating metrics exporter: %v", err)
	}
	go func() {
		if err := exporter.ExportMetrics(); err != nil {
			log.WithError(err).Error("metrics exporter stopped")
		}
	}()

	d := server.NewDispatcher(site, products)
	d.IndexAsset = cfg.Assets.Index
	d.NotFoundAsset = cfg.Assets.NotFound
	d.SleepDefault = cfg.Server.SleepDefault
	d.SleepMax = cfg.Server.SleepMax
	d.WriteTimeout = cfg.Server.WriteTimeout

	opts := server.ServerOpts{
		MaxThreads:  cfg.Server.Workers,
		QueueSize:   cfg.Server.QueueSize,
		Rate:        int64(cfg.Server.TokenRate),
		Tokens:      int64(cfg.Server.TokenLimit),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	//create server object
	cfg.Server.URL = hostOf(cfg.Server.URL)
	s, err := server.NewServer(cfg.Server.Addr(), opts, d, exporter.Metrics)
	if err != nil {
		log.Fatalf("error starting server: %v", err)
	}
	log.WithFields(log.Fields{
		"name":    cfg.Server.Name,
		"addr":    s.Addr(),
		"workers": opts.MaxThreads,
		"assets":  site.SourceName(),
	}).Info("server and metrics exporter starting...")

	go s.Start()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-s.Done():
		log.Warn("accept loop exited")
	}

	s.Close()
	<-s.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics exporter shutdown")
	}
	log.Info("server stopped")
}

func setupLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithError(err).Warnf("unknown log level %q, using info", cfg.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// hostOf accepts both a bare host and a url like http://localhost
func hostOf(raw string) string {
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsedURL.Hostname() != "" {
		return parsedURL.Hostname()
	}
	if parsedURL.Scheme != "" {
		return strings.TrimPrefix(strings.TrimPrefix(raw, "http://"), "https://")
	}
	return raw
}

func openAssets(cfg config.AssetsConfig) (assets.Provider, error) {
	if cfg.Kind == "s3" {
		return assets.NewS3Provider(assets.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			Secure:    cfg.S3.Secure,
		})
	}
	return assets.NewFSProvider(cfg.Root), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.ProductStore, func(), error) {
	switch cfg.Kind {
	case "postgres":
		pg, err := store.OpenPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case "redis":
		rs, err := store.OpenRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				log.WithError(err).Warn("closing redis store")
			}
		}, nil
	}

	cs := store.NewCSVStore(cfg.Path)
	log.WithField("path", cs.Path()).Info("using csv product store")
	return cs, func() {}, nil
}
