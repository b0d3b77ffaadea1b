package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fmoretti/semamap/internal/embed"
	"github.com/fmoretti/semamap/internal/lifecycle"
	"github.com/fmoretti/semamap/internal/server"
	"github.com/fmoretti/semamap/internal/vectordb"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		addr        string
		milvusAddr  string
		database    string
		encoderURL  string
		counterMax  int
		refresh     time.Duration
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&addr, "addr", envOr("LISTEN_ADDR", ":8080"), "HTTP listen address")
	flag.StringVar(&milvusAddr, "milvus", envOr("MILVUS_ADDR", "localhost:19530"), "Milvus address (host:port)")
	flag.StringVar(&database, "database", "default", "Milvus database name")
	flag.StringVar(&encoderURL, "encoder", os.Getenv("TEXT_ENCODER_URL"), "Text encoder endpoint URL (empty disables text search)")
	flag.IntVar(&counterMax, "counter-max", lifecycle.DefaultCounterMax, "Unrelated accesses before an idle collection is released")
	flag.DurationVar(&refresh, "refresh-interval", time.Minute, "Registry refresh interval")
	flag.BoolVar(&verbose, "verbose", false, "Debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("mapserver %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := vectordb.ConnectMilvus(ctx, vectordb.MilvusConfig{
		Address:  milvusAddr,
		Username: os.Getenv("MILVUS_USER"),
		Password: os.Getenv("MILVUS_PASSWORD"),
		Database: database,
	})
	if err != nil {
		log.Fatalf("connecting to Milvus at %s: %v", milvusAddr, err)
	}
	defer store.Close()

	registry := lifecycle.NewRegistry(store, counterMax)
	datasets, err := registry.Refresh(ctx)
	if err != nil {
		log.Fatalf("initial registry refresh: %v", err)
	}
	log.Infof("serving %d dataset(s): %v", len(datasets), datasets)
	go registry.Run(ctx, refresh)

	var encoder embed.TextEncoder
	if encoderURL != "" {
		encoder = embed.NewHTTPEncoder(encoderURL)
	} else {
		log.Warn("no text encoder configured; /api/image-text is disabled")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewHandler(server.NewFacade(registry, encoder)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
		registry.Close(shutdownCtx)
	}()

	log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
