package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fmoretti/semamap/internal/tile"
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
		milvusAddr     string
		database       string
		collection     string
		batchSize      int
		repopulate     bool
		earlyStop      int
		saveImages     bool
		imageDir       string
		imageFormat    string
		mergeThreshold float64
		maxPerTile     int
		numClusters    int
		insertSize     int
		limitForInsert int
		concurrency    int
		seed           int64
		verbose        bool
		showVersion    bool
		cpuProfile     string
		memProfile     string
	)

	flag.StringVar(&milvusAddr, "milvus", envOr("MILVUS_ADDR", "localhost:19530"), "Milvus address (host:port)")
	flag.StringVar(&database, "database", "default", "Milvus database name")
	flag.StringVar(&collection, "collection", "", "Dataset (embeddings collection) name")
	flag.IntVar(&batchSize, "batch-size", tile.SearchLimit, "Entity load batch size")
	flag.BoolVar(&repopulate, "repopulate", false, "Drop and rebuild existing clusters/image-to-tile collections")
	flag.IntVar(&earlyStop, "early-stop", -1, "Only load the first N entities (-1 = all)")
	flag.BoolVar(&saveImages, "images", false, "Write debug tile composites")
	flag.StringVar(&imageDir, "directory", "", "Source image root for composites (required with -images)")
	flag.StringVar(&imageFormat, "format", "png", "Composite format: png, webp")
	flag.Float64Var(&mergeThreshold, "merge-threshold", 0, "Drop representatives with cosine similarity >= threshold (0 = off)")
	flag.IntVar(&maxPerTile, "max-per-tile", tile.DefaultMaxPerTile, "Maximum representatives per tile")
	flag.IntVar(&numClusters, "num-clusters", tile.DefaultNumClusters, "K-means cluster count for oversized tiles")
	flag.IntVar(&insertSize, "insert-size", tile.DefaultInsertSize, "Rows per insert batch")
	flag.IntVar(&limitForInsert, "limit-for-insert", tile.DefaultLimitForInsert, "Pending tiles before spilling to the store")
	flag.IntVar(&concurrency, "concurrency", runtime.NumCPU(), "Parallel tile workers per level")
	flag.Int64Var(&seed, "seed", 0, "Random seed for representative selection")
	flag.BoolVar(&verbose, "verbose", false, "Verbose progress output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	flag.StringVar(&memProfile, "memprofile", "", "Write memory profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tilebuilder [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Build the zoom pyramid of a dataset from its embeddings collection.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("tilebuilder %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	if collection == "" {
		flag.Usage()
		log.Fatal("-collection is required")
	}
	if saveImages && imageDir == "" {
		log.Fatal("-images requires -directory")
	}
	if imageFormat != "png" && imageFormat != "webp" {
		log.Fatalf("unsupported composite format %q", imageFormat)
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}
	if memProfile != "" {
		defer func() {
			f, err := os.Create(memProfile)
			if err != nil {
				log.Fatalf("creating memory profile: %v", err)
			}
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatalf("writing memory profile: %v", err)
			}
		}()
	}

	ctx := context.Background()
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

	log.Infof("building pyramid for %s (max %d per tile, k=%d, batch %d)",
		collection, maxPerTile, numClusters, batchSize)

	start := time.Now()
	builder := tile.NewBuilder(store, tile.Config{
		Dataset:        collection,
		BatchSize:      batchSize,
		MaxPerTile:     maxPerTile,
		NumClusters:    numClusters,
		InsertSize:     insertSize,
		LimitForInsert: limitForInsert,
		EarlyStop:      earlyStop,
		Repopulate:     repopulate,
		MergeThreshold: mergeThreshold,
		SaveImages:     saveImages,
		ImageDir:       imageDir,
		ImageFormat:    imageFormat,
		Concurrency:    concurrency,
		Seed:           seed,
		Verbose:        verbose,
	})
	if err := builder.Run(ctx); err != nil {
		log.Fatalf("build failed: %v", err)
	}
	log.Infof("done in %v", time.Since(start).Round(time.Second))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
