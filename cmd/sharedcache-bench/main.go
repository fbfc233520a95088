// Command sharedcache-bench wires together config, metrics, and an
// in-memory origin to drive get/populate against a shared block cache
// in a loop, for local experimentation and rough throughput checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/sharedcache/blobcache"
	"github.com/grafana/sharedcache/config"
	"github.com/grafana/sharedcache/metrics"
	"github.com/grafana/sharedcache/sharedbytes"
)

// memoryOrigin is a fixed in-memory RangeWriter, standing in for a real
// origin (S3, GCS, an upstream node) so this command runs with no
// external dependencies.
type memoryOrigin struct {
	data []byte
}

func (o memoryOrigin) WriteRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, relativePos, length int64, onProgress func(int64)) error {
	if _, err := ch.WriteAt(o.data[relativePos:relativePos+length], channelPos); err != nil {
		return err
	}
	onProgress(length)
	return nil
}

type channelReader struct{}

func (channelReader) ReadRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, _, length int64) (int, error) {
	buf := make([]byte, length)
	return ch.ReadAt(buf, channelPos)
}

func main() {
	var (
		metricsPort int
		iterations  int
		numKeys     int
		blobSize    int64
	)

	cfg := &config.Config{}
	cfg.RegisterFlagsAndApplyDefaults("shared-cache.", flag.CommandLine)

	flag.IntVar(&metricsPort, "metrics-port", 10002, "Port to expose Prometheus metrics")
	flag.IntVar(&iterations, "iterations", 10000, "Number of get/populate/read cycles to run")
	flag.IntVar(&numKeys, "num-keys", 64, "Number of distinct synthetic blob keys to cycle through")
	flag.Int64Var(&blobSize, "blob-size-bytes", 0, "Size of each synthetic blob; defaults to shared-cache.region-size-bytes")

	flag.Parse()

	if blobSize == 0 {
		blobSize = cfg.RegionSizeBytes
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	if cfg.DataPath == "" {
		dir, err := os.MkdirTemp("", "sharedcache-bench-*")
		if err != nil {
			level.Error(logger).Log("msg", "failed to create data dir", "err", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		cfg.DataPath = dir
	}
	if cfg.SizeBytes == 0 && cfg.SizeFraction == 0 {
		cfg.SizeBytes = cfg.RegionSizeBytes * 8
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	metricsAddr := fmt.Sprintf(":%d", metricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		level.Info(logger).Log("msg", "starting metrics server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	numRegions, err := cfg.ResolvedNumRegions()
	if err != nil {
		level.Error(logger).Log("msg", "failed to resolve cache size", "err", err)
		os.Exit(1)
	}

	sb, err := sharedbytes.Open(cfg.DataFilePath(), numRegions, cfg.RegionSizeBytes)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open backing file", "err", err)
		os.Exit(1)
	}

	var genericExec blobcache.Executor = blobcache.GoroutineExecutor{}
	if cfg.GenericQueueSize > 0 {
		genericExec = blobcache.NewWorkerPool(cfg.GenericQueueSize)
	}

	svc := blobcache.NewSharedBlobCacheService(
		sb,
		cfg.MinTimeDelta,
		blobcache.SystemClock,
		rec,
		logger,
		genericExec,
		blobcache.NewWorkerPool(cfg.BulkQueueSize),
	)

	// NewDecayService owns both the background decay ticker and closing
	// sb on shutdown; the bench command only starts and stops it.
	decaySvc := blobcache.NewDecayService(svc, cfg.DecayInterval)
	if err := services.StartAndAwaitRunning(context.Background(), decaySvc); err != nil {
		level.Error(logger).Log("msg", "failed to start decay service", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := services.StopAndAwaitTerminated(context.Background(), decaySvc); err != nil {
			level.Error(logger).Log("msg", "failed to stop decay service", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		level.Info(logger).Log("msg", "shutdown signal received")
		cancel()
	}()

	origins := make([]memoryOrigin, numKeys)
	for i := range origins {
		data := make([]byte, blobSize)
		for j := range data {
			data[j] = byte(i + j)
		}
		origins[i] = memoryOrigin{data: data}
	}

	level.Info(logger).Log("msg", "starting bench loop", "iterations", iterations, "num_keys", numKeys, "blob_size_bytes", blobSize)

	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			break
		}

		k := i % numKeys
		key := blobcache.CacheKey{Namespace: "bench", ID: fmt.Sprintf("blob-%d", k)}

		region, err := svc.Get(ctx, key, blobSize, 0)
		if err != nil {
			level.Error(logger).Log("msg", "get failed", "err", err)
			continue
		}

		result := make(chan error, 1)
		region.PopulateAndRead(ctx, blobcache.Range{Start: 0, End: region.Length()}, blobcache.Range{Start: 0, End: region.Length()}, origins[k], channelReader{}, blobcache.SyncExecutor{}, benchListener{result})
		if err := <-result; err != nil {
			level.Error(logger).Log("msg", "populate/read failed", "err", err)
		}
	}

	level.Info(logger).Log("msg", "bench loop complete", "stats", fmt.Sprintf("%+v", svc.Stats()))
}

type benchListener struct {
	done chan error
}

func (l benchListener) OnResponse(int)      { l.done <- nil }
func (l benchListener) OnFailure(err error) { l.done <- err }
