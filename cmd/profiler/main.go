// Command profiler runs socket copies in a loop to profile the stream engine
// and the socket packages.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/archive"
	"github.com/meigma/iosocket/file"
	"github.com/meigma/iosocket/internal/testutil"
	"github.com/meigma/iosocket/memory"
	"github.com/meigma/iosocket/stream"
)

type config struct {
	mode        string
	size        int
	pattern     string
	bufferSize  int
	queueLength int
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	tempDir     string
	keepTemp    bool
	randomSeed  uint64
	verbose     bool
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

// copyFunc performs one copy and returns the number of content bytes moved.
type copyFunc func() (int64, error)

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	logger := slog.New(slog.DiscardHandler)
	if cfg.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	engine := stream.NewEngine(
		stream.WithBufferSize(cfg.bufferSize),
		stream.WithQueueLength(cfg.queueLength),
		stream.WithLogger(logger),
	)

	op, cleanup, err := setup(cfg, engine, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, op)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

func runProfile(cfg config, op copyFunc) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	for shouldContinue() {
		n, err := op()
		if err != nil {
			return profileStats{}, fmt.Errorf("copy %d: %w", ops, err)
		}
		byteCount += n
		ops++
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setup(cfg config, engine *stream.Engine, logger *slog.Logger) (copyFunc, func(), error) {
	data := makeContent(cfg)
	size := int64(len(data))
	src := memory.NewBuffer("src", data)
	copyOpts := []iosocket.CopyOption{iosocket.CopyWithEngine(engine), iosocket.CopyWithLogger(logger)}
	noop := func() {}

	switch cfg.mode {
	case "memory":
		dst := memory.NewBuffer("dst", nil)
		in := memory.NewInputSocket[memory.Info](src)
		out := memory.NewOutputSocket[memory.Info](dst)
		return func() (int64, error) {
			return size, iosocket.Copy(in, out, copyOpts...)
		}, noop, nil

	case "archive-compress":
		a := archive.New(archive.WithLogger(logger))
		in := memory.NewInputSocket[archive.Entry](src)
		out := archive.NewOutputSocket[memory.Info](a, "entry")
		return func() (int64, error) {
			return size, iosocket.Copy(in, out, copyOpts...)
		}, noop, nil

	case "archive-decompress", "archive-raw":
		a := archive.New(archive.WithLogger(logger))
		if err := iosocket.Copy(memory.NewInputSocket[archive.Entry](src), archive.NewOutputSocket[memory.Info](a, "entry"), copyOpts...); err != nil {
			return nil, nil, err
		}
		if cfg.mode == "archive-raw" {
			dst := archive.New(archive.WithLogger(logger))
			in := archive.NewInputSocket[archive.Entry](a, "entry")
			out := archive.NewOutputSocket[archive.Entry](dst, "entry")
			return func() (int64, error) {
				return size, iosocket.Copy(in, out, copyOpts...)
			}, noop, nil
		}
		dst := memory.NewBuffer("dst", nil)
		in := archive.NewInputSocket[memory.Info](a, "entry")
		out := memory.NewOutputSocket[archive.Entry](dst)
		return func() (int64, error) {
			return size, iosocket.Copy(in, out, copyOpts...)
		}, noop, nil

	case "file":
		path, cleanup, err := setupTempDir(cfg)
		if err != nil {
			return nil, nil, err
		}
		dir, err := file.Open(path, file.WithOverwrite(true), file.WithLogger(logger))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		in := memory.NewInputSocket[file.Target](src)
		out := file.NewOutputSocket[memory.Info](dir, "data/output.bin")
		op := func() (int64, error) {
			return size, iosocket.Copy(in, out, copyOpts...)
		}
		return op, func() {
			_ = dir.Close()
			cleanup()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown mode: %s", cfg.mode)
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeContent(cfg config) []byte {
	switch cfg.pattern {
	case "random":
		return testutil.Data(cfg.size, cfg.randomSeed)
	case "compressible":
		return testutil.Text(cfg.size)
	default:
		log.Fatalf("unknown pattern: %s", cfg.pattern)
		return nil
	}
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func(), error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, func() {}, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "iosocket-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if !cfg.keepTemp {
			_ = os.RemoveAll(dir)
		}
	}
	return dir, cleanup, nil
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "memory", "mode: memory, archive-compress, archive-decompress, archive-raw, file")
	flag.IntVar(&cfg.size, "size", 16<<20, "content size in bytes")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.IntVar(&cfg.bufferSize, "buffer-size", stream.DefaultBufferSize, "stream engine buffer size in bytes")
	flag.IntVar(&cfg.queueLength, "queue-length", stream.DefaultQueueLength, "stream engine queue length")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for file mode")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Uint64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.BoolVar(&cfg.verbose, "v", false, "log debug events to stderr")
	flag.Parse()
	return cfg
}
