// Command gridbench runs a synthetic workload against a client region backed
// by an in-process server and exposes Prometheus metrics while it runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/IvanBrykalov/gridclient/client"
	"github.com/IvanBrykalov/gridclient/internal/memserver"
	pmet "github.com/IvanBrykalov/gridclient/metrics/prom"
	"github.com/IvanBrykalov/gridclient/overflow"
	"github.com/IvanBrykalov/gridclient/policy"
	"github.com/IvanBrykalov/gridclient/region"
)

type flags struct {
	config        string
	limit         int
	action        policy.Action
	overflowDir   string
	heapThreshold int64
	checks        bool

	workers  int
	duration time.Duration
	readPct  int
	keys     int
	zipfS    float64
	seed     int64
	preload  int
	latency  time.Duration

	metricsAddr string
	logFile     string
	verbosity   string
}

// actionFlag adapts policy.Action to pflag.Value.
type actionFlag struct{ a *policy.Action }

func (f actionFlag) String() string {
	if f.a == nil {
		return policy.LocalDestroy.String()
	}
	return f.a.String()
}
func (f actionFlag) Set(s string) error { return f.a.UnmarshalText([]byte(s)) }
func (f actionFlag) Type() string       { return "action" }

func main() {
	var fl flags
	cmd := &cobra.Command{
		Use:   "gridbench [flags]",
		Short: "Load-test a gridclient region",
		Args:  cobra.NoArgs,

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := setupLogging(cmd.Context(), fl)
			if err != nil {
				return err
			}
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
				ShutdownOnNonError:   true,
			})
			reg := prometheus.NewRegistry()
			grp.Go("metrics", func(ctx context.Context) error {
				return serveMetrics(ctx, fl.metricsAddr, reg)
			})
			grp.Go("bench", func(ctx context.Context) error {
				return run(ctx, fl, reg, cmd.OutOrStdout())
			})
			return grp.Wait()
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.config, "config", "", "TOML client configuration `file`")
	f.IntVar(&fl.limit, "lru-limit", 100_000, "in-memory entry limit of the region (0 = unbounded)")
	f.Var(actionFlag{&fl.action}, "action", "eviction action: local-destroy | local-invalidate | overflow-to-disk")
	f.StringVar(&fl.overflowDir, "overflow-dir", "", "overflow `directory` (default: a temporary directory)")
	f.Int64Var(&fl.heapThreshold, "heap-threshold", 0, "heap-LRU threshold in bytes (0 = off)")
	f.BoolVar(&fl.checks, "concurrency-checks", true, "enable version checks")
	f.IntVar(&fl.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	f.DurationVar(&fl.duration, "duration", 10*time.Second, "benchmark duration")
	f.IntVar(&fl.readPct, "reads", 80, "read percentage [0..100]")
	f.IntVar(&fl.keys, "keys", 1_000_000, "keyspace size")
	f.Float64Var(&fl.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	f.Int64Var(&fl.seed, "seed", time.Now().UnixNano(), "random seed")
	f.IntVar(&fl.preload, "preload", 0, "preload entries (0 = lru-limit/2)")
	f.DurationVar(&fl.latency, "latency", 0, "simulated server round-trip time")
	f.StringVar(&fl.metricsAddr, "http", ":8080", "serve Prometheus metrics and pprof at `addr` (empty = disabled)")
	f.StringVar(&fl.logFile, "log-file", "", "write logs to a rotating `file` instead of stderr")
	f.StringVar(&fl.verbosity, "verbosity", "info", "log level")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, fl flags) (context.Context, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(fl.verbosity)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if fl.logFile != "" {
		logger.SetOutput(&lumberjack.Logger{Filename: fl.logFile, MaxSize: 10, MaxBackups: 3, LocalTime: true, Compress: true})
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger)), nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	dlog.Infof(ctx, "metrics: serving at %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func run(ctx context.Context, fl flags, reg *prometheus.Registry, out io.Writer) (err error) {
	var cfg client.Config
	if fl.config != "" {
		if cfg, err = client.LoadConfig(fl.config); err != nil {
			return err
		}
	}
	if fl.heapThreshold > 0 {
		cfg.Heap.ThresholdBytes = fl.heapThreshold
	}
	metrics := pmet.New(reg, "grid", "bench", nil)
	cache, err := client.New(ctx, client.Options{Config: cfg, HeapMetrics: metrics})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	srv := memserver.New[string, string](memserver.Options{Latency: fl.latency, LogContext: ctx})
	attrs := region.Attributes[string, string]{
		ConcurrencyChecks: fl.checks,
		LRULimit:          fl.limit,
		EvictionAction:    fl.action,
		Remote:            srv,
		Stats:             metrics,
		MapMetrics:        metrics.Map("/bench"),
	}
	if cache.Heap() != nil {
		attrs.Sizer = func(k, v string) int64 { return int64(len(k) + len(v)) }
	}
	if fl.action.Overflows() {
		dir := fl.overflowDir
		if dir == "" {
			if dir, err = os.MkdirTemp("", "gridbench-"); err != nil {
				return err
			}
			defer os.RemoveAll(dir)
		}
		disk, err := overflow.NewDisk(overflow.DiskOptions[string, string]{Dir: dir, RegionID: "/bench", ReadCacheSize: 1024, LogContext: ctx})
		if err != nil {
			return err
		}
		attrs.Overflow = disk
	}
	r, err := client.CreateRegion(cache, "/bench", attrs)
	if err != nil {
		return err
	}

	preload := fl.preload
	if preload == 0 {
		preload = fl.limit / 2
	}
	for i := 0; i < preload; i++ {
		if err := r.LocalPut(ctx, "k:"+strconv.Itoa(i), "v"+strconv.Itoa(i), nil); err != nil {
			return err
		}
	}

	res, err := load(ctx, fl, r)
	if err != nil {
		return err
	}
	report(out, fl, res, r.Size())
	return nil
}

type result struct {
	ops, reads, writes, hits, failures atomic.Uint64
	elapsed                            time.Duration
}

func load(ctx context.Context, fl flags, r *region.Region[string, string]) (*result, error) {
	ctx, cancel := context.WithTimeout(ctx, fl.duration)
	defer cancel()

	workers := fl.workers
	if workers <= 0 {
		workers = 1
	}
	keysMax := uint64(fl.keys - 1)
	res := new(result)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			// rand.Rand is not safe for concurrent use
			rnd := rand.New(rand.NewSource(fl.seed + int64(w)*9973))
			zipf := rand.NewZipf(rnd, fl.zipfS, 1, keysMax)
			for ctx.Err() == nil {
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				res.ops.Add(1)
				if int(rnd.Int31n(100)) < fl.readPct {
					res.reads.Add(1)
					if _, ok, err := r.Get(ctx, k, nil); err == nil && ok {
						res.hits.Add(1)
					}
					continue
				}
				res.writes.Add(1)
				if _, _, err := r.Put(ctx, k, "v"+strconv.Itoa(rnd.Int()), nil); err != nil {
					if errors.Is(err, region.ErrRegionDestroyed) {
						return err
					}
					res.failures.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	return res, err
}

func report(out io.Writer, fl flags, res *result, size int) {
	p := message.NewPrinter(language.English)
	ops, reads := res.ops.Load(), res.reads.Load()
	hitRate := 0.0
	if reads > 0 {
		hitRate = float64(res.hits.Load()) / float64(reads) * 100
	}
	p.Fprintf(out, "action=%s limit=%d workers=%d keys=%d dur=%v seed=%d latency=%v\n",
		fl.action, fl.limit, fl.workers, fl.keys, res.elapsed.Round(time.Millisecond), fl.seed, fl.latency)
	p.Fprintf(out, "ops=%d (%.0f ops/s)  reads=%d  writes=%d  failed=%d\n",
		ops, float64(ops)/res.elapsed.Seconds(), reads, res.writes.Load(), res.failures.Load())
	p.Fprintf(out, "hits=%d  hit-rate=%.2f%%  size=%d\n", res.hits.Load(), hitRate, size)
}
