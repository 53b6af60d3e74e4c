// Package profilers implement helper functions to set up profiling and monitoring for the trainer.
//
// If linked, it will install the profiler flags: -prof serves pprof (/debug/pprof) and the Prometheus
// metrics (/metrics) on the given port, and -cpu_profile writes a CPU profile.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the profiler and the /metrics endpoint at the given port.")
	flagKeepAlive  = flag.Bool("prof_keep_alive", true, "If -prof is set, keep the program alive on end until interrupted.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	profilerAddr   string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the HTTP server (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// The metrics in gatherer are served on /metrics, if it is not nil.
//
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context, gatherer prometheus.Gatherer) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		if gatherer != nil {
			http.Handle("/metrics", MetricsHandler(gatherer))
		}
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		createCPUProfile()
	}
}

// MetricsHandler returns the handler that serves the metrics of gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorLog: klogAdapter{}})
}

// klogAdapter implements promhttp.Logger.
type klogAdapter struct{}

func (klogAdapter) Println(v ...any) { klog.Error(v...) }

// OnQuit should be called before the exit of the main() function, typically this is setup as a deferred call
// just after Setup.
func OnQuit() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagProfiler >= 0 && *flagKeepAlive {
		httpProfilerOnQuit()
	}
}

// createCPUProfile creates the file pointed by *flagCPUProfile and starts the CPU profiling there.
func createCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

// setupHTTPProfiler starts the HTTP server with the profiler and metrics.
func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	fmt.Printf("Starting profiler on %s/debug/pprof and metrics on %s/metrics\n", profilerAddr, profilerAddr)
	fmt.Printf("- You can access it with: $ go tool pprof %s/debug/pprof/heap\n", profilerAddr)
	if *flagKeepAlive {
		fmt.Printf("- Program will be kept alive on end, you will have to interrupt it (Ctrl+C) to exit\n")
	}
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// httpProfilerOnQuit keeps the program alive until interrupted, so one can still read the profile.
func httpProfilerOnQuit() {
	if globalCtx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}
