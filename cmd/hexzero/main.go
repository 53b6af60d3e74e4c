// hexzero trains a model by self-play, with Monte-Carlo Tree Search guided by the model itself.
//
// Example:
//
//	$ go run ./cmd/hexzero -game=hex -config=configs/hex_7x7.yaml -set="num_MCTS_sims=25,net.lr=0.05"
//
// Interrupting (Ctrl+C) aborts the current iteration: training can be resumed from the last
// checkpoint with -set="load_model,load_folder_file=<checkpoint>/latest.model".
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/hexzero/internal/checkpoint"
	"github.com/janpfeifer/hexzero/internal/config"
	"github.com/janpfeifer/hexzero/internal/metrics"
	"github.com/janpfeifer/hexzero/internal/parameters"
	"github.com/janpfeifer/hexzero/internal/profilers"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/trainer"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/janpfeifer/hexzero/internal/ui/cli"
	"github.com/janpfeifer/hexzero/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/klog/v2"
	"time"
)

// Flags
var (
	flagConfig = flag.String("config", "", "Configuration file (YAML or JSON) of the training run. "+
		"If empty the default configuration is used.")
	flagSet = flag.String("set", "", "Comma-separated list of configuration overrides, e.g.: "+
		"\"num_MCTS_sims=50,pitting=false\". Use the \"net.\" prefix to override net_args, e.g.: \"net.lr=0.01\".")
	flagPrintSteps = flag.Bool("print_steps", false, "Print board at each step. "+
		"Very verbose, and you probably want to set parallelism=1.")
)

// main orchestrates self-play, training, pitting and checkpointing of the model.
func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()

	// Metrics, served with the profiler (-prof).
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	profilers.Setup(ctx, registry)
	defer profilers.OnQuit()

	doc := must.M1(loadConfig())
	g := must.M1(newGame())
	model := must.M1(newModel(doc, g))
	trainerConfig := must.M1(trainer.ConfigFromDocument(doc))
	checkpoints := must.M1(checkpoint.New(doc.Args.Checkpoint, doc.Args.KeepCheckpoints))
	orchestrator := must.M1(trainer.New(g, model, trainerConfig, checkpoints, metrics.New(registry)))

	ui := cli.NewStdout()
	orchestrator.Out = ui
	if *flagPrintSteps {
		orchestrator.Runner.OnStep = func(info selfplay.StepInfo) { ui.PrintStep(g, info) }
		orchestrator.OnEpisodeEnd = func(episodeIdx int, traj *trajectory.Trajectory) {
			ui.PrintEpisodeEnd(g, episodeIdx, traj)
		}
	}
	orchestrator.OnIterationEnd = func(result *trainer.IterationResult) {
		if result.Arena != nil {
			ui.PrintArena(result.Arena)
		}
	}

	spinner := spinning.New(ctx)
	err := orchestrator.Resume()
	spinner.Done()
	must.M(err)

	ui.Header("Training %q: %s with model %s, checkpoints in %s",
		doc.Name, g.Name(), orchestrator.Candidate, checkpoints.Dir)
	err = orchestrator.Run(ctx)
	if errors.Is(err, context.Canceled) {
		// Interrupted: the partial iteration is not checkpointed.
		fmt.Printf("\nInterrupted: %s\n", ctx.Err())
		return
	}
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	ui.Header("Finished %d iterations: %d promotions, %d rejections, best model from iteration %d",
		orchestrator.Progress.Iteration+1, orchestrator.Progress.NumAccepted,
		orchestrator.Progress.NumRejected, orchestrator.Progress.BestIteration)
}

// loadConfig loads the configuration file (-config), applies the overrides (-set) and validates it.
func loadConfig() (*config.Document, error) {
	doc := config.Default()
	if *flagConfig != "" {
		var err error
		doc, err = config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if *flagSet != "" {
		if err := doc.ApplyParams(parameters.NewFromConfigString(*flagSet)); err != nil {
			return nil, err
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Configuration:\n%s", doc)
	return doc, nil
}
