package trainer

import (
	"context"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/metrics"
	"github.com/janpfeifer/hexzero/internal/replay"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
	"time"
)

// IterationResult summarizes one iteration.
type IterationResult struct {
	Iteration      int
	NumEpisodes    int
	NumTransitions int

	// Loss is the moving average of the training loss at the end of the iteration.
	Loss float32

	// Arena result, nil if pitting is disabled.
	Arena *arena.Result

	// Promoted is true if the candidate became the new incumbent.
	Promoted bool
}

// RunIteration runs one iteration of self-play, training, pitting and checkpointing.
//
// Any error aborts the iteration before the checkpoint is written.
func (o *Orchestrator) RunIteration(ctx context.Context, iteration int) (*IterationResult, error) {
	o.Metrics.CurrentIteration.Set(float64(iteration))
	result := &IterationResult{Iteration: iteration}

	// Self-play with a frozen snapshot of the candidate.
	stopTimer := o.Metrics.TimePhase(metrics.PhaseSelfPlay)
	trajectories, err := o.selfPlay(ctx, iteration)
	stopTimer()
	if err != nil {
		return nil, err
	}

	// Only after all episodes finished are they made visible to the buffer.
	for _, traj := range trajectories {
		o.Buffer.Append(traj, iteration)
		result.NumTransitions += traj.Len()
	}
	o.Buffer.AdvanceWindow(iteration)
	o.Metrics.SetBuffer(o.Buffer.Len(), o.Buffer.NumTrajectories())
	result.NumEpisodes = len(trajectories)
	klog.V(1).Infof("Iteration %d: replay buffer %s", iteration, o.Buffer)

	// Train.
	stopTimer = o.Metrics.TimePhase(metrics.PhaseTraining)
	result.Loss, err = o.train(ctx)
	stopTimer()
	if err != nil {
		return nil, err
	}

	// Pit and promote (or revert).
	stopTimer = o.Metrics.TimePhase(metrics.PhaseArena)
	result.Arena, err = o.pit(ctx)
	stopTimer()
	if err != nil {
		return nil, err
	}
	result.Promoted = result.Arena == nil || result.Arena.Accepted
	progress := o.Progress
	if result.Promoted {
		o.Incumbent = o.Candidate.Clone()
		progress.BestIteration = iteration
		progress.NumAccepted++
		klog.V(1).Infof("Iteration %d: candidate %s promoted", iteration, o.Candidate)
	} else {
		o.Candidate = o.Incumbent.Clone()
		progress.NumRejected++
		klog.V(1).Infof("Iteration %d: candidate rejected, reverted to incumbent %s", iteration, o.Incumbent)
	}
	if result.Arena != nil {
		o.Metrics.ObserveArena(result.Arena.Wins, result.Arena.Losses, result.Arena.Draws, result.Promoted)
	} else {
		o.Metrics.ObservePromotion(true)
	}

	// Checkpoint.
	progress.Iteration = iteration
	progress.WeightUpdates = o.Runner.WeightUpdates
	if o.Checkpoints != nil {
		stopTimer = o.Metrics.TimePhase(metrics.PhaseCheckpoint)
		err = o.Checkpoints.Save(o.Candidate, o.Incumbent, o.Buffer, &progress)
		stopTimer()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint of iteration %d", iteration)
		}
	}
	o.Progress = progress
	o.Metrics.Iterations.Inc()
	klog.Infof("Iteration %d finished: %d episodes, %d transitions, ~loss=%.4f, promoted=%v",
		iteration, result.NumEpisodes, result.NumTransitions, result.Loss, result.Promoted)
	return result, nil
}

// selfPlay runs the episodes of the iteration.
func (o *Orchestrator) selfPlay(ctx context.Context, iteration int) ([]*trajectory.Trajectory, error) {
	snapshot := o.Candidate.Clone()
	numEpisodes := o.Config.NumEpisodes
	parallelism := o.Runner.Parallelism()
	var mu sync.Mutex
	var count, numTruncated, numTransitions int
	start := time.Now()
	printUpdate := func() {
		_, _ = fmt.Fprintf(o.out(), "\r\tSelf-play (parallelism=%d): %5d of %d episodes finished (%d truncated) in %s\x1b[0K",
			parallelism, count, numEpisodes, numTruncated, time.Since(start).Round(time.Millisecond))
	}
	printUpdate()
	o.Runner.OnEpisodeEnd = func(episodeIdx int, traj *trajectory.Trajectory) {
		mu.Lock()
		defer mu.Unlock()
		count++
		numTransitions += traj.Len()
		if traj.Truncated {
			numTruncated++
		}
		o.Metrics.ObserveEpisode(traj.Len(), traj.Truncated)
		if o.OnEpisodeEnd != nil {
			o.OnEpisodeEnd(episodeIdx, traj)
		}
		printUpdate()
	}
	trajectories, err := o.Runner.RunEpisodes(ctx, snapshot, numEpisodes, iteration)
	_, _ = fmt.Fprintln(o.out())
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(o.out(), "\t- %d episodes, %d truncated (%.2f%%), %d new transitions.\n",
		numEpisodes, numTruncated, 100*float32(numTruncated)/float32(numEpisodes), numTransitions)
	return trajectories, nil
}

// train runs the gradient steps of the iteration on the candidate. It returns the moving average of the loss.
func (o *Orchestrator) train(ctx context.Context) (averageLoss float32, err error) {
	numSteps := o.Config.NumGradientSteps
	if numSteps <= 0 {
		return 0, nil
	}
	var step int
	start := time.Now()
	printUpdate := func() {
		_, _ = fmt.Fprintf(o.out(), "\r\tTraining: %d of %d steps, ~loss=%.3f, elapsed=%s\x1b[0K",
			step, numSteps, averageLoss, time.Since(start).Round(time.Millisecond))
	}
	printUpdate()
	defer func() { _, _ = fmt.Fprintln(o.out()) }()

	for step < numSteps {
		if err = ctx.Err(); err != nil {
			return
		}
		var batch *replay.Batch
		batch, err = o.Buffer.Sample(o.Config.BatchSize)
		if err != nil {
			return averageLoss, errors.WithMessagef(err, "sampling batch for training step %d", step)
		}
		examples := o.examples(batch)
		var loss float32
		var trainErr error
		panicErr := exceptions.TryCatch[error](func() {
			loss, trainErr = o.Candidate.Train(examples, batch.Weights)
		})
		if panicErr != nil {
			trainErr = errors.WithMessagef(panicErr, "model %s panicked", o.Candidate)
		}
		if trainErr != nil {
			return averageLoss, errors.WithMessagef(trainErr, "training step %d", step)
		}
		step++
		o.Runner.WeightUpdates++
		o.Metrics.GradientSteps.Inc()
		averageLoss = movingAverage(averageLoss, loss, averageLossDecay, step)
		o.Metrics.TrainLoss.Set(float64(averageLoss))
		if o.Config.Replay.Prioritize {
			if err = o.updatePriorities(batch); err != nil {
				return averageLoss, errors.WithMessagef(err, "updating priorities after training step %d", step)
			}
		}
		printUpdate()
	}
	return averageLoss, nil
}

// examples converts the sampled steps to training examples, replacing each by a random symmetric
// version if AugmentSymmetries is set.
func (o *Orchestrator) examples(batch *replay.Batch) []ai.Example {
	examples := make([]ai.Example, len(batch.Steps))
	for ii, step := range batch.Steps {
		observation, policy := step.Observation, step.Policy
		if o.Config.AugmentSymmetries {
			if symmetries := o.Game.Symmetries(observation, policy); len(symmetries) > 0 {
				chosen := symmetries[o.rng.IntN(len(symmetries))]
				observation, policy = chosen.Observation, chosen.Policy
			}
		}
		examples[ii] = ai.Example{Observation: observation, Policy: policy, Value: step.Return}
	}
	return examples
}

// updatePriorities refreshes the priorities of the sampled transitions with the TD-errors of the
// trained candidate.
func (o *Orchestrator) updatePriorities(batch *replay.Batch) error {
	observations := make([][]float32, len(batch.Steps))
	for ii := range batch.Steps {
		observations[ii] = batch.Steps[ii].Observation
	}
	_, values, err := ai.AsBatchInferencer(o.Candidate).InferBatch(observations)
	if err != nil {
		return err
	}
	tdErrors := make([]float32, len(values))
	for ii, value := range values {
		tdErrors[ii] = batch.Steps[ii].Return - value
	}
	return o.Buffer.UpdatePriorities(batch.Keys, tdErrors)
}

// pit the candidate against the incumbent. It returns nil if pitting is disabled.
func (o *Orchestrator) pit(ctx context.Context) (*arena.Result, error) {
	if o.Arena == nil {
		return nil, nil
	}
	numTrials := o.Arena.Config.Trials
	start := time.Now()
	printUpdate := func(partial arena.Result) {
		_, _ = fmt.Fprintf(o.out(), "\r\tArena: %5d of %d trials finished (%d/%d/%d wins/losses/draws) in %s\x1b[0K",
			partial.Wins+partial.Losses+partial.Draws, numTrials, partial.Wins, partial.Losses, partial.Draws,
			time.Since(start).Round(time.Millisecond))
	}
	printUpdate(arena.Result{})
	o.Arena.OnTrialEnd = printUpdate
	result, err := o.Arena.Evaluate(ctx, o.Candidate.Clone(), o.Incumbent)
	_, _ = fmt.Fprintln(o.out())
	if err != nil {
		return nil, err
	}
	return result, nil
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}
