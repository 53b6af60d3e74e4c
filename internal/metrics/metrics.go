// Package metrics exports Prometheus metrics of the training loop.
//
// Metrics are registered on the given prometheus.Registerer, so tests (or several trainers in the
// same process) can use their own registries. The profilers package serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

const namespace = "hexzero"

// Phases of an iteration, used as label of IterationPhaseDuration.
const (
	PhaseSelfPlay   = "selfplay"
	PhaseTraining   = "training"
	PhaseArena      = "arena"
	PhaseCheckpoint = "checkpoint"
)

// Metrics of the training loop.
type Metrics struct {
	// Iterations completed, and the current iteration.
	Iterations       prometheus.Counter
	CurrentIteration prometheus.Gauge

	// Episodes of self-play, their length in plies and whether they were truncated.
	Episodes          prometheus.Counter
	TruncatedEpisodes prometheus.Counter
	EpisodeLength     prometheus.Histogram

	// GradientSteps applied and the moving average of the training loss.
	GradientSteps prometheus.Counter
	TrainLoss     prometheus.Gauge

	// Buffer size.
	BufferTransitions  prometheus.Gauge
	BufferTrajectories prometheus.Gauge

	// ArenaGames by result ("win", "loss", "draw", from the candidate's point of view), and
	// Promotions by decision ("accepted", "rejected").
	ArenaGames *prometheus.CounterVec
	Promotions *prometheus.CounterVec

	// IterationPhaseDuration in seconds, by phase.
	IterationPhaseDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. It panics if they are already registered in reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Self-play iterations completed",
		}),
		CurrentIteration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_iteration",
			Help:      "Iteration being run",
		}),
		Episodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selfplay_episodes_total",
			Help:      "Self-play episodes played",
		}),
		TruncatedEpisodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selfplay_truncated_episodes_total",
			Help:      "Self-play episodes that reached the move limit",
		}),
		EpisodeLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selfplay_episode_length_plies",
			Help:      "Number of plies of the self-play episodes",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 9), // 4 to 1024 plies
		}),
		GradientSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gradient_steps_total",
			Help:      "Training steps applied to the candidate model",
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Moving average of the training loss",
		}),
		BufferTransitions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_buffer_transitions",
			Help:      "Transitions held by the replay buffer",
		}),
		BufferTrajectories: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_buffer_trajectories",
			Help:      "Trajectories held by the replay buffer",
		}),
		ArenaGames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arena_games_total",
			Help:      "Arena games by result for the candidate",
		}, []string{"result"}),
		Promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Candidate evaluations by decision",
		}, []string{"decision"}),
		IterationPhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_phase_duration_seconds",
			Help:      "Duration of each phase of an iteration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10), // 0.1s to ~7h
		}, []string{"phase"}),
	}
}

// ObserveEpisode records one self-play episode.
func (m *Metrics) ObserveEpisode(numPlies int, truncated bool) {
	m.Episodes.Inc()
	if truncated {
		m.TruncatedEpisodes.Inc()
	}
	m.EpisodeLength.Observe(float64(numPlies))
}

// ObserveArena records the result of an evaluation.
func (m *Metrics) ObserveArena(wins, losses, draws int, accepted bool) {
	m.ArenaGames.WithLabelValues("win").Add(float64(wins))
	m.ArenaGames.WithLabelValues("loss").Add(float64(losses))
	m.ArenaGames.WithLabelValues("draw").Add(float64(draws))
	m.ObservePromotion(accepted)
}

// ObservePromotion records a promotion decision.
func (m *Metrics) ObservePromotion(accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.Promotions.WithLabelValues(decision).Inc()
}

// SetBuffer records the size of the replay buffer.
func (m *Metrics) SetBuffer(transitions, trajectories int) {
	m.BufferTransitions.Set(float64(transitions))
	m.BufferTrajectories.Set(float64(trajectories))
}

// TimePhase returns a function that records the time elapsed since TimePhase was called for the phase.
//
// Usage:
//
//	defer m.TimePhase(metrics.PhaseTraining)()
func (m *Metrics) TimePhase(phase string) func() {
	start := time.Now()
	return func() {
		m.IterationPhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}
