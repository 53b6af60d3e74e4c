// Package config defines the configuration document of a training run: it is loaded from a
// YAML (or JSON) file, optionally overridden from the command line, validated and then
// converted to the configuration of each component.
//
// The document has the shape:
//
//	name: hex_7x7
//	algorithm: alphazero
//	architecture: linear
//	args:
//	  num_selfplay_iterations: 100
//	  num_MCTS_sims: 50
//	  temperature_schedule:
//	    method: stepwise
//	    by_weight_update: false
//	    schedule_points: [[15, 1.0], [16, 0.0]]
//	  ...
//	net_args:
//	  lr: 0.01
package config

import (
	"bytes"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/replay"
	"github.com/janpfeifer/hexzero/internal/searchers/mcts"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/temperature"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Document is the configuration of a training run.
type Document struct {
	Name         string         `yaml:"name"`
	Algorithm    string         `yaml:"algorithm"`
	Architecture string         `yaml:"architecture"`
	Args         Args           `yaml:"args"`
	NetArgs      map[string]any `yaml:"net_args"`
}

// TemperatureSchedule configuration.
type TemperatureSchedule struct {
	Method         string `yaml:"method"`
	ByWeightUpdate bool   `yaml:"by_weight_update"`

	// SchedulePoints is a list of [threshold, temperature] pairs.
	SchedulePoints [][]float64 `yaml:"schedule_points"`
}

// Args are the options of the training loop.
type Args struct {
	NumSelfplayIterations int     `yaml:"num_selfplay_iterations"`
	NumEpisodes           int     `yaml:"num_episodes"`
	NumGradientSteps      int     `yaml:"num_gradient_steps"`
	MaxEpisodeMoves       int     `yaml:"max_episode_moves"`
	MaxTrialMoves         int     `yaml:"max_trial_moves"`
	Pitting               bool    `yaml:"pitting"`
	PittingTrials         int     `yaml:"pitting_trials"`
	PitAcceptanceRatio    float32 `yaml:"pit_acceptance_ratio"`
	DirichletAlpha        float32 `yaml:"dirichlet_alpha"`
	ExplorationFraction   float32 `yaml:"exploration_fraction"`
	MaxBufferSize         int     `yaml:"max_buffer_size"`
	NumMCTSSims           int     `yaml:"num_MCTS_sims"`
	Prioritize            bool    `yaml:"prioritize"`
	PrioritizeAlpha       float32 `yaml:"prioritize_alpha"`
	PrioritizeBeta        float32 `yaml:"prioritize_beta"`
	NSteps                int     `yaml:"n_steps"`
	C1                    float32 `yaml:"c1"`
	C2                    float32 `yaml:"c2"`
	Gamma                 float32 `yaml:"gamma"`

	// MinimumReward and MaximumReward, if both set, enable the min-max normalization of Q in the search.
	MinimumReward *float32 `yaml:"minimum_reward"`
	MaximumReward *float32 `yaml:"maximum_reward"`

	// Checkpoint directory.
	Checkpoint string `yaml:"checkpoint"`

	// LoadModel resumes from the model in LoadFolderFile ([folder, file]), and from the progress and
	// replay buffer of the checkpoint directory, if present.
	LoadModel      bool     `yaml:"load_model"`
	LoadFolderFile []string `yaml:"load_folder_file"`

	SelfplayBufferWindow int                 `yaml:"selfplay_buffer_window"`
	TemperatureSchedule  TemperatureSchedule `yaml:"temperature_schedule"`

	// BatchSize of the training steps. If 0, net_args.batch_size is used, and if that is not set either,
	// DefaultBatchSize.
	BatchSize         int     `yaml:"batch_size"`
	NumSearchWorkers  int     `yaml:"num_search_workers"`
	VirtualLoss       float32 `yaml:"virtual_loss"`
	ArenaTemperature  float32 `yaml:"arena_temperature"`
	Parallelism       int     `yaml:"parallelism"`
	ReuseTree         bool    `yaml:"reuse_tree"`
	AugmentSymmetries bool    `yaml:"augment_symmetries"`
	KeepCheckpoints   int     `yaml:"keep_checkpoints"`
	Seed              uint64  `yaml:"seed"`
}

// Default returns the default configuration.
func Default() *Document {
	search := mcts.DefaultConfig()
	return &Document{
		Name:         "hexzero",
		Algorithm:    "alphazero",
		Architecture: "linear",
		Args: Args{
			NumSelfplayIterations: 10,
			NumEpisodes:           20,
			NumGradientSteps:      100,
			MaxEpisodeMoves:       500,
			MaxTrialMoves:         500,
			Pitting:               true,
			PittingTrials:         20,
			PitAcceptanceRatio:    0.55,
			DirichletAlpha:        search.DirichletAlpha,
			ExplorationFraction:   search.ExplorationFraction,
			MaxBufferSize:         100_000,
			NumMCTSSims:           search.NumSimulations,
			PrioritizeAlpha:       0.6,
			PrioritizeBeta:        0.4,
			C1:                    search.C1,
			C2:                    search.C2,
			Gamma:                 search.Gamma,
			Checkpoint:            "./checkpoint",
			SelfplayBufferWindow:  10,
			TemperatureSchedule: TemperatureSchedule{
				Method:         string(temperature.Stepwise),
				SchedulePoints: [][]float64{{15, 1}, {16, 0}},
			},
			NumSearchWorkers: search.NumWorkers,
			VirtualLoss:      search.VirtualLoss,
			KeepCheckpoints:  5,
		},
		NetArgs: make(map[string]any),
	}
}

// Parse the configuration document, on top of the defaults. Unknown fields are an error.
func Parse(contents []byte) (*Document, error) {
	doc := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "failed to parse configuration")
	}
	if doc.NetArgs == nil {
		doc.NetArgs = make(map[string]any)
	}
	return doc, nil
}

// Load the configuration document from a YAML or JSON file.
func Load(path string) (*Document, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	doc, err := Parse(contents)
	return doc, errors.WithMessagef(err, "configuration file %q", path)
}

// Validate returns an error listing every problem found in the configuration, or nil if it is valid.
func (d *Document) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, errors.Errorf(format, args...).Error())
	}
	a := &d.Args
	if a.NumSelfplayIterations < 1 {
		addf("num_selfplay_iterations must be >= 1, got %d", a.NumSelfplayIterations)
	}
	if a.NumEpisodes < 1 {
		addf("num_episodes must be >= 1, got %d", a.NumEpisodes)
	}
	if a.NumGradientSteps < 0 {
		addf("num_gradient_steps must be >= 0, got %d", a.NumGradientSteps)
	}
	if a.MaxEpisodeMoves < 0 {
		addf("max_episode_moves must be >= 0 (0 for no limit), got %d", a.MaxEpisodeMoves)
	}
	if a.MaxTrialMoves < 0 {
		addf("max_trial_moves must be >= 0 (0 for no limit), got %d", a.MaxTrialMoves)
	}
	if a.Pitting && a.PittingTrials < 1 {
		addf("pitting_trials must be >= 1 when pitting is enabled, got %d", a.PittingTrials)
	}
	if a.PitAcceptanceRatio < 0 || a.PitAcceptanceRatio > 1 {
		addf("pit_acceptance_ratio must be in [0, 1], got %g", a.PitAcceptanceRatio)
	}
	if a.ExplorationFraction < 0 || a.ExplorationFraction > 1 {
		addf("exploration_fraction must be in [0, 1], got %g", a.ExplorationFraction)
	}
	if a.ExplorationFraction > 0 && a.DirichletAlpha <= 0 {
		addf("dirichlet_alpha must be > 0, got %g", a.DirichletAlpha)
	}
	if a.MaxBufferSize < 0 {
		addf("max_buffer_size must be >= 0 (0 for no limit), got %d", a.MaxBufferSize)
	}
	if a.NumMCTSSims < 1 {
		addf("num_MCTS_sims must be >= 1, got %d", a.NumMCTSSims)
	}
	if a.Prioritize && (a.PrioritizeAlpha < 0 || a.PrioritizeBeta < 0) {
		addf("prioritize_alpha (%g) and prioritize_beta (%g) must be >= 0", a.PrioritizeAlpha, a.PrioritizeBeta)
	}
	if a.C1 < 0 {
		addf("c1 must be >= 0, got %g", a.C1)
	}
	if a.C2 <= 0 {
		addf("c2 must be > 0, got %g", a.C2)
	}
	if a.Gamma < 0 || a.Gamma > 1 {
		addf("gamma must be in [0, 1], got %g", a.Gamma)
	}
	if (a.MinimumReward == nil) != (a.MaximumReward == nil) {
		addf("minimum_reward and maximum_reward must be both set or both unset")
	} else if a.MinimumReward != nil && *a.MinimumReward > *a.MaximumReward {
		addf("minimum_reward (%g) must be <= maximum_reward (%g)", *a.MinimumReward, *a.MaximumReward)
	}
	if a.Checkpoint == "" {
		addf("checkpoint directory must be set")
	}
	if a.LoadModel && len(a.LoadFolderFile) != 2 {
		addf("load_folder_file must be [folder, file] when load_model is set, got %q", a.LoadFolderFile)
	}
	if a.SelfplayBufferWindow < 0 {
		addf("selfplay_buffer_window must be >= 0 (0 for no limit), got %d", a.SelfplayBufferWindow)
	}
	if _, err := d.Schedule(); err != nil {
		addf("temperature_schedule: %v", err)
	}
	if d.BatchSize() < 1 {
		addf("batch_size must be >= 1, got %d", d.BatchSize())
	}
	if a.NumSearchWorkers < 1 {
		addf("num_search_workers must be >= 1, got %d", a.NumSearchWorkers)
	}
	if a.VirtualLoss < 0 {
		addf("virtual_loss must be >= 0, got %g", a.VirtualLoss)
	}
	if a.ArenaTemperature < 0 {
		addf("arena_temperature must be >= 0, got %g", a.ArenaTemperature)
	}
	if a.Parallelism < 0 {
		addf("parallelism must be >= 0 (0 for GOMAXPROCS), got %d", a.Parallelism)
	}
	if a.KeepCheckpoints < 0 {
		addf("keep_checkpoints must be >= 0 (0 to keep all), got %d", a.KeepCheckpoints)
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Errorf("invalid configuration %q:\n  - %s", d.Name, strings.Join(problems, "\n  - "))
}

// DefaultBatchSize is used if neither args.batch_size nor net_args.batch_size are set.
const DefaultBatchSize = 128

// BatchSize returns the training batch size: args.batch_size or, if not set, net_args.batch_size.
func (d *Document) BatchSize() int {
	if d.Args.BatchSize != 0 {
		return d.Args.BatchSize
	}
	value, found := d.NetArgs["batch_size"]
	if !found {
		return DefaultBatchSize
	}
	switch v := value.(type) {
	case int:
		return v
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	}
	return 0
}

// LoadModelPath returns the path of the model to resume from, or "" if load_model is not set.
func (d *Document) LoadModelPath() string {
	if !d.Args.LoadModel || len(d.Args.LoadFolderFile) != 2 {
		return ""
	}
	return filepath.Join(d.Args.LoadFolderFile[0], d.Args.LoadFolderFile[1])
}

// Schedule builds the temperature schedule.
func (d *Document) Schedule() (*temperature.Schedule, error) {
	ts := d.Args.TemperatureSchedule
	points := make([]temperature.Point, 0, len(ts.SchedulePoints))
	for ii, pair := range ts.SchedulePoints {
		if len(pair) != 2 {
			return nil, errors.Errorf("schedule point #%d must be a [threshold, temperature] pair, got %v", ii, pair)
		}
		if pair[0] != math.Trunc(pair[0]) {
			return nil, errors.Errorf("schedule point #%d threshold must be an integer, got %g", ii, pair[0])
		}
		points = append(points, temperature.Point{Threshold: int(pair[0]), Temperature: float32(pair[1])})
	}
	return temperature.New(temperature.Method(ts.Method), ts.ByWeightUpdate, points)
}

// SearchConfig builds the MCTS configuration.
func (d *Document) SearchConfig() mcts.Config {
	a := &d.Args
	return mcts.Config{
		NumSimulations:      a.NumMCTSSims,
		C1:                  a.C1,
		C2:                  a.C2,
		DirichletAlpha:      a.DirichletAlpha,
		ExplorationFraction: a.ExplorationFraction,
		Gamma:               a.Gamma,
		VirtualLoss:         a.VirtualLoss,
		NumWorkers:          a.NumSearchWorkers,
		MinimumReward:       a.MinimumReward,
		MaximumReward:       a.MaximumReward,
		ReuseTree:           a.ReuseTree,
	}
}

// SelfPlayConfig builds the self-play configuration.
func (d *Document) SelfPlayConfig() (selfplay.Config, error) {
	schedule, err := d.Schedule()
	if err != nil {
		return selfplay.Config{}, errors.WithMessagef(err, "temperature_schedule")
	}
	return selfplay.Config{
		MaxEpisodeMoves: d.Args.MaxEpisodeMoves,
		NSteps:          d.Args.NSteps,
		Gamma:           d.Args.Gamma,
		Search:          d.SearchConfig(),
		Schedule:        schedule,
		Parallelism:     d.Args.Parallelism,
		Seed:            d.Args.Seed,
	}, nil
}

// ReplayConfig builds the replay buffer configuration.
func (d *Document) ReplayConfig() replay.Config {
	return replay.Config{
		MaxSize:    d.Args.MaxBufferSize,
		Window:     d.Args.SelfplayBufferWindow,
		Prioritize: d.Args.Prioritize,
		Alpha:      d.Args.PrioritizeAlpha,
		Beta:       d.Args.PrioritizeBeta,
		Seed:       d.Args.Seed,
	}
}

// ArenaConfig builds the arena configuration.
func (d *Document) ArenaConfig() arena.Config {
	return arena.Config{
		Trials:          d.Args.PittingTrials,
		AcceptanceRatio: d.Args.PitAcceptanceRatio,
		MaxTrialMoves:   d.Args.MaxTrialMoves,
		Temperature:     d.Args.ArenaTemperature,
		Search:          d.SearchConfig(),
		Parallelism:     d.Args.Parallelism,
		Seed:            d.Args.Seed,
	}
}

// String returns the document as YAML.
func (d *Document) String() string {
	contents, err := yaml.Marshal(d)
	if err != nil {
		return "<failed to serialize configuration: " + err.Error() + ">"
	}
	return string(contents)
}
