package config

import (
	"github.com/janpfeifer/hexzero/internal/parameters"
	"github.com/janpfeifer/hexzero/internal/temperature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	doc := Default()
	require.NoError(t, doc.Validate())
	assert.Equal(t, DefaultBatchSize, doc.BatchSize())
	assert.Equal(t, "", doc.LoadModelPath())
}

func TestLoadYAML(t *testing.T) {
	doc, err := Load(filepath.Join("..", "..", "configs", "hex_7x7.yaml"))
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	assert.Equal(t, "hex_7x7", doc.Name)
	assert.Equal(t, 100, doc.Args.NumMCTSSims)
	assert.Equal(t, 2, doc.Args.NumSearchWorkers)
	assert.True(t, doc.Args.AugmentSymmetries)
	assert.Equal(t, 128, doc.BatchSize())
	assert.Equal(t, 0.01, doc.NetArgs["lr"])
	assert.Nil(t, doc.Args.MinimumReward)

	// load_model is false, so there is no model to load.
	assert.Equal(t, "", doc.LoadModelPath())
	doc.Args.LoadModel = true
	assert.Equal(t, filepath.Join("checkpoint", "hex_7x7", "latest.model"), doc.LoadModelPath())

	schedule, err := doc.Schedule()
	require.NoError(t, err)
	assert.False(t, schedule.ByWeightUpdate())
	assert.Equal(t, float32(1), schedule.Temperature(10))
	assert.Equal(t, float32(0), schedule.Temperature(11))
	assert.Equal(t, float32(0), schedule.Temperature(40))
}

func TestLoadJSON(t *testing.T) {
	doc, err := Load(filepath.Join("..", "..", "configs", "corridor.json"))
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	assert.Equal(t, "muzero", doc.Algorithm)
	assert.Equal(t, 64, doc.BatchSize(), "batch_size should come from net_args")
	require.NotNil(t, doc.Args.MinimumReward)
	require.NotNil(t, doc.Args.MaximumReward)
	assert.Equal(t, float32(0), *doc.Args.MinimumReward)
	assert.Equal(t, float32(1), *doc.Args.MaximumReward)

	search := doc.SearchConfig()
	require.NoError(t, search.Validate())
	assert.Equal(t, 25, search.NumSimulations)
	assert.InDelta(t, 0.997, search.Gamma, 1e-6)
	assert.NotNil(t, search.MinimumReward)

	sp, err := doc.SelfPlayConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, sp.NSteps)
	assert.Equal(t, 40, sp.MaxEpisodeMoves)
	assert.True(t, sp.Schedule.ByWeightUpdate())
	assert.InDelta(t, 0.75, sp.Schedule.Temperature(250), 1e-6)
	assert.InDelta(t, 0.1, sp.Schedule.Temperature(5000), 1e-6)

	rc := doc.ReplayConfig()
	assert.True(t, rc.Prioritize)
	assert.Equal(t, 10, rc.Window)
	assert.Equal(t, 50000, rc.MaxSize)

	ac := doc.ArenaConfig()
	assert.Equal(t, 4, ac.Trials)
	assert.Equal(t, float32(0.5), ac.AcceptanceRatio)
	assert.Equal(t, 40, ac.MaxTrialMoves)
}

func TestParse(t *testing.T) {
	// Empty document: defaults.
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Args, doc.Args)

	// Partial document keeps the other defaults.
	doc, err = Parse([]byte("args:\n  num_episodes: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Args.NumEpisodes)
	assert.Equal(t, Default().Args.NumMCTSSims, doc.Args.NumMCTSSims)
	assert.NotNil(t, doc.NetArgs)

	// Unknown fields are rejected.
	_, err = Parse([]byte("args:\n  num_episode: 3\n"))
	require.Error(t, err)
}

func TestValidateListsAllProblems(t *testing.T) {
	doc := Default()
	doc.Args.NumMCTSSims = -1
	doc.Args.PitAcceptanceRatio = 1.5
	doc.Args.Gamma = 2
	minReward := float32(1)
	doc.Args.MinimumReward = &minReward
	doc.Args.TemperatureSchedule.SchedulePoints = nil
	doc.Args.LoadModel = true
	doc.Args.LoadFolderFile = nil

	err := doc.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"num_MCTS_sims", "pit_acceptance_ratio", "gamma", "minimum_reward", "temperature_schedule",
		"load_folder_file",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Equal(t, 6, strings.Count(msg, "\n  - "))
}

func TestApplyParams(t *testing.T) {
	doc := Default()
	params := parameters.NewFromConfigString(
		"num_MCTS_sims=50,pitting=false,prioritize,c1=2.5,minimum_reward=-1,maximum_reward=1," +
			"temperature_method=linear,temperature_points=0:1;100:0.5,load_folder_file=/tmp/run/best.model," +
			"seed=7,net.lr=0.5,net.optimizer=sgd,checkpoint=/tmp/run")
	require.NoError(t, doc.ApplyParams(params))
	require.NoError(t, doc.Validate())
	assert.Empty(t, params)

	a := &doc.Args
	assert.Equal(t, 50, a.NumMCTSSims)
	assert.False(t, a.Pitting)
	assert.True(t, a.Prioritize)
	assert.Equal(t, float32(2.5), a.C1)
	assert.Equal(t, float32(-1), *a.MinimumReward)
	assert.Equal(t, float32(1), *a.MaximumReward)
	assert.Equal(t, uint64(7), a.Seed)
	assert.Equal(t, []string{"/tmp/run", "best.model"}, a.LoadFolderFile)
	assert.Equal(t, "/tmp/run", a.Checkpoint)
	assert.Equal(t, 0.5, doc.NetArgs["lr"])
	assert.Equal(t, "sgd", doc.NetArgs["optimizer"])

	schedule, err := doc.Schedule()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, schedule.Temperature(50), 1e-6)
	assert.Equal(t, temperature.Constant(1).Temperature(0), schedule.Temperature(0))
}

func TestApplyParamsErrors(t *testing.T) {
	doc := Default()
	err := doc.ApplyParams(parameters.NewFromConfigString("num_MCTS_sims=50,bogus=1,another"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
	assert.Contains(t, err.Error(), "another")

	for _, config := range []string{
		"num_MCTS_sims=many", "pitting=maybe", "load_folder_file=nofolder", "temperature_points=1-2", "seed=-3",
	} {
		doc = Default()
		assert.Error(t, doc.ApplyParams(parameters.NewFromConfigString(config)), config)
	}

	// Empty configuration string is a no-op.
	doc = Default()
	require.NoError(t, doc.ApplyParams(parameters.NewFromConfigString("")))
	assert.Equal(t, Default().Args, doc.Args)
}

func TestLoadFNN(t *testing.T) {
	doc, err := Load(filepath.Join("..", "..", "configs", "tictactoe_fnn.yaml"))
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	assert.Equal(t, "fnn", doc.Architecture)
	assert.Equal(t, 64, doc.BatchSize())
	assert.Equal(t, 0.1, doc.NetArgs["dropout"])
}
