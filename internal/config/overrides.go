package config

import (
	"github.com/janpfeifer/hexzero/internal/parameters"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// NetArgsPrefix marks command-line overrides of net_args, e.g. "net.lr=0.01".
const NetArgsPrefix = "net."

// popInto pops key from params into target, keeping target's value if key is not set.
func popInto[T parameters.Value](params parameters.Params, key string, target *T) error {
	value, err := parameters.PopParamOr(params, key, *target)
	if err != nil {
		return err
	}
	*target = value
	return nil
}

// ApplyParams overrides the configuration with the params given in the command line (see
// parameters.NewFromConfigString), using the same names as in the document's args.
// Keys prefixed with "net." override net_args.
//
// The temperature schedule is overridden with "temperature_method", "temperature_by_weight_update"
// and "temperature_points" ("threshold:temperature" pairs separated by ";").
//
// Unknown keys are an error.
func (d *Document) ApplyParams(params parameters.Params) error {
	a := &d.Args
	ints := map[string]*int{
		"num_selfplay_iterations": &a.NumSelfplayIterations,
		"num_episodes":            &a.NumEpisodes,
		"num_gradient_steps":      &a.NumGradientSteps,
		"max_episode_moves":       &a.MaxEpisodeMoves,
		"max_trial_moves":         &a.MaxTrialMoves,
		"pitting_trials":          &a.PittingTrials,
		"max_buffer_size":         &a.MaxBufferSize,
		"num_MCTS_sims":           &a.NumMCTSSims,
		"n_steps":                 &a.NSteps,
		"selfplay_buffer_window":  &a.SelfplayBufferWindow,
		"batch_size":              &a.BatchSize,
		"num_search_workers":      &a.NumSearchWorkers,
		"parallelism":             &a.Parallelism,
		"keep_checkpoints":        &a.KeepCheckpoints,
	}
	floats := map[string]*float32{
		"pit_acceptance_ratio": &a.PitAcceptanceRatio,
		"dirichlet_alpha":      &a.DirichletAlpha,
		"exploration_fraction": &a.ExplorationFraction,
		"prioritize_alpha":     &a.PrioritizeAlpha,
		"prioritize_beta":      &a.PrioritizeBeta,
		"c1":                   &a.C1,
		"c2":                   &a.C2,
		"gamma":                &a.Gamma,
		"virtual_loss":         &a.VirtualLoss,
		"arena_temperature":    &a.ArenaTemperature,
	}
	bools := map[string]*bool{
		"pitting":                      &a.Pitting,
		"prioritize":                   &a.Prioritize,
		"load_model":                   &a.LoadModel,
		"reuse_tree":                   &a.ReuseTree,
		"augment_symmetries":           &a.AugmentSymmetries,
		"temperature_by_weight_update": &a.TemperatureSchedule.ByWeightUpdate,
	}
	strs := map[string]*string{
		"name":               &d.Name,
		"algorithm":          &d.Algorithm,
		"architecture":       &d.Architecture,
		"checkpoint":         &a.Checkpoint,
		"temperature_method": &a.TemperatureSchedule.Method,
	}
	for key, target := range ints {
		if err := popInto(params, key, target); err != nil {
			return err
		}
	}
	if err := popInto(params, "seed", &a.Seed); err != nil {
		return err
	}
	for key, target := range floats {
		if err := popInto(params, key, target); err != nil {
			return err
		}
	}
	for key, target := range bools {
		if err := popInto(params, key, target); err != nil {
			return errors.WithMessagef(err, "parameter %q", key)
		}
	}
	for key, target := range strs {
		if err := popInto(params, key, target); err != nil {
			return err
		}
	}

	for _, bound := range []struct {
		key    string
		target **float32
	}{{"minimum_reward", &a.MinimumReward}, {"maximum_reward", &a.MaximumReward}} {
		var value float32
		if *bound.target != nil {
			value = **bound.target
		}
		if _, found := params[bound.key]; !found {
			continue
		}
		if err := popInto(params, bound.key, &value); err != nil {
			return err
		}
		*bound.target = &value
	}

	if value, found := params["load_folder_file"]; found {
		folder, file, ok := splitFolderFile(value)
		if !ok {
			return errors.Errorf("load_folder_file=%q must be given as <folder>/<file>", value)
		}
		a.LoadFolderFile = []string{folder, file}
		delete(params, "load_folder_file")
	}

	if value, found := params["temperature_points"]; found {
		points, err := parsePoints(value)
		if err != nil {
			return err
		}
		a.TemperatureSchedule.SchedulePoints = points
		delete(params, "temperature_points")
	}

	for key, value := range params {
		if netKey, found := strings.CutPrefix(key, NetArgsPrefix); found {
			d.NetArgs[netKey] = parseNetArg(value)
			delete(params, key)
		}
	}

	return params.CheckAllUsed()
}

func splitFolderFile(value string) (folder, file string, ok bool) {
	idx := strings.LastIndex(value, "/")
	if idx < 0 || idx == len(value)-1 {
		return "", "", false
	}
	folder = value[:idx]
	if folder == "" {
		folder = "/"
	}
	return folder, value[idx+1:], true
}

// parsePoints parses "threshold:temperature;threshold:temperature;...".
func parsePoints(value string) ([][]float64, error) {
	var points [][]float64
	for _, part := range strings.Split(value, ";") {
		thresholdStr, temperatureStr, found := strings.Cut(part, ":")
		if !found {
			return nil, errors.Errorf("temperature_points %q: %q is not a threshold:temperature pair", value, part)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(thresholdStr))
		if err != nil {
			return nil, errors.Wrapf(err, "temperature_points %q: invalid threshold %q", value, thresholdStr)
		}
		temperature, err := strconv.ParseFloat(strings.TrimSpace(temperatureStr), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "temperature_points %q: invalid temperature %q", value, temperatureStr)
		}
		points = append(points, []float64{float64(threshold), temperature})
	}
	return points, nil
}

// parseNetArg converts a net_args override to the types the YAML decoder would produce.
func parseNetArg(value string) any {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
