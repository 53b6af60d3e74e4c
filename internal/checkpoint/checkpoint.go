// Package checkpoint manages the checkpoint directory of a training run: model snapshots, the
// replay buffer and the progress metadata needed to resume.
//
// Layout:
//
//	<dir>/latest.model          candidate model after the last completed iteration.
//	<dir>/best.model            incumbent (last promoted) model.
//	<dir>/iteration_NNNN.model  history of candidates, only the most recent ones are kept.
//	<dir>/replay.parquet        replay buffer.
//	<dir>/progress.yaml         progress metadata, written last.
//
// All files of a checkpoint are written to temporary files first, and renamed once all of them
// were successfully written.
package checkpoint

import (
	"fmt"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"
)

const (
	LatestModelFile = "latest.model"
	BestModelFile   = "best.model"
	ReplayFile      = "replay.parquet"
	ProgressFile    = "progress.yaml"
)

// ErrNotFound is returned when loading from a directory without a checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Progress of a training run.
type Progress struct {
	RunID string `yaml:"run_id"`
	Game  string `yaml:"game"`

	// Iteration is the last completed iteration.
	Iteration int `yaml:"iteration"`

	// WeightUpdates is the total number of training steps applied to the candidate.
	WeightUpdates int `yaml:"weight_updates"`

	// BestIteration is the iteration of the incumbent model, -1 if it is the initial model.
	BestIteration int `yaml:"best_iteration"`

	NumAccepted int `yaml:"num_accepted"`
	NumRejected int `yaml:"num_rejected"`

	UpdatedAt time.Time `yaml:"updated_at"`
}

// Saver is the part of the replay buffer used by the Manager.
type Saver interface {
	Save(path string) error
}

// Manager of a checkpoint directory.
type Manager struct {
	Dir string

	// Keep is the number of iteration_NNNN.model files kept. If <= 0 all are kept.
	Keep int
}

// New creates the checkpoint directory if needed and returns its Manager.
func New(dir string, keep int) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return &Manager{Dir: dir, Keep: keep}, nil
}

// Path returns the path of a file in the checkpoint directory.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.Dir, name)
}

// IterationModelFile returns the file name of the model snapshot of an iteration.
func IterationModelFile(iteration int) string {
	return fmt.Sprintf("iteration_%04d.model", iteration)
}

var reIterationModel = regexp.MustCompile(`^iteration_(\d+)\.model$`)

// staging collects files written to temporary paths, to be renamed together once all of them
// have been written.
type staging struct {
	paths []string
}

func tmpPathFor(path string) string { return path + ".tmp" }

// write calls write with the temporary path of path. On failure the temporary file is removed.
func (s *staging) write(path string, write func(tmpPath string) error) error {
	tmpPath := tmpPathFor(path)
	_ = os.Remove(tmpPath)
	if err := write(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	s.paths = append(s.paths, path)
	return nil
}

// discard removes all temporary files written so far.
func (s *staging) discard() {
	for _, path := range s.paths {
		_ = os.Remove(tmpPathFor(path))
	}
	s.paths = nil
}

// commit renames the temporary files to their final paths, in the order they were written.
func (s *staging) commit() error {
	for ii, path := range s.paths {
		if err := os.Rename(tmpPathFor(path), path); err != nil {
			for _, remaining := range s.paths[ii+1:] {
				_ = os.Remove(tmpPathFor(remaining))
			}
			return errors.Wrapf(err, "failed to rename %s to %s", tmpPathFor(path), path)
		}
	}
	s.paths = nil
	return nil
}

// writeAtomic calls write with a temporary path, and renames it to path on success.
func writeAtomic(path string, write func(tmpPath string) error) error {
	var s staging
	if err := s.write(path, write); err != nil {
		return err
	}
	return s.commit()
}

// SaveModel saves the model into the checkpoint directory with the given file name.
func (m *Manager) SaveModel(model ai.Model, name string) error {
	return writeAtomic(m.Path(name), m.modelWriter(model, name))
}

func (m *Manager) modelWriter(model ai.Model, name string) func(tmpPath string) error {
	return func(tmpPath string) error {
		return errors.WithMessagef(model.Save(tmpPath), "saving model %s to %s", model, m.Path(name))
	}
}

// LoadModel loads the model from the checkpoint directory file name.
func (m *Manager) LoadModel(model ai.Model, name string) error {
	path := m.Path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "model file %s", path)
		}
		return errors.Wrapf(err, "failed to access model file %s", path)
	}
	return errors.WithMessagef(model.Load(path), "loading model %s from %s", model, path)
}

// checkpointFile is one of the files written by Manager.Save.
type checkpointFile struct {
	name  string
	write func(tmpPath string) error
}

// Save a complete checkpoint after an iteration: candidate (as latest and as the iteration snapshot),
// incumbent (as best), replay buffer and the progress. Old iteration snapshots are pruned.
//
// Every file is first written to a temporary file, and only once all of them succeed they are
// renamed in place, the progress last. A failure leaves the previous checkpoint untouched.
func (m *Manager) Save(candidate, incumbent ai.Model, buffer Saver, progress *Progress) error {
	contents, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	var s staging
	writes := []checkpointFile{
		{IterationModelFile(progress.Iteration), m.modelWriter(candidate, IterationModelFile(progress.Iteration))},
		{LatestModelFile, m.modelWriter(candidate, LatestModelFile)},
		{BestModelFile, m.modelWriter(incumbent, BestModelFile)},
	}
	if buffer != nil {
		writes = append(writes, checkpointFile{ReplayFile, func(tmpPath string) error {
			return errors.WithMessagef(buffer.Save(tmpPath), "saving replay buffer checkpoint")
		}})
	}
	writes = append(writes, checkpointFile{ProgressFile, progressWriter(contents)})
	for _, w := range writes {
		if err = s.write(m.Path(w.name), w.write); err != nil {
			s.discard()
			return err
		}
	}
	if err = s.commit(); err != nil {
		return err
	}
	if err := m.prune(); err != nil {
		klog.Warningf("Failed to prune old checkpoints in %s: %+v", m.Dir, err)
	}
	klog.V(1).Infof("Checkpoint saved to %s at iteration %d", m.Dir, progress.Iteration)
	return nil
}

func marshalProgress(progress *Progress) ([]byte, error) {
	progress.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	contents, err := yaml.Marshal(progress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize checkpoint progress")
	}
	return contents, nil
}

func progressWriter(contents []byte) func(tmpPath string) error {
	return func(tmpPath string) error {
		return errors.Wrapf(os.WriteFile(tmpPath, contents, 0o644), "failed to write %s", tmpPath)
	}
}

// SaveProgress writes the progress file.
func (m *Manager) SaveProgress(progress *Progress) error {
	contents, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	return writeAtomic(m.Path(ProgressFile), progressWriter(contents))
}

// LoadProgress reads the progress file. It returns an error wrapping ErrNotFound if there is none.
func (m *Manager) LoadProgress() (*Progress, error) {
	path := m.Path(ProgressFile)
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "no progress file in %s", m.Dir)
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	progress := &Progress{}
	if err = yaml.Unmarshal(contents, progress); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return progress, nil
}

// Iterations returns the iterations with a model snapshot, in ascending order.
func (m *Manager) Iterations() ([]int, error) {
	dirEntries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoint directory %s", m.Dir)
	}
	var iterations []int
	for _, entry := range dirEntries {
		matches := reIterationModel.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		iteration, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		iterations = append(iterations, iteration)
	}
	slices.Sort(iterations)
	return iterations, nil
}

// prune removes the oldest iteration snapshots, keeping the m.Keep most recent.
func (m *Manager) prune() error {
	if m.Keep <= 0 {
		return nil
	}
	iterations, err := m.Iterations()
	if err != nil {
		return err
	}
	for len(iterations) > m.Keep {
		path := m.Path(IterationModelFile(iterations[0]))
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove %s", path)
		}
		klog.V(2).Infof("Removed old checkpoint %s", path)
		iterations = iterations[1:]
	}
	return nil
}
