package replay

import (
	"github.com/google/uuid"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"strconv"
)

// stepRow is one transition as stored in the parquet file. Trajectory level fields are repeated
// for each of its steps, and rows are grouped by trajectory in buffer order.
type stepRow struct {
	TrajectoryID string  `parquet:"trajectory_id,dict"`
	Game         string  `parquet:"game,dict"`
	Iteration    int32   `parquet:"iteration"`
	Truncated    bool    `parquet:"truncated"`
	FinalPlayer  int32   `parquet:"final_player"`
	FinalValue   float32 `parquet:"final_value"`

	Step        int32     `parquet:"step"`
	Observation []float32 `parquet:"observation"`
	Policy      []float32 `parquet:"policy"`
	Action      int32     `parquet:"action"`
	Player      int32     `parquet:"player"`
	Reward      float32   `parquet:"reward"`
	ModelValue  float32   `parquet:"model_value"`
	SearchValue float32   `parquet:"search_value"`
	Return      float32   `parquet:"return"`
	Priority    float32   `parquet:"priority"`
}

// Save the contents of the buffer to a parquet file. It writes to a temporary file and renames it,
// so an interrupted save never leaves a partial file behind.
func (b *Buffer) Save(path string) error {
	b.mu.RLock()
	rows := make([]stepRow, 0, b.size)
	for _, it := range b.iterations {
		for _, e := range it.entries {
			traj := e.traj
			for stepIdx, step := range traj.Steps {
				row := stepRow{
					TrajectoryID: traj.ID.String(),
					Game:         traj.Game,
					Iteration:    int32(it.id),
					Truncated:    traj.Truncated,
					FinalPlayer:  int32(traj.FinalPlayer),
					FinalValue:   traj.FinalValue,
					Step:         int32(stepIdx),
					Observation:  step.Observation,
					Policy:       step.Policy,
					Action:       int32(step.Action),
					Player:       int32(step.Player),
					Reward:       step.Reward,
					ModelValue:   step.ModelValue,
					SearchValue:  step.SearchValue,
					Return:       step.Return,
				}
				if e.priorities != nil {
					row.Priority = e.priorities[stepIdx]
				}
				rows = append(rows, row)
			}
		}
	}
	latest := b.latest
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for replay buffer %s", path)
	}
	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)
	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("latest_iteration", strconv.Itoa(latest)),
	); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write replay buffer to %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename replay buffer file to %s", path)
	}
	klog.V(1).Infof("Saved %d transitions of the replay buffer to %s", len(rows), path)
	return nil
}

// Load replaces the contents of the buffer with those saved in the parquet file at path,
// atomically with respect to the other operations of the buffer.
// latestIteration is the iteration the window is advanced to after loading (the progress of
// the run); if < 0 the largest iteration in the file is used.
func (b *Buffer) Load(path string, latestIteration int) error {
	rows, err := parquet.ReadFile[stepRow](path)
	if err != nil {
		return errors.Wrapf(err, "failed to read replay buffer from %s", path)
	}

	var trajectories []*trajectory.Trajectory
	var priorities [][]float32
	var current *trajectory.Trajectory
	for rowIdx, row := range rows {
		if current == nil || current.ID.String() != row.TrajectoryID {
			id, err := uuid.Parse(row.TrajectoryID)
			if err != nil {
				return errors.Wrapf(err, "replay buffer %s row %d has invalid trajectory id", path, rowIdx)
			}
			current = &trajectory.Trajectory{
				ID:          id,
				Game:        row.Game,
				Iteration:   int(row.Iteration),
				Truncated:   row.Truncated,
				FinalPlayer: game.PlayerNum(row.FinalPlayer),
				FinalValue:  row.FinalValue,
			}
			trajectories = append(trajectories, current)
			priorities = append(priorities, nil)
		}
		if int(row.Step) != len(current.Steps) {
			return errors.Errorf("replay buffer %s row %d: trajectory %s step %d out of order", path, rowIdx, current.ID, row.Step)
		}
		current.Steps = append(current.Steps, trajectory.Step{
			Observation: row.Observation,
			Policy:      row.Policy,
			Action:      game.Action(row.Action),
			Player:      game.PlayerNum(row.Player),
			Reward:      row.Reward,
			ModelValue:  row.ModelValue,
			SearchValue: row.SearchValue,
			Return:      row.Return,
		})
		priorities[len(priorities)-1] = append(priorities[len(priorities)-1], row.Priority)
	}

	entries := make([]*entry, 0, len(trajectories))
	maxIteration := -1
	for ii, traj := range trajectories {
		e := b.newEntry(traj, traj.Iteration)
		if e.priorities != nil && priorities[ii][0] > 0 {
			// Restore saved priorities, where available.
			copy(e.priorities, priorities[ii])
		}
		entries = append(entries, e)
		maxIteration = max(maxIteration, traj.Iteration)
	}
	if latestIteration < 0 {
		latestIteration = maxIteration
	}

	// Swap the contents under one lock: concurrent readers see either the old or the loaded buffer.
	b.mu.Lock()
	b.iterations = nil
	b.byID = make(map[uuid.UUID]*entry, len(entries))
	b.size = 0
	b.latest = -1
	for _, e := range entries {
		b.appendLocked(e)
	}
	if latestIteration >= 0 {
		b.advanceWindowLocked(latestIteration)
	}
	b.mu.Unlock()
	klog.V(1).Infof("Loaded %s from %s", b, path)
	return nil
}
