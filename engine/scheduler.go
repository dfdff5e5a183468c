package engine

import (
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WaveScheduler turns conflict analyses into an execution plan.
type WaveScheduler struct {
	logger *zap.Logger
}

// NewWaveScheduler creates a scheduler.
func NewWaveScheduler(logger *zap.Logger) *WaveScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaveScheduler{logger: logger}
}

// Plan greedily peels waves off the batch. Remaining transactions are visited
// in submission order; a transaction joins the current wave when every
// in-batch dependency was scheduled in an earlier wave and none of the
// transactions it conflicts with is already in the current wave.
// Dependencies outside the batch count as satisfied.
//
// If nothing qualifies the remaining transactions form a dependency cycle and
// the earliest-submitted one is forced into a singleton wave, so the plan
// always has at most len(analyses) waves.
func (s *WaveScheduler) Plan(analyses []*ConflictAnalysis) *ExecutionPlan {
	plan := &ExecutionPlan{}
	if len(analyses) == 0 {
		return plan
	}

	ordered := orderedAnalyses(analyses)
	waveOf := make(map[uuid.UUID]int, len(ordered))
	inBatch := make(map[uuid.UUID]struct{}, len(ordered))
	for _, an := range ordered {
		inBatch[an.TxID] = struct{}{}
	}

	remaining := ordered
	for wave := 0; len(remaining) > 0; wave++ {
		current := make(map[uuid.UUID]struct{})
		var members []*ConflictAnalysis
		next := remaining[:0:0]

		for _, an := range remaining {
			if s.ready(an, wave, waveOf, inBatch) && !conflictsWithAny(an, current) {
				current[an.TxID] = struct{}{}
				members = append(members, an)
				continue
			}
			next = append(next, an)
		}

		if len(members) == 0 {
			forced := remaining[0]
			s.logger.Debug("dependency cycle, forcing singleton wave",
				zap.Int("wave", wave),
				zap.Stringer("tx", forced.TxID))
			members = []*ConflictAnalysis{forced}
			next = remaining[1:]
		}

		w := ExecutionWave{
			Index:             wave,
			Transactions:      make([]uuid.UUID, len(members)),
			ParallelismFactor: len(members),
		}
		for i, an := range members {
			w.Transactions[i] = an.TxID
			waveOf[an.TxID] = wave
		}
		plan.Waves = append(plan.Waves, w)
		remaining = next
	}

	return plan
}

// SerialPlan schedules every transaction in its own wave, in submission
// order.
func (s *WaveScheduler) SerialPlan(analyses []*ConflictAnalysis) *ExecutionPlan {
	ordered := orderedAnalyses(analyses)
	plan := &ExecutionPlan{Waves: make([]ExecutionWave, len(ordered))}
	for i, an := range ordered {
		plan.Waves[i] = ExecutionWave{
			Index:             i,
			Transactions:      []uuid.UUID{an.TxID},
			ParallelismFactor: 1,
		}
	}
	return plan
}

func (s *WaveScheduler) ready(an *ConflictAnalysis, wave int, waveOf map[uuid.UUID]int, inBatch map[uuid.UUID]struct{}) bool {
	for _, dep := range an.Dependencies {
		if _, ok := inBatch[dep]; !ok {
			continue
		}
		w, scheduled := waveOf[dep]
		if !scheduled || w >= wave {
			return false
		}
	}
	return true
}

func conflictsWithAny(an *ConflictAnalysis, current map[uuid.UUID]struct{}) bool {
	for _, id := range an.ConflictsWith {
		if _, ok := current[id]; ok {
			return true
		}
	}
	return false
}

// orderedAnalyses returns analyses sorted by submission index. Analyses
// without an index keep their relative position.
func orderedAnalyses(analyses []*ConflictAnalysis) []*ConflictAnalysis {
	ordered := slices.Clone(analyses)
	slices.SortStableFunc(ordered, func(a, b *ConflictAnalysis) int {
		return a.Index - b.Index
	})
	return ordered
}
