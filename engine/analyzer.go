package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paradigm-network/paradigm-engine/cache"
	"github.com/paradigm-network/paradigm-engine/state"
)

// accessSets are the static read and write sets of a transaction. They are
// shared between analyses served from the cache and must not be mutated.
type accessSets struct {
	read  AddressSet
	write AddressSet
}

// AnalyzerConfig configures a ConflictAnalyzer.
type AnalyzerConfig struct {
	// EnableReadWriteAnalysis extends read/write sets with the declared
	// access list of each transaction.
	EnableReadWriteAnalysis bool
	Workers                 int
	// CacheSize bounds the number of memoized analyses; zero disables the
	// cache.
	CacheSize int
	CacheTTL  time.Duration
}

// ConflictAnalyzer derives read and write sets for transactions and detects
// conflicts and dependencies within a batch.
type ConflictAnalyzer struct {
	readWriteAnalysis bool
	workers           int
	cache             *cache.Cache[uuid.UUID, accessSets]
	logger            *zap.Logger
}

// NewConflictAnalyzer creates an analyzer.
func NewConflictAnalyzer(cfg AnalyzerConfig, logger *zap.Logger) *ConflictAnalyzer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &ConflictAnalyzer{
		readWriteAnalysis: cfg.EnableReadWriteAnalysis,
		workers:           cfg.Workers,
		logger:            logger,
	}
	if cfg.CacheSize > 0 {
		a.cache = cache.New[uuid.UUID, accessSets](cache.Config{Size: cfg.CacheSize, TTL: cfg.CacheTTL})
	}
	return a
}

// CacheStats returns statistics of the analysis cache.
func (a *ConflictAnalyzer) CacheStats() cache.Stats {
	if a.cache == nil {
		return cache.Stats{}
	}
	return a.cache.GetStats()
}

// Analyze returns the static analysis of a single transaction. The sender is
// both read and written, the recipient is written. Declared accesses extend
// the sets: writes go to both sets, reads only to the read set.
func (a *ConflictAnalyzer) Analyze(tx *Transaction) *ConflictAnalysis {
	sets := a.accessSets(tx)
	return &ConflictAnalysis{
		TxID:     tx.ID,
		Index:    -1,
		ReadSet:  sets.read,
		WriteSet: sets.write,
	}
}

func (a *ConflictAnalyzer) accessSets(tx *Transaction) accessSets {
	if a.cache != nil {
		if s, ok := a.cache.Get(tx.ID); ok {
			return s
		}
	}

	s := accessSets{
		read:  NewAddressSet(tx.From),
		write: NewAddressSet(tx.From),
	}
	if tx.To != nil {
		s.write.Add(*tx.To)
	}
	if a.readWriteAnalysis {
		for _, acc := range tx.AccessList {
			s.read.Add(acc.Address)
			if acc.Write {
				s.write.Add(acc.Address)
			}
		}
	}

	if a.cache != nil {
		a.cache.Add(tx.ID, s)
	}
	return s
}

// AnalyzeBatch analyses txs in parallel chunks, then fills in conflicts and
// nonce dependencies. The returned analyses are in submission order.
func (a *ConflictAnalyzer) AnalyzeBatch(ctx context.Context, txs []*Transaction) ([]*ConflictAnalysis, error) {
	if err := validateBatch(txs); err != nil {
		return nil, err
	}
	analyses := make([]*ConflictAnalysis, len(txs))
	if len(txs) == 0 {
		return analyses, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range chunkRanges(len(txs), a.workers) {
		g.Go(func() error {
			for i := r.start; i < r.end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				an := a.Analyze(txs[i])
				an.Index = i
				analyses[i] = an
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.DetectConflicts(analyses)
	deriveNonceDependencies(txs, analyses)

	a.logger.Debug("batch analysed", zap.Int("transactions", len(txs)))
	return analyses, nil
}

// DetectConflicts fills ConflictsWith for every analysis. Two analyses
// conflict iff W(A)∩W(B), R(A)∩W(B) or W(A)∩R(B) is non-empty.
//
// Analyses are bucketed by the addresses they write; only pairs that meet in
// some bucket are compared, which gives the same result as comparing every
// pair.
func (a *ConflictAnalyzer) DetectConflicts(analyses []*ConflictAnalysis) {
	detectConflicts(analyses)
}

func detectConflicts(analyses []*ConflictAnalysis) {
	writers := make(map[state.Address][]int)
	for i, an := range analyses {
		for addr := range an.WriteSet {
			writers[addr] = append(writers[addr], i)
		}
	}

	conflicts := make([]map[int]struct{}, len(analyses))
	for i := range conflicts {
		conflicts[i] = make(map[int]struct{})
	}
	link := func(i, j int) {
		if i == j {
			return
		}
		conflicts[i][j] = struct{}{}
		conflicts[j][i] = struct{}{}
	}

	// Every conflict involves a write, so every conflicting pair meets in the
	// writer bucket of the shared address, paired with either another writer
	// or a reader of that address.
	for i, an := range analyses {
		for addr := range an.ReadSet {
			for _, j := range writers[addr] {
				link(i, j)
			}
		}
		for addr := range an.WriteSet {
			for _, j := range writers[addr] {
				link(i, j)
			}
		}
	}

	for i, an := range analyses {
		an.ConflictsWith = sortedIDs(analyses, conflicts[i])
	}
}

// detectConflictsPairwise is the quadratic reference for detectConflicts.
func detectConflictsPairwise(analyses []*ConflictAnalysis) {
	for _, an := range analyses {
		an.ConflictsWith = nil
	}
	for i := 0; i < len(analyses); i++ {
		for j := i + 1; j < len(analyses); j++ {
			if analyses[i].Conflicts(analyses[j]) {
				analyses[i].ConflictsWith = append(analyses[i].ConflictsWith, analyses[j].TxID)
				analyses[j].ConflictsWith = append(analyses[j].ConflictsWith, analyses[i].TxID)
			}
		}
	}
	idx := indexByID(analyses)
	for _, an := range analyses {
		slices.SortFunc(an.ConflictsWith, func(x, y uuid.UUID) int { return idx[x] - idx[y] })
	}
}

// deriveNonceDependencies makes each transaction depend on every transaction
// of the same sender in the nearest lower nonce group of the batch.
// Transactions sharing a nonce have the same dependencies; their write
// conflict on the sender orders them by submission.
func deriveNonceDependencies(txs []*Transaction, analyses []*ConflictAnalysis) {
	bySender := make(map[state.Address][]int)
	for i, tx := range txs {
		bySender[tx.From] = append(bySender[tx.From], i)
	}
	for _, idxs := range bySender {
		if len(idxs) < 2 {
			continue
		}
		// Stable, so each nonce group stays in submission order.
		sorted := slices.Clone(idxs)
		slices.SortStableFunc(sorted, func(x, y int) int {
			nx, ny := txs[x].Nonce, txs[y].Nonce
			switch {
			case nx < ny:
				return -1
			case nx > ny:
				return 1
			}
			return 0
		})
		var prevGroup, group []int
		for k, cur := range sorted {
			if k > 0 && txs[sorted[k-1]].Nonce != txs[cur].Nonce {
				prevGroup, group = group, nil
			}
			group = append(group, cur)
			for _, p := range prevGroup {
				analyses[cur].Dependencies = append(analyses[cur].Dependencies, txs[p].ID)
			}
		}
	}
}

func indexByID(analyses []*ConflictAnalysis) map[uuid.UUID]int {
	idx := make(map[uuid.UUID]int, len(analyses))
	for i, an := range analyses {
		idx[an.TxID] = i
	}
	return idx
}

func sortedIDs(analyses []*ConflictAnalysis, set map[int]struct{}) []uuid.UUID {
	if len(set) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(set))
	for i := range set {
		idxs = append(idxs, i)
	}
	slices.Sort(idxs)
	out := make([]uuid.UUID, len(idxs))
	for k, i := range idxs {
		out[k] = analyses[i].TxID
	}
	return out
}

type chunkRange struct {
	start, end int
}

// chunkRanges splits n items into at most workers contiguous chunks of
// near-equal size.
func chunkRanges(n, workers int) []chunkRange {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	out := make([]chunkRange, 0, workers)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		out = append(out, chunkRange{start: start, end: end})
	}
	return out
}
