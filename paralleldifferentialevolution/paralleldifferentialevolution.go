// Package paralleldifferentialevolution implements an island-model
// Differential Evolution optimizer. The population is split into equal
// partitions (islands), each evolved by a dedicated worker goroutine using
// the DE/rand/1/bin scheme, with periodic migration of an island's best
// candidate into its ring neighbor.
package paralleldifferentialevolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

// GeneratorFunc produces one candidate component. It is called once per
// dimension per candidate during initial population construction.
type GeneratorFunc func() float64

// CalcErrorFunc evaluates one candidate. It is called concurrently from
// multiple worker goroutines and must not retain or modify the slice.
type CalcErrorFunc[E any] func(candidate []float64) E

// CompareErrorsFunc reports whether error value a is preferred over b.
// It fully determines the optimization direction; the engine never assumes
// minimization. It must be side-effect free and define a strict preference
// (false on ties).
type CompareErrorsFunc[E any] func(a, b E) bool

// Config contains configuration for the differential evolution engine.
type Config struct {
	NumWorkers           int
	MigrationProbability float64
	PopulationSize       int
	Dimensions           int
	CR                   float64
	F                    float64
	RandomSeed           int64
	// WaitTimeout bounds each wait on a worker. Zero waits forever. On
	// expiry the engine becomes faulted instead of deadlocking on a stuck
	// callback.
	WaitTimeout time.Duration
}

// DefaultConfig returns a default engine configuration.
func DefaultConfig() Config {
	return Config{
		NumWorkers:           4,
		MigrationProbability: 0.05,
		PopulationSize:       64,
		Dimensions:           2,
		CR:                   0.9,
		F:                    0.5,
		RandomSeed:           time.Now().UnixNano(),
	}
}

// BestCandidate is a snapshot of the best entry of a partition or of the
// whole population at the time it was computed. The candidate slice is a
// private copy.
type BestCandidate[E any] struct {
	Error     E
	Candidate []float64
}

type workKind int

const (
	workGeneration workKind = iota
	workBestCandidate
)

// islandSolver owns one population partition and executes one work item at a
// time on its own goroutine. The partition is only ever touched by the
// solver goroutine during a work item, and by the coordinator during
// migration while the solver is provably idle.
type islandSolver[E any] struct {
	id        int
	popSize   int
	dim       int
	cr        float64
	f         float64
	generator GeneratorFunc
	calcError CalcErrorFunc[E]
	compare   CompareErrorsFunc[E]

	population [][]float64
	errors     []E
	trial      []float64
	best       BestCandidate[E]

	randCR    *rand.Rand
	randIndex *rand.Rand
	randDim   *rand.Rand

	// Single-slot rendezvous: at most one outstanding request. Both
	// channels are buffered so neither side ever blocks under the
	// request/await protocol.
	work chan workKind
	done chan error
}

func newIslandSolver[E any](id, popSize int, config Config, generator GeneratorFunc, calcError CalcErrorFunc[E], compare CompareErrorsFunc[E]) *islandSolver[E] {
	s := &islandSolver[E]{
		id:         id,
		popSize:    popSize,
		dim:        config.Dimensions,
		cr:         config.CR,
		f:          config.F,
		generator:  generator,
		calcError:  calcError,
		compare:    compare,
		population: make([][]float64, popSize),
		errors:     make([]E, popSize),
		trial:      make([]float64, config.Dimensions),
		randCR:     rand.New(rand.NewSource(config.RandomSeed + int64(id)*3 + 1)),
		randIndex:  rand.New(rand.NewSource(config.RandomSeed + int64(id)*3 + 2)),
		randDim:    rand.New(rand.NewSource(config.RandomSeed + int64(id)*3 + 3)),
		work:       make(chan workKind, 1),
		done:       make(chan error, 1),
	}
	for i := range s.population {
		s.population[i] = make([]float64, config.Dimensions)
	}
	return s
}

func (s *islandSolver[E]) start() {
	go s.run()
}

func (s *islandSolver[E]) run() {
	// Initial population phase counts as the first work item; the
	// coordinator's constructor waits for it.
	s.done <- s.guard(s.initPopulation)

	for kind := range s.work {
		switch kind {
		case workGeneration:
			s.done <- s.guard(s.solveGeneration)
		case workBestCandidate:
			s.done <- s.guard(s.solveBestCandidate)
		}
	}
}

// guard runs one work step and converts a callback panic into an error so a
// failing generator/evaluator/comparator surfaces at the next wait instead
// of killing the process.
func (s *islandSolver[E]) guard(step func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("island %d: callback panicked: %v", s.id, r)
		}
	}()
	step()
	return nil
}

// requestWork schedules one work item. Non-blocking: the work channel always
// has room because the coordinator awaits every request before the next.
func (s *islandSolver[E]) requestWork(kind workKind) {
	s.work <- kind
}

// waitWork blocks until the most recently requested work item finishes and
// returns its error, if any. A positive timeout bounds the wait.
func (s *islandSolver[E]) waitWork(timeout time.Duration) error {
	if timeout <= 0 {
		return <-s.done
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-s.done:
		return err
	case <-timer.C:
		return fmt.Errorf("island %d: work did not complete within %v", s.id, timeout)
	}
}

func (s *islandSolver[E]) initPopulation() {
	for i := range s.population {
		for d := range s.population[i] {
			s.population[i][d] = s.generator()
		}
	}
	for i := range s.population {
		copy(s.trial, s.population[i])
		s.errors[i] = s.calcError(s.trial)
	}
}

func (s *islandSolver[E]) solveGeneration() {
	for i := 0; i < s.popSize; i++ {
		s.mutate(i)
		s.selectTrial(i)
	}
}

// mutate builds the trial vector for candidate i with the DE/rand/1/bin
// scheme. Dimension j0 is always taken from the mutated formula, so the
// trial differs from the original in at least one dimension; the remaining
// dimensions mutate with probability CR.
func (s *islandSolver[E]) mutate(i int) {
	r0, r1, r2 := s.sampleTrialIndices()
	x0 := s.population[r0]
	x1 := s.population[r1]
	x2 := s.population[r2]

	j := s.randDim.Intn(s.dim)
	s.trial[j] = x0[j] + s.f*(x1[j]-x2[j])
	j = (j + 1) % s.dim

	for k := 1; k < s.dim; k++ {
		if s.randCR.Float64() <= s.cr {
			s.trial[j] = x0[j] + s.f*(x1[j]-x2[j])
		} else {
			s.trial[j] = s.population[i][j]
		}
		j = (j + 1) % s.dim
	}
}

// sampleTrialIndices draws the three base indices for mutation, pairwise
// distinct by resampling. Partitions smaller than three cannot supply three
// distinct indices, so distinctness is relaxed to sampling with replacement
// there (a colliding draw degenerates the trial to an existing candidate,
// which selection handles like any other).
func (s *islandSolver[E]) sampleTrialIndices() (int, int, int) {
	r0 := s.randIndex.Intn(s.popSize)
	if s.popSize < 3 {
		return r0, s.randIndex.Intn(s.popSize), s.randIndex.Intn(s.popSize)
	}
	r1 := s.randIndex.Intn(s.popSize)
	for r1 == r0 {
		r1 = s.randIndex.Intn(s.popSize)
	}
	r2 := s.randIndex.Intn(s.popSize)
	for r2 == r0 || r2 == r1 {
		r2 = s.randIndex.Intn(s.popSize)
	}
	return r0, r1, r2
}

func (s *islandSolver[E]) selectTrial(i int) {
	errorNew := s.calcError(s.trial)
	if s.compare(errorNew, s.errors[i]) {
		copy(s.population[i], s.trial)
		s.errors[i] = errorNew
	}
}

// solveBestCandidate scans the partition for its best entry. The first seen
// index wins ties because the comparator is strict.
func (s *islandSolver[E]) solveBestCandidate() {
	bestIdx := 0
	for i := 1; i < s.popSize; i++ {
		if s.compare(s.errors[i], s.errors[bestIdx]) {
			bestIdx = i
		}
	}
	s.best = BestCandidate[E]{
		Error:     s.errors[bestIdx],
		Candidate: append([]float64(nil), s.population[bestIdx]...),
	}
}

// DifferentialEvolution coordinates the island solvers: it drives
// generation barriers, aggregates the global best candidate and performs
// migration between islands. Methods that drive the engine
// (EvolveOneGeneration, EvolveGenerations, Run, BestCandidate, Close) must
// be called from a single goroutine; Generation, History and Stats are safe
// from any goroutine.
type DifferentialEvolution[E any] struct {
	config    Config
	solvers   []*islandSolver[E]
	localSize int
	compare   CompareErrorsFunc[E]

	randPhi  *rand.Rand
	randSlot *rand.Rand

	mutex      sync.RWMutex
	generation int
	history    []BestCandidate[E]
	faulted    error
	closed     bool
}

// NewDifferentialEvolution validates the configuration, creates one island
// solver per worker and blocks until every island has generated its initial
// partition and computed its initial errors.
func NewDifferentialEvolution[E any](config Config, generator GeneratorFunc, calcError CalcErrorFunc[E], compare CompareErrorsFunc[E]) (*DifferentialEvolution[E], error) {
	if generator == nil || calcError == nil || compare == nil {
		return nil, errors.New("generator, error and comparator callbacks are all required")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be positive, got %d", config.PopulationSize)
	}
	if config.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", config.Dimensions)
	}
	if config.MigrationProbability < 0 || config.MigrationProbability > 1 {
		return nil, fmt.Errorf("migration probability must be in [0,1], got %v", config.MigrationProbability)
	}
	if config.CR < 0 || config.CR > 1 {
		return nil, fmt.Errorf("CR must be in [0,1], got %v", config.CR)
	}
	if config.PopulationSize%config.NumWorkers != 0 {
		return nil, fmt.Errorf("population size %d is not divisible by %d workers", config.PopulationSize, config.NumWorkers)
	}
	if config.RandomSeed == 0 {
		config.RandomSeed = time.Now().UnixNano()
	}

	de := &DifferentialEvolution[E]{
		config:    config,
		solvers:   make([]*islandSolver[E], config.NumWorkers),
		localSize: config.PopulationSize / config.NumWorkers,
		compare:   compare,
		randPhi:   rand.New(rand.NewSource(config.RandomSeed + int64(config.NumWorkers)*3 + 1)),
		randSlot:  rand.New(rand.NewSource(config.RandomSeed + int64(config.NumWorkers)*3 + 2)),
	}
	for k := range de.solvers {
		de.solvers[k] = newIslandSolver(k, de.localSize, config, generator, calcError, compare)
		de.solvers[k].start()
	}

	// Initial population phase: wait for every island before returning.
	var initErr error
	for _, s := range de.solvers {
		if err := s.waitWork(config.WaitTimeout); err != nil && initErr == nil {
			initErr = err
		}
	}
	if initErr != nil {
		de.Close()
		return nil, fmt.Errorf("population initialization failed: %w", initErr)
	}
	return de, nil
}

func (de *DifferentialEvolution[E]) ready() error {
	de.mutex.RLock()
	defer de.mutex.RUnlock()
	if de.closed {
		return errors.New("engine is closed")
	}
	if de.faulted != nil {
		return fmt.Errorf("engine is faulted: %w", de.faulted)
	}
	return nil
}

func (de *DifferentialEvolution[E]) fault(err error) {
	de.mutex.Lock()
	if de.faulted == nil {
		de.faulted = err
	}
	de.mutex.Unlock()
}

// barrier waits for the outstanding work item of every solver. The first
// failure faults the engine; remaining solvers are still awaited so no
// completion signal is left queued.
func (de *DifferentialEvolution[E]) barrier() error {
	var firstErr error
	for _, s := range de.solvers {
		if err := s.waitWork(de.config.WaitTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		de.fault(firstErr)
	}
	return firstErr
}

// EvolveOneGeneration runs one full generation on every island (mutation,
// crossover and selection over every local candidate), then performs the
// migration pass. Blocking; returns once migration has completed.
func (de *DifferentialEvolution[E]) EvolveOneGeneration() error {
	if err := de.ready(); err != nil {
		return err
	}
	for _, s := range de.solvers {
		s.requestWork(workGeneration)
	}
	if err := de.barrier(); err != nil {
		return err
	}
	if err := de.migrate(); err != nil {
		return err
	}
	de.mutex.Lock()
	de.generation++
	de.mutex.Unlock()
	return nil
}

// EvolveGenerations runs n generations sequentially. Migration mutates
// state consumed by the next generation, so generations never overlap.
func (de *DifferentialEvolution[E]) EvolveGenerations(n int) error {
	for g := 0; g < n; g++ {
		if err := de.EvolveOneGeneration(); err != nil {
			return err
		}
	}
	return nil
}

// Run evolves the given number of generations, checking ctx between
// generations, and returns the global best candidate. A worker stuck inside
// a callback is not interrupted by ctx; use Config.WaitTimeout to bound
// that.
func (de *DifferentialEvolution[E]) Run(ctx context.Context, generations int) (BestCandidate[E], error) {
	for g := 0; g < generations; g++ {
		select {
		case <-ctx.Done():
			best, err := de.BestCandidate()
			if err != nil {
				return best, err
			}
			return best, ctx.Err()
		default:
		}
		if err := de.EvolveOneGeneration(); err != nil {
			return BestCandidate[E]{}, err
		}
	}
	return de.BestCandidate()
}

// BestCandidate computes the best entry of the whole population: every
// island scans its partition in parallel, then the local bests are reduced
// with the comparator in island order.
func (de *DifferentialEvolution[E]) BestCandidate() (BestCandidate[E], error) {
	if err := de.ready(); err != nil {
		return BestCandidate[E]{}, err
	}
	for _, s := range de.solvers {
		s.requestWork(workBestCandidate)
	}
	if err := de.barrier(); err != nil {
		return BestCandidate[E]{}, err
	}
	best := de.reduceBest()
	return BestCandidate[E]{
		Error:     best.Error,
		Candidate: append([]float64(nil), best.Candidate...),
	}, nil
}

func (de *DifferentialEvolution[E]) reduceBest() BestCandidate[E] {
	best := de.solvers[0].best
	for _, s := range de.solvers[1:] {
		if de.compare(s.best.Error, best.Error) {
			best = s.best
		}
	}
	return best
}

// migrate runs once per generation, after the generation barrier. Every
// island first scans for its local best (second barrier: all islands are
// idle before any partition is touched), then for each island in ring order
// a coin flip against MigrationProbability decides whether its best
// candidate is copied into a random slot of island (i+1) mod numWorkers.
// The source's error value travels with the candidate so the partition's
// error pairing stays intact; this assumes the error function is pure in
// the candidate.
func (de *DifferentialEvolution[E]) migrate() error {
	for _, s := range de.solvers {
		s.requestWork(workBestCandidate)
	}
	if err := de.barrier(); err != nil {
		return err
	}

	globalBest := de.reduceBest()
	de.mutex.Lock()
	de.history = append(de.history, globalBest)
	de.mutex.Unlock()

	n := len(de.solvers)
	for i, s := range de.solvers {
		if de.randPhi.Float64() >= de.config.MigrationProbability {
			continue
		}
		target := de.solvers[(i+1)%n]
		slot := de.randSlot.Intn(de.localSize)
		copy(target.population[slot], s.best.Candidate)
		target.errors[slot] = s.best.Error
	}
	return nil
}

// Generation returns the number of completed generations.
func (de *DifferentialEvolution[E]) Generation() int {
	de.mutex.RLock()
	defer de.mutex.RUnlock()
	return de.generation
}

// History returns the global best candidate recorded at each completed
// generation, oldest first.
func (de *DifferentialEvolution[E]) History() []BestCandidate[E] {
	de.mutex.RLock()
	defer de.mutex.RUnlock()
	return append([]BestCandidate[E]{}, de.history...)
}

// Stats returns engine statistics.
func (de *DifferentialEvolution[E]) Stats() map[string]interface{} {
	de.mutex.RLock()
	defer de.mutex.RUnlock()
	return map[string]interface{}{
		"num_workers":           de.config.NumWorkers,
		"population_size":       de.config.PopulationSize,
		"island_size":           de.localSize,
		"dimensions":            de.config.Dimensions,
		"cr":                    de.config.CR,
		"f":                     de.config.F,
		"migration_probability": de.config.MigrationProbability,
		"generations":           de.generation,
		"faulted":               de.faulted != nil,
		"closed":                de.closed,
	}
}

// Close tears down the island workers. Idempotent. Operations after Close
// return an error. A worker blocked inside a user callback is not
// interrupted and exits once the callback returns.
func (de *DifferentialEvolution[E]) Close() {
	de.mutex.Lock()
	if de.closed {
		de.mutex.Unlock()
		return
	}
	de.closed = true
	de.mutex.Unlock()
	for _, s := range de.solvers {
		close(s.work)
	}
}

// MinimizeFloat64 is a comparator for minimizing float64 error values.
func MinimizeFloat64(a, b float64) bool {
	return a < b
}

// MaximizeFloat64 is a comparator for maximizing float64 error values.
func MaximizeFloat64(a, b float64) bool {
	return a > b
}

func SphereFunction(candidate []float64) float64 {
	sum := 0.0
	for _, x := range candidate {
		sum += x * x
	}
	return sum
}

func RastriginFunction(candidate []float64) float64 {
	n := float64(len(candidate))
	sum := 0.0
	for _, x := range candidate {
		sum += x*x - 10*math.Cos(2*math.Pi*x)
	}
	return 10*n + sum
}

func RosenbrockFunction(candidate []float64) float64 {
	sum := 0.0
	for i := 0; i < len(candidate)-1; i++ {
		a := candidate[i]
		b := candidate[i+1]
		sum += 100*(b-a*a)*(b-a*a) + (1-a)*(1-a)
	}
	return sum
}

func AckleyFunction(candidate []float64) float64 {
	n := float64(len(candidate))
	sum1 := 0.0
	sum2 := 0.0
	for _, x := range candidate {
		sum1 += x * x
		sum2 += math.Cos(2 * math.Pi * x)
	}
	return -20*math.Exp(-0.2*math.Sqrt(sum1/n)) - math.Exp(sum2/n) + 20 + math.E
}
