// Command shenandoah-sim drives the collector core through the
// end-to-end scenarios spec.md §8 describes, against a synthetic object
// graph rather than a real mutator, and reports which ones behaved as
// the core's invariants require.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shenandoah-gc/shenandoah/internal/cli"
	"github.com/shenandoah-gc/shenandoah/internal/gcconfig"
	"github.com/shenandoah-gc/shenandoah/internal/heap"
	"github.com/shenandoah-gc/shenandoah/internal/region"
)

// simModel is a map-based heap.ObjectModel: the simulator never touches
// real memory, so an object's "layout" is whatever register told it to
// be at allocation time.
type simModel struct {
	sizes map[region.Address]uintptr
	refs  map[region.Address][]region.Address
}

func newSimModel() *simModel {
	return &simModel{sizes: make(map[region.Address]uintptr), refs: make(map[region.Address][]region.Address)}
}

func (m *simModel) register(addr region.Address, words uintptr, refs ...region.Address) {
	m.sizes[addr] = words
	if len(refs) > 0 {
		m.refs[addr] = refs
	}
}

func (m *simModel) SizeWords(addr region.Address) uintptr            { return m.sizes[addr] }
func (m *simModel) References(addr region.Address) []region.Address { return m.refs[addr] }

// rootEntry pairs a root kind with the object address it points at.
type rootEntry struct {
	kind heap.RootKind
	addr region.Address
}

// simRoots is a mutable heap.RootIterator: a scenario seeds it with the
// roots live at cycle start, then reassigns it (e.g. dropping everything)
// before a later cycle, mirroring how a real mutator's root set changes
// between collections.
type simRoots struct {
	entries []rootEntry
}

func (r *simRoots) set(entries ...rootEntry) { r.entries = entries }

func (r *simRoots) IterateRoots(visit func(kind heap.RootKind, obj region.Address)) {
	for _, e := range r.entries {
		visit(e.kind, e.addr)
	}
}

// scenario is one spec.md §8 walkthrough: a self-contained Heap build,
// object graph, and sequence of assertions against the real collector
// package, not a reimplementation of it.
type scenario struct {
	name string
	desc string
	run  func(ctx context.Context, log func(string, ...interface{})) error
}

func prep(r *region.Region) error {
	if err := r.MakeCommitted(); err != nil {
		return fmt.Errorf("region %d MakeCommitted: %w", r.Index(), err)
	}
	if err := r.MakeRegularAlloc(); err != nil {
		return fmt.Errorf("region %d MakeRegularAlloc: %w", r.Index(), err)
	}
	return nil
}

func staticCfg(garbageThresholdPct, evacReservePct float64) *gcconfig.Config {
	return gcconfig.New(
		gcconfig.WithHeuristicsMode("static"),
		gcconfig.WithGarbageThreshold(garbageThresholdPct),
		gcconfig.WithEvacReserve(evacReservePct),
		gcconfig.WithPacing(false),
	)
}

func scenarios() []scenario {
	return []scenario{
		{
			name: "single-live-object-survives",
			desc: "a single rooted object is evacuated out of its cset region; the region is recycled",
			run:  scenarioSingleLiveObjectSurvives,
		},
		{
			name: "immediate-garbage-fast-path",
			desc: "an all-garbage region is trashed directly, never entering the collection set",
			run:  scenarioImmediateGarbageFastPath,
		},
		{
			name: "racing-evacuations-converge",
			desc: "two threads evacuating the same object converge on one winning copy",
			run:  scenarioRacingEvacuationsConverge,
		},
		{
			name: "evacuation-oom-self-forward",
			desc: "an evacuation that cannot find room self-forwards permanently instead of losing the object",
			run:  scenarioEvacuationOOMSelfForward,
		},
		{
			name: "guaranteed-interval-trigger",
			desc: "MaybeRunCycle starts a cycle once the guaranteed interval elapses, with no other pressure",
			run:  scenarioGuaranteedIntervalTrigger,
		},
		{
			name: "humongous-reclamation",
			desc: "a multi-region humongous object survives one cycle untouched, then its whole chain is reclaimed",
			run:  scenarioHumongousReclamation,
		},
	}
}

func scenarioSingleLiveObjectSurvives(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	h, err := heap.New(staticCfg(0, 50), 4, 256*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	r0 := h.Region().Region(0)
	if err := prep(r0); err != nil {
		return err
	}
	liveObj, ok := r0.Allocate(16, region.AllocMutatorShared)
	if !ok {
		return fmt.Errorf("allocate liveObj failed")
	}
	model.register(liveObj, 16)
	deadObj, ok := r0.Allocate(32, region.AllocMutatorShared)
	if !ok {
		return fmt.Errorf("allocate deadObj failed")
	}
	model.register(deadObj, 32)
	roots.set(rootEntry{heap.RootStrong, liveObj})

	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("RunConcurrentCycle: %w", err)
	}

	stats := h.Stats()
	log("cycles_concurrent=%d words_evacuated=%d", stats.CyclesConcurrent, stats.WordsEvacuated)
	if stats.WordsEvacuated != 16 {
		return fmt.Errorf("WordsEvacuated = %d, want 16", stats.WordsEvacuated)
	}
	if got := r0.State(); got != region.StateEmptyCommitted {
		return fmt.Errorf("region 0 state = %v, want EmptyCommitted", got)
	}
	if fwd := h.Forwarding().GetUnchecked(liveObj); fwd == liveObj {
		return fmt.Errorf("liveObj was never forwarded")
	}
	return nil
}

func scenarioImmediateGarbageFastPath(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	h, err := heap.New(staticCfg(50, 50), 4, 256*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	r0 := h.Region().Region(0)
	if err := prep(r0); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		obj, ok := r0.Allocate(8, region.AllocMutatorShared)
		if !ok {
			return fmt.Errorf("allocate garbage object %d failed", i)
		}
		model.register(obj, 8)
	}

	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("RunConcurrentCycle: %w", err)
	}

	stats := h.Stats()
	log("words_evacuated=%d cset_empty=%v", stats.WordsEvacuated, h.CollectionSet().IsEmpty())
	if stats.WordsEvacuated != 0 {
		return fmt.Errorf("WordsEvacuated = %d, want 0", stats.WordsEvacuated)
	}
	if !h.CollectionSet().IsEmpty() {
		return fmt.Errorf("collection set should be empty for an all-garbage region")
	}
	return nil
}

func scenarioRacingEvacuationsConverge(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	h, err := heap.New(staticCfg(50, 50), 4, 256*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	r0 := h.Region().Region(0)
	if err := prep(r0); err != nil {
		return err
	}
	obj, ok := r0.Allocate(16, region.AllocMutatorShared)
	if !ok {
		return fmt.Errorf("allocate obj failed")
	}
	model.register(obj, 16)

	h.FreeSet().Rebuild(50)
	if err := h.CollectionSet().AddRegion(r0); err != nil {
		return fmt.Errorf("AddRegion: %w", err)
	}

	results := make(chan region.Address, 2)
	for i := 0; i < 2; i++ {
		go func(threadID int64) {
			results <- h.Barrier().EvacuateObject(obj, threadID)
		}(int64(i))
	}
	first, second := <-results, <-results
	log("winner_a=%v winner_b=%v active_scopes=%d", first, second, h.Barrier().ActiveEvacScopes())
	if first != second {
		return fmt.Errorf("racing evacuations diverged: %v vs %v", first, second)
	}
	if first == obj {
		return fmt.Errorf("both threads produced an OOM self-forward, expected a real copy")
	}
	if h.Barrier().ActiveEvacScopes() != 0 {
		return fmt.Errorf("an evac scope remains open after both calls returned")
	}
	h.Forwarding().AssertNoChain(obj)
	return nil
}

func scenarioEvacuationOOMSelfForward(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	h, err := heap.New(staticCfg(0, 0), 1, 64*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	r0 := h.Region().Region(0)
	if err := prep(r0); err != nil {
		return err
	}
	obj, ok := r0.Allocate(16, region.AllocMutatorShared)
	if !ok {
		return fmt.Errorf("allocate obj failed")
	}
	model.register(obj, 16)
	filler, ok := r0.Allocate(8, region.AllocMutatorShared)
	if !ok {
		return fmt.Errorf("allocate filler failed")
	}
	model.register(filler, 8)
	roots.set(rootEntry{heap.RootStrong, obj})

	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("RunConcurrentCycle: %w", err)
	}

	stats := h.Stats()
	log("cycles_degenerated=%d region0_state=%v", stats.CyclesDegenerated, r0.State())
	if stats.CyclesDegenerated != 1 {
		return fmt.Errorf("CyclesDegenerated = %d, want 1", stats.CyclesDegenerated)
	}
	if got := h.Forwarding().GetUnchecked(obj); got != obj {
		return fmt.Errorf("obj forwardee = %v, want obj itself (permanent self-forward)", got)
	}
	if got := r0.State(); got != region.StateRegular {
		return fmt.Errorf("region 0 state = %v, want Regular", got)
	}
	if !r0.HasLive() {
		return fmt.Errorf("region 0 should still report live data")
	}
	return nil
}

func scenarioGuaranteedIntervalTrigger(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	cfg := gcconfig.New(
		gcconfig.WithHeuristicsMode("static"),
		gcconfig.WithPacing(false),
		gcconfig.WithGuaranteedGCInterval(20*time.Millisecond),
	)
	h, err := heap.New(cfg, 2, 256*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	// Seed lastCycleEnd: on a fresh heap the guaranteed-interval trigger
	// would otherwise fire unconditionally.
	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("seed RunConcurrentCycle: %w", err)
	}

	ran, err := h.MaybeRunCycle(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("MaybeRunCycle: %w", err)
	}
	if ran {
		return fmt.Errorf("should not trigger immediately after a cycle just completed")
	}

	time.Sleep(30 * time.Millisecond)
	ran, err = h.MaybeRunCycle(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("MaybeRunCycle: %w", err)
	}
	stats := h.Stats()
	log("triggered=%v cycles_concurrent=%d", ran, stats.CyclesConcurrent)
	if !ran {
		return fmt.Errorf("MaybeRunCycle should have triggered once the interval elapsed")
	}
	if stats.CyclesConcurrent != 2 {
		return fmt.Errorf("CyclesConcurrent = %d, want 2", stats.CyclesConcurrent)
	}
	return nil
}

func scenarioHumongousReclamation(ctx context.Context, log func(string, ...interface{})) error {
	model := newSimModel()
	roots := &simRoots{}
	h, err := heap.New(staticCfg(25, 25), 6, 64*region.WordSize, roots, model, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	humongousWords := uintptr(200)
	obj, actual, err := h.Allocate(ctx, region.AllocMutatorShared, humongousWords, humongousWords)
	if err != nil {
		return fmt.Errorf("Allocate: %w", err)
	}
	model.register(obj, actual)

	startRegion := h.Region().RegionOf(obj)
	if got := startRegion.State(); got != region.StateHumongousStart {
		return fmt.Errorf("start region state = %v, want HumongousStart", got)
	}

	roots.set(rootEntry{heap.RootStrong, obj})
	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("RunConcurrentCycle (survives): %w", err)
	}
	if h.Forwarding().GetUnchecked(obj) != obj {
		return fmt.Errorf("a humongous object must never be evacuated")
	}
	if got := startRegion.State(); got != region.StateHumongousStart {
		return fmt.Errorf("start region state after a surviving cycle = %v, want HumongousStart", got)
	}

	roots.set() // drop the root
	if err := h.RunConcurrentCycle(ctx); err != nil {
		return fmt.Errorf("RunConcurrentCycle (reclaim): %w", err)
	}
	if got := startRegion.State(); got != region.StateEmptyCommitted {
		return fmt.Errorf("start region state after reclamation = %v, want EmptyCommitted", got)
	}
	n := (int(humongousWords) + 63) / 64
	for i := startRegion.Index() + 1; i < startRegion.Index()+n; i++ {
		if got := h.Region().Region(i).State(); got != region.StateEmptyCommitted {
			return fmt.Errorf("continuation region %d state = %v, want EmptyCommitted", i, got)
		}
	}
	log("chain_regions=%d all_reclaimed=true", n)
	return nil
}

type scenarioResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func runScenarios(names []string, verbose bool) []scenarioResult {
	all := scenarios()
	selected := all
	if len(names) > 0 {
		want := make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
		selected = selected[:0]
		for _, s := range all {
			if want[s.name] {
				selected = append(selected, s)
			}
		}
	}

	results := make([]scenarioResult, 0, len(selected))
	for _, s := range selected {
		logger := func(format string, args ...interface{}) {
			if verbose {
				fmt.Printf("    %s\n", fmt.Sprintf(format, args...))
			}
		}
		fmt.Printf("==> %s: %s\n", s.name, s.desc)
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.run(ctx, logger)
		cancel()
		elapsed := time.Since(start)

		r := scenarioResult{Name: s.name, Passed: err == nil, Duration: elapsed}
		if err != nil {
			r.Error = err.Error()
			fmt.Printf("    FAIL: %v\n", err)
		} else {
			fmt.Printf("    OK (%s)\n", elapsed)
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func main() {
	var (
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		verbose     bool
		scenarioArg string
		configFile  string
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "print the scenario report as JSON instead of text")
	flag.BoolVar(&verbose, "verbose", false, "print per-scenario diagnostic lines as they run")
	flag.StringVar(&scenarioArg, "scenario", "", "comma-separated scenario names to run (default: all)")
	flag.StringVar(&configFile, "config", "", "optional gcconfig JSON file to validate and print, then exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs the collector core through its end-to-end scenarios against a synthetic heap.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSCENARIOS:\n")
		for _, s := range scenarios() {
			fmt.Fprintf(os.Stderr, "    %-30s %s\n", s.name, s.desc)
		}
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s                                   # run every scenario\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --scenario humongous-reclamation  # run just one\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --json                            # machine-readable report\n", os.Args[0])
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		cli.PrintVersion("shenandoah-sim", jsonOutput)
		os.Exit(0)
	}

	if configFile != "" {
		cfg, err := gcconfig.Load(configFile)
		if err != nil {
			cli.ExitWithError("failed to load config: %v", err)
		}
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return
	}

	var names []string
	if scenarioArg != "" {
		start := 0
		for i := 0; i <= len(scenarioArg); i++ {
			if i == len(scenarioArg) || scenarioArg[i] == ',' {
				if i > start {
					names = append(names, scenarioArg[start:i])
				}
				start = i + 1
			}
		}
	}

	results := runScenarios(names, verbose)

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"results": results,
			"failed":  failed,
			"total":   len(results),
		}, "", "  ")
		if err != nil {
			cli.ExitWithError("failed to marshal report: %v", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("\n%d/%d scenarios passed\n", len(results)-failed, len(results))
	}

	if failed > 0 {
		os.Exit(1)
	}
}
