// Package main provides the entry point for ftfrontend, a standalone
// driver that ticks the decoupled instruction-fetch frontend against a
// synthetic instruction stream and reports the resulting statistics. The
// concrete ISA decoder is out of scope for the frontend itself (see
// spec.md §1), so this driver supplies a synthetic Decoder that always
// yields non-branch instructions, exercising the frontend's timing model
// without depending on any real ISA.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/bpu"
	"github.com/sarchlab/m2fetch/frontend/btb"
	"github.com/sarchlab/m2fetch/frontend/config"
	"github.com/sarchlab/m2fetch/frontend/fetch"
	"github.com/sarchlab/m2fetch/frontend/ftq"
	"github.com/sarchlab/m2fetch/frontend/icache"
	"github.com/sarchlab/m2fetch/frontend/predictor"
	"github.com/sarchlab/m2fetch/frontend/ras"
	"github.com/sarchlab/m2fetch/frontend/sched"
	"github.com/sarchlab/m2fetch/frontend/squash"
	"github.com/sarchlab/m2fetch/frontend/threadselect"
)

var (
	cycles     = flag.Int("cycles", 10000, "Number of cycles to simulate")
	numThreads = flag.Int("threads", 1, "Number of SMT threads")
	policy     = flag.String("policy", "RoundRobin", "Thread selection policy: RoundRobin, SingleThread, IQCount, LSQCount, Branch")
	startPC    = flag.Uint64("start-pc", 0x1000, "Initial fetch PC for every thread")
	configPath = flag.String("config", "", "Path to a frontend config JSON file (defaults used if empty)")
	verbose    = flag.Bool("v", false, "Verbose per-cycle output")
)

func parsePolicy(name string) (threadselect.Policy, error) {
	switch name {
	case "RoundRobin":
		return threadselect.RoundRobin, nil
	case "SingleThread":
		return threadselect.SingleThread, nil
	case "IQCount":
		return threadselect.IQCount, nil
	case "LSQCount":
		return threadselect.LSQCount, nil
	case "Branch":
		return threadselect.Branch, nil
	default:
		return 0, fmt.Errorf("unknown thread selection policy %q", name)
	}
}

// syntheticDecoder decodes every fetch address as a plain sequential
// instruction, standing in for the out-of-scope ISA decoder (spec.md §1).
type syntheticDecoder struct {
	primed bool
}

type syntheticInst struct{}

func (syntheticInst) IsControl() bool             { return false }
func (syntheticInst) Class() frontend.BranchClass { return frontend.NoBranch }
func (syntheticInst) IsMacroop() bool             { return false }
func (syntheticInst) NumMicroops() int            { return 1 }

func (d *syntheticDecoder) MoreBytes(pc frontend.PCState, fetchAddr frontend.Addr, bytes []byte) {
	d.primed = true
}

func (d *syntheticDecoder) Decode(pc frontend.PCState) (frontend.StaticInst, bool) {
	if !d.primed {
		return nil, false
	}
	return syntheticInst{}, true
}

func (d *syntheticDecoder) FetchMicroop(upc uint8) frontend.StaticInst {
	return syntheticInst{}
}

// zeroBacking supplies zero-filled cache lines below the I-cache port.
type zeroBacking struct{}

func (zeroBacking) Read(addr uint64, size int) []byte { return make([]byte, size) }

func main() {
	flag.Parse()

	pol, err := parsePolicy(*policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n := *numThreads
	if n < 1 {
		n = 1
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.BTB.NumThreads = uint32(n)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	b, err := btb.New(cfg.BTB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing BTB: %v\n", err)
		os.Exit(1)
	}
	r, err := ras.New(cfg.RAS, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing RAS: %v\n", err)
		os.Exit(1)
	}
	dir, err := predictor.NewBimodal(cfg.Bimodal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing direction predictor: %v\n", err)
		os.Exit(1)
	}
	ind, err := predictor.NewTagIndexed(cfg.Indirect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error constructing indirect predictor: %v\n", err)
		os.Exit(1)
	}
	bp := bpu.New(cfg.BPU, b, r, dir, ind, n)

	q := ftq.New(cfg.FTQ, b, bp, n)
	sch := sched.New()

	decoders := make([]frontend.Decoder, n)
	for i := range decoders {
		decoders[i] = &syntheticDecoder{}
	}

	var eng *fetch.Engine
	port := icache.New(cfg.ICache, zeroBacking{}, sch, n,
		func(tid frontend.ThreadID, pkt *icache.Packet) { eng.OnIcacheResponse(tid, pkt) })

	sel := threadselect.New(pol, n)
	eng = fetch.New(cfg.Fetch, q, port, decoders, identityTranslator{}, sel, sch, bp)
	ctrl := squash.New(q, eng, bp)

	pc := frontend.NewPCState(frontend.Addr(*startPC))
	for tid := 0; tid < n; tid++ {
		q.SetPC(frontend.ThreadID(tid), pc, 1)
		eng.SetPC(frontend.ThreadID(tid), pc)
	}

	var totalFetched uint64
	for cycle := 0; cycle < *cycles; cycle++ {
		for tid := 0; tid < n; tid++ {
			q.Tick(frontend.ThreadID(tid))
		}

		metrics := threadselect.Metrics{}
		picked := eng.SelectThread(metrics)
		if picked != frontend.InvalidThreadID {
			eng.Tick(picked)
		}
		sch.Tick()

		if *verbose {
			for tid := 0; tid < n; tid++ {
				fmt.Printf("cycle=%d tid=%d status=%s pc=%#x fetchq=%d\n",
					cycle, tid, eng.Status(frontend.ThreadID(tid)), eng.PC(frontend.ThreadID(tid)).InstAddr(),
					eng.FetchQueueLen(frontend.ThreadID(tid)))
			}
		}

		for tid := 0; tid < n; tid++ {
			drained := eng.DrainFetchQueue(frontend.ThreadID(tid), cfg.Fetch.FetchWidth)
			totalFetched += uint64(len(drained))
		}
	}

	fmt.Printf("\nCycles simulated: %d\n", *cycles)
	fmt.Printf("Threads: %d (policy %s)\n", n, pol)
	fmt.Printf("Instructions fetched: %d\n", totalFetched)
	fmt.Printf("IPC: %.3f\n", float64(totalFetched)/float64(*cycles))

	bpStats := bp.Stats()
	fmt.Printf("\nBPU:\n")
	fmt.Printf("  Predictions:        %d\n", bpStats.Predictions)
	fmt.Printf("  Mispredictions:     %d\n", bpStats.Mispredictions)
	fmt.Printf("  BTB miss on taken:  %d\n", bpStats.PredTakenBTBMiss)

	icStats := port.Stats()
	fmt.Printf("\nI-cache:\n")
	fmt.Printf("  Requests: %d\n", icStats.Requests)
	fmt.Printf("  Hits:     %d\n", icStats.Hits)
	fmt.Printf("  Misses:   %d\n", icStats.Misses)
	fmt.Printf("  Retries:  %d\n", icStats.Retries)

	sqStats := ctrl.Stats()
	fmt.Printf("\nSquash:\n")
	fmt.Printf("  Commit mispredicts: %d\n", sqStats.CommitSquashes)
	fmt.Printf("  Decode mismatches:  %d\n", sqStats.DecodeSquashes)
	fmt.Printf("  FTQ-only redirects: %d\n", sqStats.FTQOnlyRedirects)
}

// identityTranslator resolves every virtual address to itself, standing in
// for the out-of-scope MMU (spec.md §6).
type identityTranslator struct{}

func (identityTranslator) Translate(tid frontend.ThreadID, vaddr frontend.Addr) (frontend.Addr, error) {
	return vaddr, nil
}
