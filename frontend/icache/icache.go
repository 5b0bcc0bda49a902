// Package icache implements the instruction-port model C7 fetches through:
// a direct/set-associative cache backed by Akita's cache directory, with
// the asynchronous send/receive/retry protocol spec.md §6 requires on top
// of the directory's synchronous lookup.
package icache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/m2fetch/frontend"
	"github.com/sarchlab/m2fetch/frontend/sched"
)

// Config holds the directory's sizing plus the port-level latency and
// in-flight-request knobs spec.md §6 adds on top of it.
type Config struct {
	Size          int
	Associativity int
	BlockSize     int
	HitLatency    uint64
	MissLatency   uint64

	// MaxOutstanding bounds concurrent in-flight requests before the port
	// pushes back (spec.md §7's "I-cache blocked" / port push-back entry).
	// Default 4.
	MaxOutstanding int
}

// DefaultConfig returns typical L1I defaults (192KB, 6-way, 64B line).
func DefaultConfig() Config {
	return Config{
		Size:           192 * 1024,
		Associativity:  6,
		BlockSize:      64,
		HitLatency:     1,
		MissLatency:    12,
		MaxOutstanding: 4,
	}
}

// BackingStore is the next level of the memory hierarchy below the port.
type BackingStore interface {
	Read(addr uint64, size int) []byte
}

// Packet is the request/response unit exchanged across the port, per
// spec.md §6's I-cache port (send_timing_req/recv_timing_resp/recv_req_retry).
type Packet struct {
	SeqNum frontend.InstSeqNum
	TID    frontend.ThreadID
	Addr   frontend.Addr
	Size   int
	Data   []byte
}

// Stats holds port-level statistics, independent of the directory's own.
type Stats struct {
	Requests       uint64
	Hits           uint64
	Misses         uint64
	IcacheSquashes uint64
	Retries        uint64
}

type inflight struct {
	pkt *Packet
}

// Port models spec.md §6's asynchronous instruction-memory port.
type Port struct {
	cfg Config

	directory *akitacache.DirectoryImpl
	dataStore [][]byte
	backing   BackingStore

	sch *sched.Scheduler

	blocked  bool
	retryPkt *Packet

	outstanding map[frontend.ThreadID]*inflight

	onResponse func(tid frontend.ThreadID, pkt *Packet)

	stats Stats
}

// New constructs a Port. onResponse is invoked when a response for an
// outstanding, non-squashed request arrives (recv_timing_resp, success
// path); the caller (fetch engine) is responsible for copying the payload
// into its fetch buffer and transitioning out of IcacheWaitResponse.
func New(cfg Config, backing BackingStore, sch *sched.Scheduler, numThreads int, onResponse func(tid frontend.ThreadID, pkt *Packet)) *Port {
	if cfg.Size == 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxOutstanding == 0 {
		cfg.MaxOutstanding = 4
	}
	numSets := cfg.Size / (cfg.Associativity * cfg.BlockSize)
	totalBlocks := numSets * cfg.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, cfg.BlockSize)
	}

	return &Port{
		cfg: cfg,
		directory: akitacache.NewDirectory(
			numSets,
			cfg.Associativity,
			cfg.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore:   dataStore,
		backing:     backing,
		sch:         sch,
		outstanding: make(map[frontend.ThreadID]*inflight, numThreads),
		onResponse:  onResponse,
	}
}

// Stats returns port statistics.
func (p *Port) Stats() Stats {
	return p.stats
}

// Blocked reports whether the port is currently push-backed, per spec.md
// §6/§7's "I-cache blocked" entry.
func (p *Port) Blocked() bool {
	return p.blocked
}

func (p *Port) blockIndex(block *akitacache.Block) int {
	return block.SetID*p.cfg.Associativity + block.WayID
}

// SendTimingReq issues a request for pkt, per spec.md §6. It returns false
// when the port is blocked, MaxOutstanding requests are already in flight,
// or no victim block is found; the port then keeps pkt as its retry packet
// and RecvReqRetry re-sends it.
func (p *Port) SendTimingReq(pkt *Packet) bool {
	if p.blocked || len(p.outstanding) >= p.cfg.MaxOutstanding {
		p.blocked = true
		p.retryPkt = pkt
		return false
	}

	p.stats.Requests++
	blockAddr := p.blockAlign(pkt.Addr)

	block := p.directory.Lookup(0, uint64(blockAddr))
	if block != nil && block.IsValid {
		p.stats.Hits++
		p.directory.Visit(block)
		p.outstanding[pkt.TID] = &inflight{pkt: pkt}
		p.sch.ScheduleAfter(p.cfg.HitLatency, func() { p.complete(pkt.TID) })
		return true
	}

	p.stats.Misses++
	victim := p.directory.FindVictim(uint64(blockAddr))
	if victim == nil {
		p.blocked = true
		p.retryPkt = pkt
		return false
	}

	victimData := p.dataStore[p.blockIndex(victim)]
	if p.backing != nil {
		copy(victimData, p.backing.Read(uint64(blockAddr), p.cfg.BlockSize))
	}
	victim.Tag = uint64(blockAddr)
	victim.IsValid = true
	victim.IsDirty = false
	p.directory.Visit(victim)

	p.outstanding[pkt.TID] = &inflight{pkt: pkt}
	p.sch.ScheduleAfter(p.cfg.MissLatency, func() { p.complete(pkt.TID) })
	return true
}

func (p *Port) blockAlign(addr frontend.Addr) frontend.Addr {
	bs := frontend.Addr(p.cfg.BlockSize)
	return (addr / bs) * bs
}

// complete fires when a previously accepted request's latency elapses; it
// hands the packet to RecvTimingResp as if the backing memory had replied.
func (p *Port) complete(tid frontend.ThreadID) {
	in, ok := p.outstanding[tid]
	if !ok {
		return
	}
	delete(p.outstanding, tid)

	blockAddr := p.blockAlign(in.pkt.Addr)
	if block := p.directory.Lookup(0, uint64(blockAddr)); block != nil && block.IsValid {
		in.pkt.Data = p.dataStore[p.blockIndex(block)]
	}

	p.RecvTimingResp(tid, in.pkt)

	if p.blocked && p.retryPkt != nil && len(p.outstanding) < p.cfg.MaxOutstanding {
		p.RecvReqRetry()
	}
}

// RecvTimingResp implements spec.md §6's response delivery: it hands pkt to
// onResponse, or counts a nil pkt as a squashed response and drops it. It
// does not check pkt against the outstanding requests; complete only calls
// it for a request still outstanding, and Squash counts a dropped request.
func (p *Port) RecvTimingResp(tid frontend.ThreadID, pkt *Packet) {
	if pkt == nil {
		p.stats.IcacheSquashes++
		return
	}
	if p.onResponse != nil {
		p.onResponse(tid, pkt)
	}
}

// RecvReqRetry implements spec.md §6: re-issue the stashed retry packet
// once the port is unblocked.
func (p *Port) RecvReqRetry() {
	p.blocked = false
	if p.retryPkt == nil {
		return
	}
	pkt := p.retryPkt
	p.retryPkt = nil
	p.stats.Retries++
	p.SendTimingReq(pkt)
}

// Squash abandons any in-flight request for tid, per spec.md §4.8's "abandon
// any in-flight I-cache packet (mark icache_squashes++, drop on response)".
// The scheduled completion for the dropped request still fires later, but
// finds no outstanding entry and becomes a no-op.
func (p *Port) Squash(tid frontend.ThreadID) {
	if _, ok := p.outstanding[tid]; ok {
		delete(p.outstanding, tid)
		p.stats.IcacheSquashes++
	}
}

// Invalidate marks addr's cache line invalid, e.g. on a self-modifying-code
// write observed by an external invalidation port.
func (p *Port) Invalidate(addr frontend.Addr) {
	blockAddr := p.blockAlign(addr)
	block := p.directory.Lookup(0, uint64(blockAddr))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
}

// Reset invalidates the entire cache and clears in-flight state.
func (p *Port) Reset() {
	p.directory.Reset()
	p.outstanding = make(map[frontend.ThreadID]*inflight)
	p.blocked = false
	p.retryPkt = nil
	p.stats = Stats{}
}
