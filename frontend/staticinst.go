package frontend

// StaticInst is the pre-decode contract the frontend needs from whatever
// ISA decoder is plugged in. The concrete instruction representation (the
// decoder and its opcode tables) is out of scope per spec.md §1; only this
// interface matters to the fetch frontend.
type StaticInst interface {
	// IsControl reports whether the instruction affects control flow.
	IsControl() bool

	// Class derives the BranchClass from the instruction's static flags.
	// Class must return NoBranch for non-control instructions.
	Class() BranchClass

	// IsMacroop reports whether this instruction expands into one or more
	// micro-ops that must each be issued separately.
	IsMacroop() bool

	// NumMicroops returns the number of micro-ops IsMacroop expands into.
	// It is 1 for non-macro-ops.
	NumMicroops() int
}

// Decoder is the pre-decode contract §6 describes: bytes are pushed in via
// MoreBytes as they arrive from the instruction port, and Decode is polled
// until it yields a StaticInst (nil meaning "need more bytes").
type Decoder interface {
	// MoreBytes supplies freshly fetched bytes covering fetchAddr, tagged
	// with the architectural pc that triggered the fetch.
	MoreBytes(pc PCState, fetchAddr Addr, bytes []byte)

	// Decode attempts to decode the instruction at pc from bytes supplied
	// so far. It returns (nil, false) when more bytes are needed.
	Decode(pc PCState) (StaticInst, bool)

	// FetchMicroop returns the upc'th micro-op of the most recently decoded
	// macro-op. Callers only invoke this when the last Decode result's
	// IsMacroop() is true.
	FetchMicroop(upc uint8) StaticInst
}
