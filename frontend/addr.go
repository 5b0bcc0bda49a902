// Package frontend provides the decoupled instruction-fetch frontend of an
// out-of-order, optionally simultaneous-multithreaded CPU performance model:
// the branch-predictor-guided fetch target queue producer, the fetch engine
// that drains it, and the squash/drain controller that keeps both honest
// across mis-speculation.
package frontend

// Addr is a virtual instruction address.
type Addr uint64

// InstSeqNum is a monotonically increasing per-process sequence number
// tagging every dynamically created instruction, including speculative
// ones that are later squashed.
type InstSeqNum uint64

// ThreadID indexes per-thread arrays. Per-thread state is sized by
// MaxThreads.
type ThreadID int

// MaxThreads bounds the number of hardware threads the frontend models.
const MaxThreads = 8

// InvalidThreadID is returned by thread-selection policies when no thread
// is ready to fetch this cycle.
const InvalidThreadID ThreadID = -1

// PCState is an architectural program counter. It may carry micro-PC,
// delay-slot, and ISA-mode bits beyond the plain instruction address;
// StaticInst implementations that model such ISAs embed that state in
// their own PCState values and advance it accordingly.
type PCState struct {
	pc     Addr
	microp uint8
	mode   uint8
}

// NewPCState creates a PCState pointing at the given instruction address.
func NewPCState(pc Addr) PCState {
	return PCState{pc: pc}
}

// InstAddr returns the architectural instruction address this PC refers to.
func (p PCState) InstAddr() Addr {
	return p.pc
}

// MicroPC returns the micro-op offset within the current macro-op.
func (p PCState) MicroPC() uint8 {
	return p.microp
}

// Mode returns the ISA-mode bits carried by this PC.
func (p PCState) Mode() uint8 {
	return p.mode
}

// WithMode returns a copy of p with the ISA-mode bits replaced.
func (p PCState) WithMode(mode uint8) PCState {
	p.mode = mode
	return p
}

// AdvanceMicro moves to the next micro-op within the same macro-op, without
// changing the architectural instruction address.
func (p PCState) AdvanceMicro() PCState {
	p.microp++
	return p
}

// Advance moves to the next sequential instruction address and resets the
// micro-op offset, modeling a fixed 4-byte instruction width; callers
// targeting a variable-width ISA override this by constructing a fresh
// PCState instead of calling Advance.
func (p PCState) Advance() PCState {
	p.pc += 4
	p.microp = 0
	return p
}

// NextSequential returns the PC of the instruction immediately following p,
// used to compute link-register values for calls.
func (p PCState) NextSequential() PCState {
	return p.Advance()
}

// BranchClass classifies the control-flow behavior of an instruction, as
// derived from its static-inst flags.
type BranchClass uint8

// Branch classes, per spec.md §3.
const (
	NoBranch BranchClass = iota
	DirectCond
	DirectUncond
	CallDirect
	CallIndirect
	Return
	IndirectCond
	IndirectUncond
)

// IsCall reports whether the branch class pushes a return address.
func (b BranchClass) IsCall() bool {
	return b == CallDirect || b == CallIndirect
}

// IsReturn reports whether the branch class pops a return address.
func (b BranchClass) IsReturn() bool {
	return b == Return
}

// IsIndirect reports whether the target is not known from the instruction
// encoding alone (register-indirect).
func (b BranchClass) IsIndirect() bool {
	return b == CallIndirect || b == Return || b == IndirectCond || b == IndirectUncond
}

// IsUnconditional reports whether the branch class is always taken.
func (b BranchClass) IsUnconditional() bool {
	switch b {
	case DirectUncond, CallDirect, CallIndirect, Return, IndirectUncond:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for debugging and test failure messages.
func (b BranchClass) String() string {
	switch b {
	case NoBranch:
		return "NoBranch"
	case DirectCond:
		return "DirectCond"
	case DirectUncond:
		return "DirectUncond"
	case CallDirect:
		return "CallDirect"
	case CallIndirect:
		return "CallIndirect"
	case Return:
		return "Return"
	case IndirectCond:
		return "IndirectCond"
	case IndirectUncond:
		return "IndirectUncond"
	default:
		return "Unknown"
	}
}
