// Package host describes the host VM-exit framework that the PV shim
// consumes (registers handlers with, reads/writes guest registers
// through, maps guest memory through) without owning it. The core_engine
// package implements this contract over its own KVM-backed VCPU/VirtualMachine;
// pvshim never imports core_engine directly so its tests can run against
// small hand-rolled fakes.
package host

import (
	"fmt"
	"unsafe"
)

// Reg names the subset of guest general-purpose registers the PV ABI
// dispatcher touches. RIP has its own accessor because it additionally
// needs "advance past instruction" semantics.
type Reg int

const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	R8
	R9
)

func (r Reg) String() string {
	switch r {
	case RAX:
		return "RAX"
	case RBX:
		return "RBX"
	case RCX:
		return "RCX"
	case RDX:
		return "RDX"
	case RSI:
		return "RSI"
	case RDI:
		return "RDI"
	case R8:
		return "R8"
	case R9:
		return "R9"
	default:
		return fmt.Sprintf("Reg(%d)", int(r))
	}
}

// CPUIDResult is what a registered CPUID leaf handler returns.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// MSIMatch is what the parent vCPU reports when an interrupt vector
// happens to be owned by a guest-assigned PCI device's MSI table.
type MSIMatch struct {
	DeviceID     uint32
	TargetVCPUID uint32
}

// VCPU is the per-vCPU slice of the host VM-exit framework contract
// (spec §6). Registration methods are called both at construction and
// later: pvshim registers its CPUID/MSR/VMCALL/exception handlers in
// New, its resume handler in InitSharedInfo, and its PET-fire, exit,
// HLT and TSC-deadline MSR handlers when the timer is first armed.
type VCPU interface {
	// Register accessors.
	GetReg(r Reg) uint64
	SetReg(r Reg, v uint64)
	RFlags() uint64
	RIP() uint64
	SetRIP(v uint64)
	AdvancePastInstruction(lenBytes uint64)

	// Interruptibility-state bookkeeping consulted/cleared on HLT (§4.6).
	InterruptShadow() bool
	ClearInterruptShadow()

	// Raw guest-memory mapping primitives; MapGPA4K/MapGVA4K wrap these
	// with a typed, generic, release-able handle (Mapping[T]).
	mapper

	// Parent (host) vCPU back-reference and cross-vCPU interrupt routing.
	ParentVCPU() ParentVCPU
	VCPUID() uint32

	// Preemption timer (§4.5).
	SetPreemptionTimer(ticks uint64)
	GetPreemptionTimer() uint64
	EnablePreemptionTimer()
	DisablePreemptionTimer()

	// XSTATE save, used before yielding to the parent (§4.6).
	SaveXState()

	// ReadTSC returns the current host timestamp-counter value (spec §3,
	// §4.4, §4.5: the basis for every ns/PET-tick conversion).
	ReadTSC() uint64

	// QueueUpcall injects vector as an interrupt on this vCPU, used to
	// deliver the event-channel upcall vector after a VIRQ is queued
	// (spec §4.5, §4.3's CALLBACK_IRQ registration).
	QueueUpcall(vector uint8)

	// Registration points (§4.1, §6). Each may be called at most once
	// per vector/MSR by the shim; re-registration behavior is left to
	// the implementation (core_engine's adapter overwrites).
	RegisterCPUIDHandler(leaf uint32, fn func(v VCPU) CPUIDResult)
	RegisterMSRWriteHandler(msr uint32, fn func(v VCPU, value uint64))
	RegisterVMCallHandler(fn func(v VCPU) bool)
	RegisterHLTHandler(fn func(v VCPU) bool)
	RegisterExceptionHandler(fn func(v VCPU, vector uint8) bool)
	RegisterExitHandler(fn func(v VCPU))
	RegisterPreemptionTimerHandler(fn func(v VCPU))
	RegisterResumeHandler(fn func(v VCPU))
}

// mapper is split out of VCPU only so MapGPA4K/MapGVA4K (free generic
// functions — Go methods cannot carry their own type parameters) can
// depend on the minimal surface they need.
type mapper interface {
	MapGPARaw(addr uint64, size uintptr) (ptr unsafe.Pointer, release func(), err error)
	MapGVARaw(addr uint64, size uintptr) (ptr unsafe.Pointer, release func(), err error)
}

// ParentVCPU is the host-side vCPU backing the guest vCPU: it owns
// physical interrupt injection and the yield-for-N-microseconds exit.
type ParentVCPU interface {
	Load()
	QueueExternalInterrupt(vector uint8)
	PushExternalInterrupt(vector uint8)
	ReturnResumeAfterInterrupt()
	ReturnYield(microseconds uint64)
	FindGuestMSI(vector uint8) (MSIMatch, bool)
}

// Domain is the enclosing-domain slice of the contract (spec §6).
type Domain interface {
	InitDom() bool
	ID() uint32
	SODInfo() SODInfo
	HVCRxGet(buf []byte) (int, error)
	HVCTxPut(buf []byte) (int, error)
}

// SODInfo is the domain's start-of-day wall-clock snapshot (spec §4.4).
type SODInfo struct {
	TSC    uint64
	WCSec  uint32
	WCNsec uint32
}
