package pvshim

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"example.com/v-architect/pvshim/host"
)

// Identity is the per-vCPU identity block (spec §3). Invariant: for the
// init domain all four fields are 0; otherwise DomID is allocated and
// VCPUID/APICID/ACPIID are pinned to 0 (spec §9).
type Identity struct {
	DomID, VCPUID, APICID, ACPIID uint32
}

// TSCParams are the per-vCPU TSC scaling parameters (spec §3).
type TSCParams struct {
	TSCKHz   uint64
	TSCShift uint8
	TSCMul   uint32
	PETShift uint8
}

// newTSCParams computes TSCShift=0 and TSCMul=(1e9<<32)/tscKHz per the
// conversion formulas in spec §3.
func newTSCParams(tscKHz uint64, petShift uint8) TSCParams {
	return TSCParams{
		TSCKHz:   tscKHz,
		TSCShift: 0,
		TSCMul:   uint32((uint64(1_000_000_000) << 32) / tscKHz),
		PETShift: petShift,
	}
}

// DomIDAllocator hands out process-wide monotonically increasing domain
// ids under a single mutex (spec §3, §5, §9 "Global state").
type DomIDAllocator struct {
	mu   sync.Mutex
	next uint32
}

// NewDomIDAllocator starts the counter at 1 (domid 0 is reserved for
// the init domain, spec §3).
func NewDomIDAllocator() *DomIDAllocator {
	return &DomIDAllocator{next: 1}
}

func (a *DomIDAllocator) allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Shim is the per-vCPU PV emulation object (spec §3). It is constructed
// once per guest vCPU and lives for the vCPU's lifetime.
type Shim struct {
	mu sync.Mutex

	identity Identity
	tsc      TSCParams

	h   host.VCPU
	dom host.Domain

	sharedInfo   *host.Mapping[SharedInfo]
	userVTI      *host.Mapping[VCPUTimeInfo]
	runstateInfo *host.Mapping[VCPURunstateInfo]

	petEnabled       bool
	petHandlersAdded bool
	runstateAssist   bool

	petRemaining      uint64 // programmed PET tick count, owned by pet.go
	tscAtExit         uint64
	pendingVIRQTimer  uint64
	callbackVector    uint8
	shinfoGPFN        uint64
	domHandle         [32]byte

	// systemTime/tscTimestamp are the shim's own canonical PV-clock
	// state; they are mirrored into the mapped shared_info/user-vti
	// pages (spec §4.4) whenever those pages are bound.
	systemTime   uint64
	tscTimestamp uint64

	rs runstateTracker
}

// New constructs a Shim for one guest vCPU and registers its handlers
// with the host VM-exit framework (spec §4.1). When dom.InitDom() is
// true, all four identity fields are 0 and alloc is not consulted.
func New(h host.VCPU, dom host.Domain, tscKHz uint64, petShift uint8, alloc *DomIDAllocator) (*Shim, error) {
	if tscKHz == 0 {
		return nil, fmt.Errorf("pvshim: tscKHz must be nonzero")
	}

	// vcpuid/apicid/acpiid are pinned to 0 regardless of domain (spec
	// §3, §9): domid is the only field that varies per guest instance.
	ident := Identity{}
	if !dom.InitDom() {
		ident.DomID = alloc.allocate()
	}
	if ident.VCPUID >= LegacyMaxVCPUs {
		return nil, fmt.Errorf("pvshim: vcpuid %d exceeds LegacyMaxVCPUs", ident.VCPUID)
	}

	s := &Shim{
		identity: ident,
		tsc:      newTSCParams(tscKHz, petShift),
		h:        h,
		dom:      dom,
	}
	s.seedDomainHandle()
	s.register(h)
	return s, nil
}

// seedDomainHandle fills the opaque 32-byte domain handle (spec §3,
// §9 open question (2)): two chained UUIDv4s concatenated to 32 bytes,
// keyed by domid. Non-cryptographic is sufficient per spec — the
// consuming use of this handle is not visible from the core — but
// crypto/rand-backed UUIDs cost nothing here and avoid a hand-rolled
// seed.
func (s *Shim) seedDomainHandle() {
	a := uuid.New()
	b := uuid.New()
	copy(s.domHandle[0:16], a[:])
	copy(s.domHandle[16:32], b[:])
	// Mix the low 16 bits of domid into the first two bytes. Distinct
	// handles still rest on the UUIDs differing: domid 0 mixes in
	// nothing, and domids equal modulo 65536 mix in the same bits.
	s.domHandle[0] ^= byte(s.identity.DomID)
	s.domHandle[1] ^= byte(s.identity.DomID >> 8)
}

// register installs the CPUID/MSR/VMCALL/exception handlers required
// before the guest runs its first instruction (spec §4.1).
func (s *Shim) register(h host.VCPU) {
	h.RegisterCPUIDHandler(PVLeafBase+0, s.cpuidLeaf0)
	h.RegisterCPUIDHandler(PVLeafBase+1, s.cpuidLeaf1)
	h.RegisterCPUIDHandler(PVLeafBase+2, s.cpuidLeaf2)
	h.RegisterCPUIDHandler(PVLeafBase+4, s.cpuidLeaf4)
	h.RegisterMSRWriteHandler(HypercallPageMSR, s.onHypercallPageMSRWrite)
	h.RegisterMSRWriteHandler(SelfIPIMSR, s.onSelfIPIMSRWrite)
	h.RegisterVMCallHandler(s.Dispatch)
	h.RegisterExceptionHandler(s.onException)
}

// Identity returns a copy of the shim's identity block.
func (s *Shim) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}
