// Package hostadapter binds pvshim/host's VM-exit framework contract
// onto this VMM's own core_engine.VCPU/core_engine.VirtualMachine,
// exactly the way core_engine/reg.go keeps its own Reg type separate
// from pvshim/host.Reg to avoid a pvshim import: all the translation
// between the two vocabularies lives here, not in either package.
package hostadapter

import (
	"sync"
	"time"
	"unsafe"

	"example.com/v-architect/core_engine"
	"example.com/v-architect/pvshim/host"
)

// VCPU adapts a *core_engine.VCPU to the host.VCPU contract pvshim
// consumes.
type VCPU struct {
	vcpu   *core_engine.VCPU
	parent *ParentVCPU
}

// New wraps vcpu for use as a pvshim/host.VCPU.
func New(vcpu *core_engine.VCPU) *VCPU {
	return &VCPU{vcpu: vcpu, parent: newParentVCPU(vcpu)}
}

var engineRegs = [...]core_engine.Reg{
	host.RAX: core_engine.RAX,
	host.RBX: core_engine.RBX,
	host.RCX: core_engine.RCX,
	host.RDX: core_engine.RDX,
	host.RSI: core_engine.RSI,
	host.RDI: core_engine.RDI,
	host.R8:  core_engine.R8,
	host.R9:  core_engine.R9,
}

func (v *VCPU) GetReg(r host.Reg) uint64        { return v.vcpu.GetReg(engineRegs[r]) }
func (v *VCPU) SetReg(r host.Reg, val uint64)   { v.vcpu.SetReg(engineRegs[r], val) }
func (v *VCPU) RFlags() uint64                  { return v.vcpu.RFlags() }
func (v *VCPU) RIP() uint64                     { return v.vcpu.RIP() }
func (v *VCPU) SetRIP(val uint64)               { v.vcpu.SetRIP(val) }
func (v *VCPU) AdvancePastInstruction(n uint64) { v.vcpu.AdvancePastInstruction(n) }

func (v *VCPU) InterruptShadow() bool { return v.vcpu.InterruptShadow() }
func (v *VCPU) ClearInterruptShadow() { v.vcpu.ClearInterruptShadow() }

func (v *VCPU) MapGPARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	return v.vcpu.MapGPARaw(addr, size)
}

func (v *VCPU) MapGVARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	return v.vcpu.MapGVARaw(addr, size)
}

func (v *VCPU) ParentVCPU() host.ParentVCPU { return v.parent }
func (v *VCPU) VCPUID() uint32              { return v.vcpu.VCPUID() }

func (v *VCPU) SetPreemptionTimer(ticks uint64) { v.vcpu.SetPreemptionTimer(ticks) }
func (v *VCPU) GetPreemptionTimer() uint64      { return v.vcpu.GetPreemptionTimer() }
func (v *VCPU) EnablePreemptionTimer()          { v.vcpu.EnablePreemptionTimer() }
func (v *VCPU) DisablePreemptionTimer()         { v.vcpu.DisablePreemptionTimer() }

func (v *VCPU) SaveXState()        { v.vcpu.SaveXState() }
func (v *VCPU) ReadTSC() uint64    { return v.vcpu.ReadTSC() }
func (v *VCPU) QueueUpcall(vector uint8) { v.vcpu.QueueUpcall(vector) }

// RegisterCPUIDHandler adapts host.VCPU's CPUIDResult-returning
// callback onto core_engine's 4-way-uint32-return registration point:
// real KVM bakes CPUID leaves into the guest's table once
// (KVM_SET_CPUID2) rather than trapping them live, so core_engine's
// signature is shaped around that, not pvshim's.
func (v *VCPU) RegisterCPUIDHandler(leaf uint32, fn func(host.VCPU) host.CPUIDResult) {
	v.vcpu.RegisterCPUIDHandler(leaf, func(_ *core_engine.VCPU) (eax, ebx, ecx, edx uint32) {
		r := fn(v)
		return r.EAX, r.EBX, r.ECX, r.EDX
	})
}

func (v *VCPU) RegisterMSRWriteHandler(msr uint32, fn func(host.VCPU, uint64)) {
	v.vcpu.RegisterMSRWriteHandler(msr, func(_ *core_engine.VCPU, value uint64) { fn(v, value) })
}

func (v *VCPU) RegisterVMCallHandler(fn func(host.VCPU) bool) {
	v.vcpu.RegisterVMCallHandler(func(_ *core_engine.VCPU) bool { return fn(v) })
}

func (v *VCPU) RegisterHLTHandler(fn func(host.VCPU) bool) {
	v.vcpu.RegisterHLTHandler(func(_ *core_engine.VCPU) bool { return fn(v) })
}

func (v *VCPU) RegisterExceptionHandler(fn func(host.VCPU, uint8) bool) {
	v.vcpu.RegisterExceptionHandler(func(_ *core_engine.VCPU, vector uint8) bool { return fn(v, vector) })
}

func (v *VCPU) RegisterExitHandler(fn func(host.VCPU)) {
	v.vcpu.RegisterExitHandler(func(_ *core_engine.VCPU) { fn(v) })
}

func (v *VCPU) RegisterPreemptionTimerHandler(fn func(host.VCPU)) {
	v.vcpu.RegisterPreemptionTimerHandler(func(_ *core_engine.VCPU) { fn(v) })
}

func (v *VCPU) RegisterResumeHandler(fn func(host.VCPU)) {
	v.vcpu.RegisterResumeHandler(func(_ *core_engine.VCPU) { fn(v) })
}

// ParentVCPU adapts a *core_engine.VCPU to host.ParentVCPU. This VMM
// has no nested-virtualization hierarchy — the "parent" physical vCPU
// is the same core_engine.VCPU the guest identity runs on — so Load
// and the queue/push split exist only to give the deferred-delivery
// semantics of spec §4.6 somewhere to live, not to model a second
// hardware layer. QueueExternalInterrupt buffers a vector and Load
// injects what is buffered; the vCPU run loop never calls Load, so a
// queued vector waits until a caller next calls it.
type ParentVCPU struct {
	vcpu *core_engine.VCPU

	mu      sync.Mutex
	pending []uint8
}

func newParentVCPU(vcpu *core_engine.VCPU) *ParentVCPU {
	return &ParentVCPU{vcpu: vcpu}
}

// Load injects, in order, every vector queued since the previous Load.
// It does not consult the interrupt shadow.
func (p *ParentVCPU) Load() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, vector := range pending {
		p.vcpu.InjectInterrupt(vector)
	}
}

func (p *ParentVCPU) QueueExternalInterrupt(vector uint8) {
	p.mu.Lock()
	p.pending = append(p.pending, vector)
	p.mu.Unlock()
}

func (p *ParentVCPU) PushExternalInterrupt(vector uint8) {
	p.vcpu.InjectInterrupt(vector)
}

// ReturnResumeAfterInterrupt is a marker only: core_engine's run loop
// re-enters KVM_RUN on its next iteration unconditionally, so there is
// no separate "resume" call to make here.
func (p *ParentVCPU) ReturnResumeAfterInterrupt() {}

// ReturnYield parks the calling goroutine, standing in for the
// microsecond-granularity host idle wait spec §4.6 describes for the
// case where HLT finds no interrupt pending at all.
func (p *ParentVCPU) ReturnYield(microseconds uint64) {
	time.Sleep(time.Duration(microseconds) * time.Microsecond)
}

// FindGuestMSI always misses: this VMM's only PCI-adjacent device,
// the NE2000 NIC, is routed by a fixed legacy IRQ line rather than an
// MSI table, so no vector this shim ever sees can belong to one.
func (p *ParentVCPU) FindGuestMSI(vector uint8) (host.MSIMatch, bool) {
	return host.MSIMatch{}, false
}
