package pvshim

import (
	"fmt"
	"unsafe"

	"example.com/v-architect/pvshim/host"
)

// fakeVCPU is a hand-rolled host.VCPU for exercising Shim without a
// real KVM-backed core_engine.VCPU (pvshim never imports core_engine;
// see pvshim/host/contract.go).
type fakeVCPU struct {
	regs   [8]uint64
	rip    uint64
	rflags uint64

	shadow bool

	parent *fakeParentVCPU

	pet struct {
		ticks   uint64
		enabled bool
	}

	tsc uint64

	upcalls []uint8

	cpuidHandlers map[uint32]func(host.VCPU) host.CPUIDResult
	msrHandlers   map[uint32]func(host.VCPU, uint64)
	vmcallFn      func(host.VCPU) bool
	hltFn         func(host.VCPU) bool
	exceptionFn   func(host.VCPU, uint8) bool
	exitFn        func(host.VCPU)
	petFireFn     func(host.VCPU)
	resumeFn      func(host.VCPU)

	mem map[uint64][]byte // addr -> backing bytes, keyed by page-aligned addr
}

func newFakeVCPU() *fakeVCPU {
	v := &fakeVCPU{
		cpuidHandlers: make(map[uint32]func(host.VCPU) host.CPUIDResult),
		msrHandlers:   make(map[uint32]func(host.VCPU, uint64)),
		mem:           make(map[uint64][]byte),
	}
	v.parent = newFakeParentVCPU(v)
	return v
}

func (v *fakeVCPU) GetReg(r host.Reg) uint64      { return v.regs[r] }
func (v *fakeVCPU) SetReg(r host.Reg, val uint64) { v.regs[r] = val }
func (v *fakeVCPU) RFlags() uint64                { return v.rflags }
func (v *fakeVCPU) RIP() uint64                   { return v.rip }
func (v *fakeVCPU) SetRIP(val uint64)             { v.rip = val }
func (v *fakeVCPU) AdvancePastInstruction(n uint64) { v.rip += n }

func (v *fakeVCPU) InterruptShadow() bool { return v.shadow }
func (v *fakeVCPU) ClearInterruptShadow() { v.shadow = false }

// putPage registers addr as backed by buf (len(buf) must be >= size
// any caller maps at addr); tests map exactly one page per address.
func (v *fakeVCPU) putPage(addr uint64, buf []byte) {
	v.mem[addr] = buf
}

func (v *fakeVCPU) MapGPARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	buf, ok := v.mem[addr]
	if !ok {
		return nil, nil, fmt.Errorf("fakeVCPU: no page at gpa 0x%x", addr)
	}
	if uintptr(len(buf)) < size {
		return nil, nil, fmt.Errorf("fakeVCPU: page at 0x%x too small", addr)
	}
	return unsafe.Pointer(&buf[0]), func() {}, nil
}

func (v *fakeVCPU) MapGVARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	return v.MapGPARaw(addr, size)
}

func (v *fakeVCPU) ParentVCPU() host.ParentVCPU { return v.parent }
func (v *fakeVCPU) VCPUID() uint32              { return 0 }

func (v *fakeVCPU) SetPreemptionTimer(ticks uint64) { v.pet.ticks = ticks }
func (v *fakeVCPU) GetPreemptionTimer() uint64      { return v.pet.ticks }
func (v *fakeVCPU) EnablePreemptionTimer()          { v.pet.enabled = true }
func (v *fakeVCPU) DisablePreemptionTimer()         { v.pet.enabled = false }

func (v *fakeVCPU) SaveXState() {}

func (v *fakeVCPU) ReadTSC() uint64 { return v.tsc }

func (v *fakeVCPU) QueueUpcall(vector uint8) { v.upcalls = append(v.upcalls, vector) }

func (v *fakeVCPU) RegisterCPUIDHandler(leaf uint32, fn func(host.VCPU) host.CPUIDResult) {
	v.cpuidHandlers[leaf] = fn
}

func (v *fakeVCPU) RegisterMSRWriteHandler(msr uint32, fn func(host.VCPU, uint64)) {
	v.msrHandlers[msr] = fn
}

func (v *fakeVCPU) RegisterVMCallHandler(fn func(host.VCPU) bool)             { v.vmcallFn = fn }
func (v *fakeVCPU) RegisterHLTHandler(fn func(host.VCPU) bool)                { v.hltFn = fn }
func (v *fakeVCPU) RegisterExceptionHandler(fn func(host.VCPU, uint8) bool)   { v.exceptionFn = fn }
func (v *fakeVCPU) RegisterExitHandler(fn func(host.VCPU))                   { v.exitFn = fn }
func (v *fakeVCPU) RegisterPreemptionTimerHandler(fn func(host.VCPU))        { v.petFireFn = fn }
func (v *fakeVCPU) RegisterResumeHandler(fn func(host.VCPU))                 { v.resumeFn = fn }

// fakeParentVCPU is a hand-rolled host.ParentVCPU.
type fakeParentVCPU struct {
	v *fakeVCPU

	queued       []uint8
	pushed       []uint8
	loads        int
	yieldUs      []uint64
	resumeCalls  int
	msi          map[uint8]host.MSIMatch
}

func newFakeParentVCPU(v *fakeVCPU) *fakeParentVCPU {
	return &fakeParentVCPU{v: v, msi: make(map[uint8]host.MSIMatch)}
}

func (p *fakeParentVCPU) Load() {
	p.loads++
	p.pushed = append(p.pushed, p.queued...)
	p.queued = nil
}

func (p *fakeParentVCPU) QueueExternalInterrupt(vector uint8) {
	p.queued = append(p.queued, vector)
}

func (p *fakeParentVCPU) PushExternalInterrupt(vector uint8) {
	p.pushed = append(p.pushed, vector)
}

func (p *fakeParentVCPU) ReturnResumeAfterInterrupt() { p.resumeCalls++ }

func (p *fakeParentVCPU) ReturnYield(microseconds uint64) {
	p.yieldUs = append(p.yieldUs, microseconds)
}

func (p *fakeParentVCPU) FindGuestMSI(vector uint8) (host.MSIMatch, bool) {
	m, ok := p.msi[vector]
	return m, ok
}

// fakeDomain is a hand-rolled host.Domain.
type fakeDomain struct {
	initDom bool
	id      uint32
	sod     host.SODInfo

	rx []byte // bytes HVCRxGet hands back, consumed front-to-back
	tx []byte // bytes accumulated from HVCTxPut
}

func (d *fakeDomain) InitDom() bool          { return d.initDom }
func (d *fakeDomain) ID() uint32             { return d.id }
func (d *fakeDomain) SODInfo() host.SODInfo  { return d.sod }

func (d *fakeDomain) HVCRxGet(buf []byte) (int, error) {
	n := copy(buf, d.rx)
	d.rx = d.rx[n:]
	return n, nil
}

func (d *fakeDomain) HVCTxPut(buf []byte) (int, error) {
	d.tx = append(d.tx, buf...)
	return len(buf), nil
}
