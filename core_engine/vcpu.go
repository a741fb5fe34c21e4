package core_engine

import (
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/v-architect/core_engine/hypervisor"
)

// cpuidHandler, msrWriteHandler and friends are the registration
// points a consumer (core_engine/hostadapter) installs. Unlike a live
// per-instruction trap, CPUID results are baked into the guest's CPUID
// table once via KVM_SET_CPUID2 (real KVM does not exit to userspace
// per CPUID instruction). Of the rest, Run invokes only the HLT, exit
// and resume handlers; the MSR-write, VMCALL and exception handlers
// are stored but Run's exit switch never calls them.
type cpuidHandler func(vcpu *VCPU) (eax, ebx, ecx, edx uint32)
type msrWriteHandler func(vcpu *VCPU, value uint64)
type vmcallHandler func(vcpu *VCPU) bool
type hltHandler func(vcpu *VCPU) bool
type exceptionHandler func(vcpu *VCPU, vector uint8) bool
type exitHandler func(vcpu *VCPU)
type timerHandler func(vcpu *VCPU)

// VCPU represents a virtual CPU within a KVM virtual machine.
type VCPU struct {
	id             int
	fd             int
	vm             *VirtualMachine
	kvmRun         *hypervisor.KvmRun
	kvmRunMmapSize int
	kvmRunPtr      uintptr
	ticker         *time.Ticker

	mu               sync.Mutex
	cpuidHandlers    map[uint32]cpuidHandler
	cpuidEntries     map[uint32]hypervisor.KvmCPUIDEntry2
	msrWriteHandlers map[uint32]msrWriteHandler
	vmcallHandler    vmcallHandler
	hltHandler       hltHandler
	exceptionHandler exceptionHandler
	exitHandler      exitHandler
	resumeHandler    exitHandler

	interruptShadow bool

	petTimer    *time.Timer
	petEnabled  bool
	petFireFunc timerHandler
	tscKHz      uint64
}

// NewVCPU creates and initializes a new VCPU for the given VM.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %v", id, err)
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMmapSize(vm.kvmFD)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %v", id, err)
	}
	if mmapSize == 0 {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for VCPU %d", id)
	}

	kvmRunAddr, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %v", id, err)
	}

	vcpu := &VCPU{
		id:               id,
		fd:               vcpuFD,
		vm:               vm,
		kvmRun:           (*hypervisor.KvmRun)(unsafe.Pointer(&kvmRunAddr[0])),
		kvmRunMmapSize:   mmapSize,
		kvmRunPtr:        uintptr(unsafe.Pointer(&kvmRunAddr[0])),
		ticker:           time.NewTicker(10 * time.Millisecond),
		cpuidHandlers:    make(map[uint32]cpuidHandler),
		cpuidEntries:     make(map[uint32]hypervisor.KvmCPUIDEntry2),
		msrWriteHandlers: make(map[uint32]msrWriteHandler),
		tscKHz:           vm.TSCKHz,
	}

	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %v", id, err)
	}
	if vm.Debug {
		log.Printf("VCPU %d: Created and initialized successfully. KVM_RUN mmap size: %d bytes.\n", id, mmapSize)
	}
	return vcpu, nil
}

// initRegisters sets up the initial state of VCPU registers (general
// purpose and segment). Unused unless the VM was constructed with
// LoadLegacyBootImage, in which case the guest expects to start in
// flat 32-bit protected mode at the loaded image's entry point;
// otherwise a PV-on-HVM guest kernel installs its own long-mode state
// well before touching any of this.
func (vcpu *VCPU) initRegisters() error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %v", err)
	}

	sregs.CS.Base = 0
	sregs.CS.Limit = 0xFFFFFFFF
	sregs.CS.Type = 11
	sregs.CS.Present = 1
	sregs.CS.DB = 1
	sregs.CS.S = 1
	sregs.CS.G = 1

	sregs.DS.Base = 0
	sregs.DS.Limit = 0xFFFFFFFF
	sregs.DS.Type = 3
	sregs.DS.Present = 1
	sregs.DS.G = 1
	sregs.DS.S = 1
	sregs.DS.DB = 1

	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR0 &^= 1

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %v", err)
	}

	regs := &hypervisor.KvmRegs{RFLAGS: 0x2, RIP: 0x7c00}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %v", err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Registers initialized. RIP=0x%x, RFLAGS=0x%x, CS.Base=0x%x\n", vcpu.id, regs.RIP, regs.RFLAGS, sregs.CS.Base)
	}
	return nil
}

// RegisterCPUIDHandler bakes fn's result into the guest's CPUID table
// for leaf now, via KVM_SET_CPUID2: real KVM serves CPUID entirely
// in-kernel/hardware, so a PV leaf must be pre-populated rather than
// trapped live.
func (vcpu *VCPU) RegisterCPUIDHandler(leaf uint32, fn cpuidHandler) error {
	eax, ebx, ecx, edx := fn(vcpu)

	vcpu.mu.Lock()
	vcpu.cpuidHandlers[leaf] = fn
	vcpu.cpuidEntries[leaf] = hypervisor.KvmCPUIDEntry2{Function: leaf, Eax: eax, Ebx: ebx, Ecx: ecx, Edx: edx}
	entries := make([]hypervisor.KvmCPUIDEntry2, 0, len(vcpu.cpuidEntries))
	for _, e := range vcpu.cpuidEntries {
		entries = append(entries, e)
	}
	vcpu.mu.Unlock()

	return hypervisor.DoKVMSetCPUID2(vcpu.fd, entries)
}

// RegisterMSRWriteHandler stores fn as the callback for writes to
// msr. Run does not handle KVM_EXIT_X86_WRMSR, so the callback is not
// invoked from the exit loop.
func (vcpu *VCPU) RegisterMSRWriteHandler(msr uint32, fn msrWriteHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.msrWriteHandlers[msr] = fn
}

func (vcpu *VCPU) RegisterVMCallHandler(fn vmcallHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.vmcallHandler = fn
}

func (vcpu *VCPU) RegisterHLTHandler(fn hltHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.hltHandler = fn
}

func (vcpu *VCPU) RegisterExceptionHandler(fn exceptionHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.exceptionHandler = fn
}

func (vcpu *VCPU) RegisterExitHandler(fn exitHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.exitHandler = fn
}

func (vcpu *VCPU) RegisterResumeHandler(fn exitHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.resumeHandler = fn
}

// RegisterPreemptionTimerHandler installs the fire callback; the
// timer itself is software (time.Timer scaled from TSC ticks via
// vm.TSCKHz), standing in for the hardware VMX-preemption-timer
// feature real KVM doesn't expose a userspace-arm ioctl for.
func (vcpu *VCPU) RegisterPreemptionTimerHandler(fn timerHandler) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.petFireFunc = fn
}

func (vcpu *VCPU) ticksToDuration(ticks uint64) time.Duration {
	if vcpu.tscKHz == 0 {
		return 0
	}
	return time.Duration(ticks) * time.Second / time.Duration(vcpu.tscKHz*1000)
}

// SetPreemptionTimer (re)programs the software preemption timer.
func (vcpu *VCPU) SetPreemptionTimer(ticks uint64) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	if vcpu.petTimer != nil {
		vcpu.petTimer.Stop()
	}
	d := vcpu.ticksToDuration(ticks)
	fire := vcpu.petFireFunc
	vcpu.petTimer = time.AfterFunc(d, func() {
		vcpu.mu.Lock()
		enabled := vcpu.petEnabled
		vcpu.mu.Unlock()
		if enabled && fire != nil {
			fire(vcpu)
		}
	})
}

func (vcpu *VCPU) GetPreemptionTimer() uint64 {
	return 0 // remaining-tick readback is not tracked independently of Shim's own accounting
}

func (vcpu *VCPU) EnablePreemptionTimer() {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.petEnabled = true
}

func (vcpu *VCPU) DisablePreemptionTimer() {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.petEnabled = false
	if vcpu.petTimer != nil {
		vcpu.petTimer.Stop()
	}
}

// InterruptShadow and ClearInterruptShadow track the one-instruction
// deferral after STI/MOV-SS (spec §4.6). Run does not update
// vcpu.interruptShadow from kvm_run; only ClearInterruptShadow writes it.
func (vcpu *VCPU) InterruptShadow() bool {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	return vcpu.interruptShadow
}

func (vcpu *VCPU) ClearInterruptShadow() {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.interruptShadow = false
}

// GetReg/SetReg read and write a single general-purpose register via
// KVM_GET_REGS/KVM_SET_REGS. Simple and correct over a fast path that
// would batch these across a single exit would require kvm_run's
// register cache; neither teacher nor pack exposes that, and the PV
// dispatcher only ever touches a handful of registers per hypercall.
func (vcpu *VCPU) GetReg(r Reg) uint64 {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return 0
	}
	return readReg(regs, r)
}

func (vcpu *VCPU) SetReg(r Reg, v uint64) {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return
	}
	writeReg(regs, r, v)
	_ = hypervisor.DoKVMSetRegs(vcpu.fd, regs)
}

func (vcpu *VCPU) RFlags() uint64 {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return 0
	}
	return regs.RFLAGS
}

func (vcpu *VCPU) RIP() uint64 {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return 0
	}
	return regs.RIP
}

func (vcpu *VCPU) SetRIP(v uint64) {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return
	}
	regs.RIP = v
	_ = hypervisor.DoKVMSetRegs(vcpu.fd, regs)
}

func (vcpu *VCPU) AdvancePastInstruction(lenBytes uint64) {
	vcpu.SetRIP(vcpu.RIP() + lenBytes)
}

func (vcpu *VCPU) ReadTSC() uint64 {
	return ReadTSC()
}

// SaveXState is a no-op placeholder: KVM owns the guest's extended
// state across KVM_RUN boundaries already (KVM_GET/SET_XSAVE), so
// there is nothing this VMM needs to do before yielding to the parent.
func (vcpu *VCPU) SaveXState() {}

// QueueUpcall self-injects vector via the same path InjectInterrupt
// uses for externally-sourced interrupts (spec §4.5 "deliver the
// upcall vector").
func (vcpu *VCPU) QueueUpcall(vector uint8) {
	_ = vcpu.InjectInterrupt(vector)
}

// VCPUID returns this vCPU's index within its VM.
func (vcpu *VCPU) VCPUID() uint32 {
	return uint32(vcpu.id)
}

// MapGPARaw maps a guest-physical range directly out of the VM's
// backing memory slice (spec §6 map_gpa_4k): this VMM identity-maps
// guest physical memory onto one contiguous Go-owned mmap, so "mapping"
// is just slicing it rather than a separate host ioctl.
func (vcpu *VCPU) MapGPARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	return vcpu.vm.mapGuestMemory(addr, size)
}

// MapGVARaw maps a guest-virtual range. This VMM does not walk guest
// page tables itself (spec §1 leaves paging out of scope for the
// shim); since every PV-on-HVM guest this shim targets runs with an
// identity-mapped lower memory region during early boot (spec's
// hypercall-page/shared-info setup all happens before the guest
// remaps itself), GVA==GPA holds for every address the shim ever maps.
func (vcpu *VCPU) MapGVARaw(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	return vcpu.MapGPARaw(addr, size)
}

// Run starts the VCPU execution loop.
func (vcpu *VCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Entering run loop.\n", vcpu.id)
	}
	defer vcpu.ticker.Stop()

	for {
		select {
		case <-vcpu.vm.stopChan:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: Stop signal received, exiting run loop.\n", vcpu.id)
			}
			return nil
		default:
		}

		if vcpu.id == 0 {
			vcpu.vm.CheckForPendingInterrupts(vcpu.id)
		}

		vcpu.mu.Lock()
		resume := vcpu.resumeHandler
		vcpu.mu.Unlock()
		if resume != nil {
			resume(vcpu)
		}

		err := hypervisor.DoKVMRun(vcpu.fd)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("KVM_RUN failed for VCPU %d: %v", vcpu.id, err)
		}

		vcpu.mu.Lock()
		exit := vcpu.exitHandler
		vcpu.mu.Unlock()
		if exit != nil {
			exit(vcpu)
		}

		exitReason := vcpu.kvmRun.ExitReason
		switch exitReason {
		case hypervisor.KVM_EXIT_IO:
			ioExit := (*hypervisor.KvmIo)(unsafe.Pointer(&vcpu.kvmRun.Union[0]))
			dataPtr := uintptr(unsafe.Pointer(vcpu.kvmRun)) + uintptr(ioExit.DataOffset)
			size := int(ioExit.Size)
			if size <= 0 || size > 8 {
				size = 8
			}
			data := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size)

			if err := vcpu.vm.HandleIO(vcpu.id, ioExit.Port, data, ioExit.Direction, ioExit.Size, ioExit.Count); err != nil {
				log.Printf("VCPU %d: Error handling KVM_EXIT_IO on port 0x%x: %v\n", vcpu.id, ioExit.Port, err)
			}

		case hypervisor.KVM_EXIT_HLT:
			vcpu.mu.Lock()
			h := vcpu.hltHandler
			vcpu.mu.Unlock()
			if h != nil {
				h(vcpu)
			} else if vcpu.id == 0 {
				vcpu.vm.CheckForPendingInterrupts(vcpu.id)
			}

		case hypervisor.KVM_EXIT_SHUTDOWN:
			log.Printf("VCPU %d: KVM_EXIT_SHUTDOWN. Guest initiated shutdown.\n", vcpu.id)
			return fmt.Errorf("VCPU %d received KVM_EXIT_SHUTDOWN", vcpu.id)

		case hypervisor.KVM_EXIT_FAIL_ENTRY:
			log.Printf("VCPU %d: KVM_EXIT_FAIL_ENTRY. Hardware entry failure.\n", vcpu.id)
			return fmt.Errorf("VCPU %d KVM_EXIT_FAIL_ENTRY", vcpu.id)

		default:
			log.Printf("VCPU %d: Unhandled KVM exit reason: %d\n", vcpu.id, exitReason)
		}
	}
}

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.ticker != nil {
		vcpu.ticker.Stop()
	}
	if vcpu.petTimer != nil {
		vcpu.petTimer.Stop()
	}
	if vcpu.kvmRunPtr != 0 {
		err := unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(vcpu.kvmRunPtr)), vcpu.kvmRunMmapSize))
		if err != nil {
			log.Printf("VCPU %d: Error unmapping kvm_run: %v\n", vcpu.id, err)
		}
		vcpu.kvmRunPtr = 0
		vcpu.kvmRun = nil
	}
	if vcpu.fd != 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = 0
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Closed.\n", vcpu.id)
	}
}

// InjectInterrupt tells KVM to inject an interrupt vector into the guest.
func (vcpu *VCPU) InjectInterrupt(vector uint8) error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Attempting to inject interrupt vector 0x%x\n", vcpu.id, vector)
	}
	if err := hypervisor.DoKVMInjectInterrupt(vcpu.fd, uint32(vector)); err != nil {
		return fmt.Errorf("VCPU %d: KVM_INTERRUPT for vector 0x%x failed: %v", vcpu.id, vector, err)
	}
	return nil
}

// KvmExitReasonName renders a KVM exit reason for logging.
func KvmExitReasonName(reason uint32) string {
	switch reason {
	case hypervisor.KVM_EXIT_UNKNOWN:
		return "KVM_EXIT_UNKNOWN"
	case hypervisor.KVM_EXIT_HLT:
		return "KVM_EXIT_HLT"
	case hypervisor.KVM_EXIT_IO:
		return "KVM_EXIT_IO"
	case hypervisor.KVM_EXIT_SHUTDOWN:
		return "KVM_EXIT_SHUTDOWN"
	case hypervisor.KVM_EXIT_FAIL_ENTRY:
		return "KVM_EXIT_FAIL_ENTRY"
	default:
		return fmt.Sprintf("Unknown KVM Exit Reason (%d)", reason)
	}
}
