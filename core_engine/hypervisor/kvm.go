// Package hypervisor wraps the /dev/kvm ioctl surface this VMM needs:
// VM/VCPU lifecycle, general/special register access, MSR access, and
// interrupt injection.
package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers, matching the kernel's <linux/kvm.h> encoding
// (type 0xAE; direction/size baked into the request number for the
// _IOR/_IOW/_IOWR-style requests below).
const (
	KVM_GET_API_VERSION        = 0xAE00
	KVM_CREATE_VM              = 0xAE01
	KVM_GET_VCPU_MMAP_SIZE     = 0xAE04
	KVM_CREATE_VCPU            = 0xAE41
	KVM_SET_USER_MEMORY_REGION = 0x4020AE46
	KVM_RUN                    = 0xAE80
	KVM_GET_REGS               = 0x8090AE81
	KVM_SET_REGS               = 0x4090AE82
	KVM_GET_SREGS              = 0x8138AE83
	KVM_SET_SREGS              = 0x4138AE84
	KVM_INTERRUPT              = 0x4004AE86
	KVM_GET_MSRS               = 0xC008AE88
	KVM_SET_MSRS               = 0x4008AE89
	KVM_SET_CPUID2             = 0x4008AE90

	// KVM exit reasons (subset this VMM understands).
	KVM_EXIT_UNKNOWN    = 0
	KVM_EXIT_HLT        = 1
	KVM_EXIT_IO         = 2
	KVM_EXIT_MMIO       = 6
	KVM_EXIT_SHUTDOWN   = 8
	KVM_EXIT_FAIL_ENTRY = 9
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors struct kvm_regs (general-purpose register subset
// this VMM reads/writes).
type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// KvmSegment mirrors struct kvm_segment.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint16
}

// KvmSregs mirrors struct kvm_sregs (subset: segment + control
// registers).
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	CR0, CR2, CR3, CR4     uint64
	CR8, EFER              uint64
	ApicBase               uint64
}

// KvmMSREntry mirrors struct kvm_msr_entry.
type KvmMSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// KvmMSRs mirrors struct kvm_msrs for a single-entry KVM_SET_MSRS/
// KVM_GET_MSRS call (this VMM never batches more than one MSR per
// ioctl).
type KvmMSRs struct {
	NMSRs   uint32
	_       uint32
	Entries [1]KvmMSREntry
}

// KvmRun mirrors the fixed prefix of struct kvm_run; Io/Mmio overlay
// the kernel's exit-reason union at its known offset.
type KvmRun struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]byte
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	Union                  [32]uint64
}

// KvmIo overlays KvmRun.Union for KVM_EXIT_IO.
type KvmIo struct {
	Direction  uint8
	Size       uint8
	_          [2]byte
	Port       uint16
	_          [2]byte
	Count      uint32
	DataOffset uint64
}

// KvmInterrupt mirrors struct kvm_interrupt, the KVM_INTERRUPT
// argument.
type KvmInterrupt struct {
	IRQ uint32
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

// DoKVMRun executes the guest until its next exit.
func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	return err
}

func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	return int(fd), err
}

func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	return int(fd), err
}

func DoKVMGetVCPUMmapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	return int(sz), err
}

func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
	return err
}

func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	_, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return nil, err
	}
	return &regs, nil
}

func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	_, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return nil, err
	}
	return &sregs, nil
}

func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

func DoKVMInjectInterrupt(vcpuFD int, vector uint32) error {
	irq := KvmInterrupt{IRQ: vector}
	_, err := ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&irq)))
	return err
}

// KvmCPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type KvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

// kvmCPUID2MaxEntries bounds how many leaves this VMM will ever need
// to install at once (spec §4.2 defines exactly 4: base+0/1/2/4).
const kvmCPUID2MaxEntries = 8

type kvmCPUID2 struct {
	NEnt    uint32
	_       uint32
	Entries [kvmCPUID2MaxEntries]KvmCPUIDEntry2
}

// DoKVMSetCPUID2 installs entries as the guest's entire CPUID table
// (spec §4.2: the guest kernel probes 0x40000000+N expecting these
// values back from a real CPUID instruction, so they must be baked in
// ahead of time rather than trapped). KVM_SET_CPUID2 replaces the
// whole table in one call, so callers must pass every leaf they want
// present, not just the one that changed.
func DoKVMSetCPUID2(vcpuFD int, entries []KvmCPUIDEntry2) error {
	if len(entries) > kvmCPUID2MaxEntries {
		return fmt.Errorf("hypervisor: %d CPUID entries exceeds the %d this VMM supports", len(entries), kvmCPUID2MaxEntries)
	}
	cpuid := kvmCPUID2{NEnt: uint32(len(entries))}
	copy(cpuid.Entries[:], entries)
	_, err := ioctl(vcpuFD, KVM_SET_CPUID2, uintptr(unsafe.Pointer(&cpuid)))
	return err
}

// DoKVMGetMSR reads a single MSR.
func DoKVMGetMSR(vcpuFD int, index uint32) (uint64, error) {
	msrs := KvmMSRs{NMSRs: 1}
	msrs.Entries[0].Index = index
	_, err := ioctl(vcpuFD, KVM_GET_MSRS, uintptr(unsafe.Pointer(&msrs)))
	if err != nil {
		return 0, err
	}
	return msrs.Entries[0].Data, nil
}

// DoKVMSetMSR writes a single MSR.
func DoKVMSetMSR(vcpuFD int, index uint32, data uint64) error {
	msrs := KvmMSRs{NMSRs: 1}
	msrs.Entries[0].Index = index
	msrs.Entries[0].Data = data
	_, err := ioctl(vcpuFD, KVM_SET_MSRS, uintptr(unsafe.Pointer(&msrs)))
	return err
}
