package pvshim

// Wire layouts and numeric constants for the impersonated PV-on-HVM
// ABI (spec §3, §4, §6). Field ordering and sizes are fixed by the
// guest kernel's own struct definitions; these types are the Go-side
// mirror of that contract, not a Go-idiomatic redesign of it.

// LegacyMaxVCPUs bounds vcpuid (spec §3): the guest indexes
// shared_info's per-vCPU array with a fixed-size slot count inherited
// from the impersonated ABI.
const LegacyMaxVCPUs = 32

// VCPUTimeInfo mirrors the guest's vcpu_time_info, both the kernel
// copy embedded in SharedInfo and the optional user-registered copy
// (spec §3, §4.4).
type VCPUTimeInfo struct {
	Version        uint32
	_              uint32
	TSCTimestamp   uint64
	SystemTime     uint64
	TSCToSystemMul uint32
	TSCShift       int8
	Flags          uint8
	_              [2]uint8
}

// TSCStableBit marks VCPUTimeInfo.Flags when the TSC is known stable
// across the host (spec §4.4: "TSC_STABLE_BIT flag set").
const TSCStableBit uint8 = 1 << 0

// SharedInfo mirrors the guest-owned 4 KiB shared_info page (spec §3):
// a sequence-locked wall clock plus the per-vCPU time array.
type SharedInfo struct {
	VCPUTime  [LegacyMaxVCPUs]VCPUTimeInfo
	WCVersion uint32
	WCSec     uint32
	WCNsec    uint32
	WCSecHi   uint32
}

// Runstate values (spec §3 "Runstate").
const (
	RunstateRunning uint32 = iota
	RunstateRunnable
	RunstateBlocked
	RunstateOffline
)

// VCPURunstateInfo mirrors the guest-registered vcpu_runstate_info
// (spec §3).
type VCPURunstateInfo struct {
	State          uint32
	_              uint32
	StateEntryTime uint64
	Time           [4]uint64
}

// runstateUpdateBit is OR-ed into StateEntryTime while an update is
// in flight when runstate_assist is enabled (spec §3, §4.4).
const runstateUpdateBit uint64 = 1 << 63

// SettTime64 mirrors xenpf_settime64, the platform_op(settime64)
// argument (spec §4.3).
type SettTime64 struct {
	Secs       uint32
	Nsecs      uint32
	Mbz        uint32
	_          uint32
	SystemTime uint64
}

// HVMParam mirrors xen_hvm_param_t, the hvm_op(set_param/get_param)
// argument (spec §4.3).
type HVMParam struct {
	DomID uint16
	_     uint16
	Index uint32
	Value uint64
}

// HVM param indices (spec §4.3).
const (
	HVMParamCallbackIRQ = 0
)

// Callback-IRQ encoding: type in bits 63:56, vector in bits 7:0 (spec
// §4.3).
const (
	callbackTypeShift  = 56
	callbackTypeVector = 0x02
	callbackVectorMin  = 0x20
	callbackVectorMax  = 0xFF
)

// Negative-errno convention for guest-facing results (spec §7).
const (
	ErrnoOK     int64 = 0
	ErrnoEINVAL int64 = -22
	ErrnoEACCES int64 = -13
	ErrnoENOSYS int64 = -38
	ErrnoETIME  int64 = -62
)

// Hypercall numbers dispatched on (spec §4.3), numbered per the
// impersonated hypervisor's own calling convention.
const (
	hcMemoryOp        = 12
	hcSetTimerOp      = 15
	hcXenVersion      = 17
	hcConsoleIO       = 18
	hcGrantTableOp    = 20
	hcVMAssist        = 21
	hcVCPUOp          = 24
	hcPlatformOp      = 25
	hcXSMOp           = 27
	hcEventChannelOp  = 32
	hcPhysdevOp       = 33
	hcHVMOp           = 34
	hcSysctl          = 35
	hcDomctl          = 36
)

// vcpu_op sub-operations (spec §4.3).
const (
	vcpuOpGetRunstateInfo             = 4
	vcpuOpRegisterRunstateMemoryArea  = 5
	vcpuOpSetPeriodicTimer            = 6
	vcpuOpStopPeriodicTimer           = 7
	vcpuOpSetSingleshotTimer          = 8
	vcpuOpStopSingleshotTimer         = 9
	vcpuOpRegisterVCPUTimeMemoryArea  = 13
)

// set_singleshot_timer flag bits (spec §4.3).
const sstFlagFuture uint32 = 1 << 0

// hvm_op sub-operations (spec §4.3).
const (
	hvmOpSetParam       = 0
	hvmOpGetParam       = 1
	hvmOpPagetableDying = 9
)

// platform_op sub-operations (spec §4.3).
const (
	platformOpGetCPUInfo = 1
	platformOpSetTime64  = 2
)

// platform_op(get_cpuinfo) result flags (spec §4.3).
const cpuInfoFlagOnline uint32 = 1 << 0

// grant_table_op sub-operations (spec §4.3).
const (
	gnttabOpQuerySize = 1
	gnttabOpSetVersion = 2
)

// vm_assist (spec §4.3).
const (
	vmAssistCmdEnable             = 0
	vmAssistTypeRunstateUpdateFlag = 1
)

// console_io sub-operations (spec §4.7).
const (
	consoleIORead  = 0
	consoleIOWrite = 1
)

// CPUID leaves (spec §4.2). PVLeafBase is the well-known base leaf the
// guest kernel probes starting at 0x40000000.
const PVLeafBase uint32 = 0x40000000

// pvSignature is split across EBX/ECX/EDX on leaf base+0 (spec §4.2).
// Exactly 12 ASCII bytes, matching the impersonated ABI's 3-dword
// vendor signature convention.
var pvSignature = [12]byte{'P', 'V', 'M', 'M', 'P', 'V', 'M', 'M', 'P', 'V', 'M', 'M'}

// Packed version reported on leaf base+1 (spec §4.2).
const (
	pvVersionMajor = 4
	pvVersionMinor = 13
)

// Leaf base+4 feature bits (spec §4.2).
const (
	featX2APICVirt    uint32 = 1 << 0
	featVCPUIDPresent uint32 = 1 << 1
	featDomIDPresent  uint32 = 1 << 2
)

// HypercallPageMSR and SelfIPIMSR are the MSR indices the shim
// installs write handlers for (spec §4.1, §6).
const (
	HypercallPageMSR  uint32 = 0xC0000500
	SelfIPIMSR        uint32 = 0x83F
	TSCDeadlineMSR    uint32 = 0x6E0
)

// trampolineCount is "55 identical 32-byte trampolines" (spec §4.2).
const (
	trampolineCount = 55
	trampolineSize  = 32
)

// buildTrampolinePage writes trampolineCount trampolines of the form
// B8 ii 00 00 00  0F 01 C1  C3 (MOV EAX, ii; VMCALL; RET) into page,
// one every trampolineSize bytes (spec §4.2, §8 "Trampoline page").
func buildTrampolinePage(page *[4096]byte) {
	for i := 0; i < trampolineCount; i++ {
		off := i * trampolineSize
		page[off+0] = 0xB8
		page[off+1] = byte(i)
		page[off+2] = 0x00
		page[off+3] = 0x00
		page[off+4] = 0x00
		page[off+5] = 0x0F
		page[off+6] = 0x01
		page[off+7] = 0xC1
		page[off+8] = 0xC3
	}
}
