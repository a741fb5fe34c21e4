package pvshim

import (
	"example.com/v-architect/pvshim/host"
	"example.com/v-architect/pvshim/subservice"
)

// Sub-service handlers are stateless and shared across every Shim;
// only versionOp carries shim-independent configuration (the
// impersonated version number, spec §4.2/§4.3 parity).
var (
	memoryOpHandler  = subservice.MemoryOp{}
	versionOpHandler = subservice.VersionOp{Major: pvVersionMajor, Minor: pvVersionMinor}
	evtchnOpHandler  = subservice.EvtchnOp{}
	gnttabOpHandler  = subservice.GnttabOp{}
	sysctlOpHandler  = subservice.SysctlOp{}
	domctlOpHandler  = subservice.DomctlOp{}
	physdevOpHandler = subservice.PhysdevOp{}
	xsmOpHandler     = subservice.XsmOp{}
)

const vmcallInstrLen = 3 // 0F 01 C1

// Dispatch is the VMCALL handler installed on every vCPU (spec §4.1,
// §4.3): reads the hypercall number from RAX and its first three
// arguments from RDI/RSI/RDX, switches on the number exactly per the
// spec's hypercall table, writes the negative-errno (or 0) result back
// to RAX, and advances RIP past the VMCALL. An unrecognized hypercall
// number is reported as not handled — RAX and RIP are left untouched
// so the host delivers a fault, rather than synthesizing an errno for
// a number the impersonated hypervisor never defined. A recognized
// number whose sub-operation is invalid or unimplemented still returns
// a guest-facing errno through RAX, same as any other result. A panic
// surfacing from argument mapping anywhere below this point is
// translated into EINVAL rather than propagating into the host
// framework's exit loop (spec §7 "Exceptions as control flow") — a
// last-resort backstop, since the common path already reports mapping
// failures as Go errors.
func (s *Shim) Dispatch(h host.VCPU) (handled bool) {
	defer func() {
		if recover() != nil {
			h.SetReg(host.RAX, uint64(ErrnoEINVAL))
			handled = true
		}
	}()

	op := uint32(h.GetReg(host.RAX))
	a1 := h.GetReg(host.RDI)
	a2 := h.GetReg(host.RSI)
	a3 := h.GetReg(host.RDX)

	var result int64
	switch op {
	case hcMemoryOp:
		result = memoryOpHandler.Handle(h, uint32(a1), a2, a3, 0)
	case hcSetTimerOp:
		result = s.setTimerOp(a1)
	case hcXenVersion:
		result = versionOpHandler.Handle(h, uint32(a1), a2, a3, 0)
	case hcConsoleIO:
		result = s.ConsoleIO(h, uint32(a1), uint32(a2), a3)
	case hcGrantTableOp:
		result = gnttabOpHandler.Handle(h, uint32(a1), a2, a3, 0)
	case hcVMAssist:
		result = s.vmAssistOp(uint32(a1), uint32(a2))
	case hcVCPUOp:
		result = s.vcpuOp(h, uint32(a1), a2, a3)
	case hcPlatformOp:
		result = s.platformOp(h, uint32(a1), a2)
	case hcXSMOp:
		result = s.privilegedOnly(xsmOpHandler.Handle(h, uint32(a1), a2, a3, 0))
	case hcEventChannelOp:
		result = evtchnOpHandler.Handle(h, uint32(a1), a2, a3, 0)
	case hcPhysdevOp:
		result = physdevOpHandler.Handle(h, uint32(a1), a2, a3, 0)
	case hcHVMOp:
		result = s.hvmOp(h, uint32(a1), a2)
	case hcSysctl:
		result = s.privilegedOnly(sysctlOpHandler.Handle(h, uint32(a1), a2, a3, 0))
	case hcDomctl:
		result = s.privilegedOnly(domctlOpHandler.Handle(h, uint32(a1), a2, a3, 0))
	default:
		return false
	}

	h.SetReg(host.RAX, uint64(result))
	h.AdvancePastInstruction(vmcallInstrLen)
	return true
}

// privilegedOnly gates a sub-service result behind init-domain-only
// access (spec §4.3 sysctl/domctl/xsm_op, §7 "internal guard
// failures" — this one is guest-facing, not a fatal internal guard, so
// it's surfaced as EACCES rather than killing the vCPU).
func (s *Shim) privilegedOnly(result int64) int64 {
	if !s.dom.InitDom() {
		return ErrnoEACCES
	}
	return result
}

// hvmOp implements hvm_op(set_param/get_param/pagetable_dying) inline
// (spec §4.3): argPtr is the guest-virtual address of a xen_hvm_param_t.
// get_param is intentionally unimplemented (DESIGN.md Open Question 1).
func (s *Shim) hvmOp(h host.VCPU, subop uint32, argPtr uint64) int64 {
	switch subop {
	case hvmOpSetParam:
		m, err := host.MapGVA4K[HVMParam](h, argPtr)
		if err != nil {
			return ErrnoEINVAL
		}
		defer m.Release()
		p, ok := m.Get()
		if !ok {
			return ErrnoEINVAL
		}
		if p.Index != HVMParamCallbackIRQ {
			return ErrnoENOSYS
		}
		if (p.Value>>callbackTypeShift)&0xFF != callbackTypeVector {
			return ErrnoEINVAL
		}
		vector := uint8(p.Value)
		if vector < callbackVectorMin {
			return ErrnoEINVAL
		}
		s.mu.Lock()
		s.callbackVector = vector
		s.mu.Unlock()
		return ErrnoOK
	case hvmOpGetParam:
		return ErrnoENOSYS
	case hvmOpPagetableDying:
		return ErrnoOK
	default:
		return ErrnoENOSYS
	}
}

// platformOp implements platform_op(get_cpuinfo/settime64) inline
// (spec §4.3). argPtr is the guest-virtual address of the sub-op's
// argument struct.
func (s *Shim) platformOp(h host.VCPU, subop uint32, argPtr uint64) int64 {
	switch subop {
	case platformOpGetCPUInfo:
		m, err := host.MapGVA4K[uint32](h, argPtr)
		if err != nil {
			return ErrnoEINVAL
		}
		defer m.Release()
		flags, ok := m.Get()
		if !ok {
			return ErrnoEINVAL
		}
		*flags = cpuInfoFlagOnline
		return ErrnoOK
	case platformOpSetTime64:
		m, err := host.MapGVA4K[SettTime64](h, argPtr)
		if err != nil {
			return ErrnoEINVAL
		}
		defer m.Release()
		sst, ok := m.Get()
		if !ok {
			return ErrnoEINVAL
		}
		return s.UpdateWallclock(*sst)
	default:
		return ErrnoENOSYS
	}
}

// vcpuOp implements vcpu_op (spec §4.3, §4.5): argPtr is the
// guest-virtual address of the sub-op's argument (a time/runstate
// memory area descriptor, or an absolute-deadline timer argument).
// Periodic-timer sub-ops are undecoded — only the single-shot
// preemption timer is implemented (spec §4.5).
func (s *Shim) vcpuOp(h host.VCPU, subop uint32, a2, a3 uint64) int64 {
	switch subop {
	case vcpuOpRegisterVCPUTimeMemoryArea:
		s.mu.Lock()
		bound := s.sharedInfo != nil
		s.mu.Unlock()
		if !bound {
			return ErrnoEINVAL
		}
		m, err := host.MapGVA4K[VCPUTimeInfo](h, a2)
		if err != nil {
			return ErrnoEINVAL
		}
		s.mu.Lock()
		s.userVTI = m
		s.mu.Unlock()
		return ErrnoOK
	case vcpuOpRegisterRunstateMemoryArea:
		m, err := host.MapGVA4K[VCPURunstateInfo](h, a2)
		if err != nil {
			return ErrnoEINVAL
		}
		s.mu.Lock()
		s.runstateInfo = m
		s.mu.Unlock()
		return ErrnoOK
	case vcpuOpSetSingleshotTimer:
		return s.setSingleshotTimer(a2, a3)
	case vcpuOpStopSingleshotTimer:
		s.disablePET()
		return ErrnoOK
	case vcpuOpSetPeriodicTimer, vcpuOpStopPeriodicTimer, vcpuOpGetRunstateInfo:
		return ErrnoENOSYS
	default:
		return ErrnoENOSYS
	}
}

// setSingleshotTimer converts an absolute system-time deadline (ns)
// into remaining PET ticks and arms the timer (spec §4.5). flags
// carries sstFlagFuture: if set and the deadline has already passed,
// the call fails with ETIME rather than firing immediately.
func (s *Shim) setSingleshotTimer(flags, deadlineNS uint64) int64 {
	now := s.now()
	if deadlineNS <= now {
		if uint32(flags)&sstFlagFuture != 0 {
			return ErrnoETIME
		}
		s.armPET(0)
		return ErrnoOK
	}
	ticks := NSToTSC(deadlineNS-now, s.tsc.PETShift, s.tsc.TSCMul)
	s.armPET(ticks)
	return ErrnoOK
}

// setTimerOp implements the legacy direct set_timer_op hypercall
// (spec §4.3): deadlineNS == 0 disarms, matching stop_singleshot_timer.
func (s *Shim) setTimerOp(deadlineNS uint64) int64 {
	if deadlineNS == 0 {
		s.disablePET()
		return ErrnoOK
	}
	return s.setSingleshotTimer(0, deadlineNS)
}

// vmAssistOp implements hypercall(vm_assist, cmd, typ) (spec §4.3):
// only vmAssistTypeRunstateUpdateFlag is recognized, enabling the
// atomic-update-bit protocol on vcpu_runstate_info (spec §4.4).
func (s *Shim) vmAssistOp(cmd, typ uint32) int64 {
	if cmd != vmAssistCmdEnable || typ != vmAssistTypeRunstateUpdateFlag {
		return ErrnoENOSYS
	}
	s.mu.Lock()
	s.runstateAssist = true
	s.mu.Unlock()
	return ErrnoOK
}
