package pvshim

import "example.com/v-architect/pvshim/host"

// hltYieldMicrosecondsPerMillisecond is the scale factor in the yield
// budget formula (pet << pet_shift) * 1000 / tsc_khz (spec §4.6): the
// PET tick count, once converted back to TSC ticks, is a tsc_khz-scaled
// count of thousandths of a millisecond, so multiplying by 1000 before
// dividing by tsc_khz yields microseconds.
const hltYieldMicrosecondsPerMillisecond = 1000

// OnHLT runs on KVM_EXIT_HLT (spec §4.6). If the guest has interrupts
// disabled (RFLAGS.IF == 0) the host's own HLT handling applies
// unmodified — the shim declines the exit. Otherwise it advances past
// the HLT, queues the timer VIRQ, transitions runstate to BLOCKED,
// clears the interrupt shadow, computes a yield budget in microseconds
// from the remaining PET ticks, saves XSTATE, loads the parent vCPU,
// and returns a yield-for-N-µs exit.
func (s *Shim) OnHLT(h host.VCPU) bool {
	const rflagsIF = 1 << 9
	if h.RFlags()&rflagsIF == 0 {
		return false
	}

	h.AdvancePastInstruction(1)
	s.queueVIRQTimer()

	s.UpdateRunstate(RunstateBlocked)
	h.ClearInterruptShadow()

	us := s.hltYieldMicroseconds(h)

	h.SaveXState()
	parent := h.ParentVCPU()
	parent.Load()
	parent.ReturnYield(us)
	return true
}

// hltYieldMicroseconds computes (pet << pet_shift) * 1000 / tsc_khz
// (spec §4.6): the remaining PET ticks, converted back to raw TSC
// ticks, scaled to microseconds at the configured TSC frequency.
func (s *Shim) hltYieldMicroseconds(h host.VCPU) uint64 {
	petTicks := h.GetPreemptionTimer()
	s.mu.Lock()
	tscKHz := s.tsc.TSCKHz
	petShift := s.tsc.PETShift
	s.mu.Unlock()
	if tscKHz == 0 {
		return 0
	}
	return (petTicks << petShift) * hltYieldMicrosecondsPerMillisecond / tscKHz
}

// OnExternalInterrupt routes a physical interrupt vector raised for
// this vCPU's assigned device(s) (spec §4.6). If the vector belongs to
// a guest-owned MSI-capable device, the device's target vCPU decides
// routing: this vCPU queues it locally, any other vCPU gets it pushed
// to its pending list via the parent framework. If no guest MSI
// matches, the interrupt is delivered through the save/queue/yield
// path: save XSTATE, transition to RUNNABLE, load the parent vCPU,
// queue the vector, and return to the parent with a resume-after-
// interrupt exit.
func (s *Shim) OnExternalInterrupt(h host.VCPU, vector uint8) {
	parent := h.ParentVCPU()

	if match, ok := parent.FindGuestMSI(vector); ok {
		if match.TargetVCPUID == s.identity.VCPUID {
			parent.QueueExternalInterrupt(vector)
		} else {
			parent.PushExternalInterrupt(vector)
		}
		return
	}

	h.SaveXState()
	s.UpdateRunstate(RunstateRunnable)
	parent.Load()
	parent.QueueExternalInterrupt(vector)
	parent.ReturnResumeAfterInterrupt()
}
