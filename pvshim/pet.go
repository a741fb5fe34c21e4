package pvshim

import "example.com/v-architect/pvshim/host"

// VIRQTimer is the event-channel virtual interrupt the preemption
// timer delivers on fire (spec §4.5). Decoding the rest of the VIRQ
// namespace is delegated to the event-channel sub-service (spec §1);
// the shim only ever queues this one VIRQ itself.
const VIRQTimer uint32 = 0

// onVMExit captures tsc_at_exit if the preemption timer is armed (spec
// §4.5). Registered once, on first PET arm, as the host framework's
// generic exit handler.
func (s *Shim) onVMExit(_ host.VCPU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.petEnabled {
		s.tscAtExit = s.h.ReadTSC()
	}
}

// stealPETTicksOnResume reduces the remaining programmed PET ticks by
// however many were stolen between the matching exit and this resume,
// floored at 0, and reprograms the timer (spec §4.5, §8 "Steal
// invariant"). tscAtExit == 0 disables stealing (construction/init
// guard — a real exit always captures a nonzero TSC).
func (s *Shim) stealPETTicksOnResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.petEnabled || s.tscAtExit == 0 {
		return
	}
	stolenTSC := s.h.ReadTSC() - s.tscAtExit
	stolenPET := stolenTSC >> s.tsc.PETShift
	if stolenPET > s.petRemaining {
		s.petRemaining = 0
	} else {
		s.petRemaining -= stolenPET
	}
	s.tscAtExit = 0
	s.h.SetPreemptionTimer(s.petRemaining)
}

// queueVIRQTimer marks VIRQ_TIMER pending and raises the guest's
// registered callback vector, if any, through the event-channel upcall
// (spec §4.5, §4.6).
func (s *Shim) queueVIRQTimer() {
	s.mu.Lock()
	vector := s.callbackVector
	s.pendingVIRQTimer++
	s.mu.Unlock()

	if vector != 0 {
		s.h.QueueUpcall(vector)
	}
}

// onPETFire disables the timer and queues VIRQ_TIMER on this vCPU's
// event channel exactly once (spec §4.5, §8 "Single-shot timer
// accuracy").
func (s *Shim) onPETFire(_ host.VCPU) {
	s.mu.Lock()
	s.petEnabled = false
	s.h.DisablePreemptionTimer()
	s.mu.Unlock()

	s.queueVIRQTimer()
}

// armPET programs and enables the preemption timer for petTicks,
// marking pet_enabled (spec §4.3 vcpu_op(set_singleshot_timer)).
// Installs the fire and exit handlers on first use; later calls only
// reprogram the already-armed timer.
func (s *Shim) armPET(petTicks uint64) {
	s.mu.Lock()
	s.petRemaining = petTicks
	s.petEnabled = true
	s.tscAtExit = 0
	firstTime := !s.petHandlersAdded
	s.petHandlersAdded = true
	s.mu.Unlock()

	s.h.SetPreemptionTimer(petTicks)
	s.h.EnablePreemptionTimer()

	if firstTime {
		s.h.RegisterPreemptionTimerHandler(s.onPETFire)
		s.h.RegisterExitHandler(s.onVMExit)
		// The guest kernel only HLTs expecting a timely wake and only
		// programs the APIC TSC-deadline MSR once it has committed to
		// driving the clock through this timer, so both handlers are
		// installed here rather than at construction.
		s.h.RegisterHLTHandler(s.OnHLT)
		s.h.RegisterMSRWriteHandler(TSCDeadlineMSR, func(host.VCPU, uint64) {})
	}
}

// disablePET disarms the preemption timer (spec §4.3
// vcpu_op(stop_singleshot_timer)).
func (s *Shim) disablePET() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.petEnabled = false
	s.tscAtExit = 0
	s.h.DisablePreemptionTimer()
}
