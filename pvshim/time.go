package pvshim

import (
	"math/bits"

	"example.com/v-architect/pvshim/host"
)

// TSCToNS converts a TSC tick count to nanoseconds: ns = ((ticks <<
// shift) * mul) >> 32 (spec §3). The multiply is carried out as a full
// 128-bit product (math/bits.Mul64) because ticks can range up to 2^48
// (spec §8) and mul is itself up to 32 bits wide — a plain uint64*uint32
// multiply can overflow before the final shift. No third-party library
// in the example pack offers fixed-point 64x64->128 arithmetic; this is
// exactly the class of infrastructure-level numeric code the stdlib is
// the right tool for (see DESIGN.md).
func TSCToNS(ticks uint64, shift uint8, mul uint32) uint64 {
	hi, lo := bits.Mul64(ticks<<shift, uint64(mul))
	return (hi << 32) | (lo >> 32)
}

// NSToTSC converts nanoseconds to a TSC tick count: ticks = ((ns <<
// 32) / mul) >> shift (spec §3), again via a 128-bit intermediate.
func NSToTSC(ns uint64, shift uint8, mul uint32) uint64 {
	hi := ns >> 32
	lo := ns << 32
	quo, _ := bits.Div64(hi, lo, uint64(mul))
	return quo >> shift
}

// now returns the shim's current PV-clock reading in nanoseconds
// (kernel vcpu_time_info.system_time), without mutating state.
func (s *Shim) now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemTime
}

// InitSharedInfo maps the guest's shared_info page, seeds the kernel
// vcpu_time_info and the wall clock from the domain's start-of-day
// snapshot, and registers the per-resume delegate (spec §4.4).
func (s *Shim) InitSharedInfo(gpfn uint64) error {
	m, err := host.MapGPA4K[SharedInfo](s.h, gpfn<<12)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sharedInfo = m
	s.shinfoGPFN = gpfn

	tsc := s.h.ReadTSC()
	s.tscTimestamp = tsc

	sod := s.dom.SODInfo()
	deltaNS := TSCToNS(tsc-sod.TSC, s.tsc.TSCShift, s.tsc.TSCMul)
	s.systemTime = deltaNS

	info, bound := s.sharedInfo.Get()
	if bound {
		vti := &info.VCPUTime[s.identity.VCPUID]
		beginSeqWrite(&vti.Version)
		vti.TSCTimestamp = tsc
		vti.SystemTime = s.systemTime
		vti.TSCToSystemMul = s.tsc.TSCMul
		vti.TSCShift = int8(s.tsc.TSCShift)
		vti.Flags = TSCStableBit
		endSeqWrite(&vti.Version)

		s.writeWallclockLocked(info, sod, deltaNS)
	}
	s.mu.Unlock()

	s.h.RegisterResumeHandler(func(_ host.VCPU) {
		s.UpdateRunstate(RunstateRunning)
		s.stealPETTicksOnResume()
	})
	return nil
}

// writeWallclockLocked derives shared_info's wall clock from the
// domain's start-of-day {tsc, wc_sec, wc_nsec} plus the TSC delta to
// now, and writes it under the sequence lock (spec §4.4). Caller must
// hold s.mu.
func (s *Shim) writeWallclockLocked(info *SharedInfo, sod host.SODInfo, deltaNS uint64) {
	beginSeqWrite(&info.WCVersion)
	total := uint64(sod.WCSec)*1_000_000_000 + uint64(sod.WCNsec) + deltaNS
	info.WCSec = uint32(total / 1_000_000_000)
	info.WCNsec = uint32(total % 1_000_000_000)
	info.WCSecHi = uint32(uint64(sod.WCSec) >> 32)
	endSeqWrite(&info.WCVersion)
}

// UpdateRunstate advances the kernel vcpu_time_info to "now", mirrors
// it into the user vcpu_time_info if registered, then adjusts the
// runstate accounting (spec §4.4). Each of the three sub-updates
// short-circuits if its target page is not bound.
func (s *Shim) UpdateRunstate(newState uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, bound := s.sharedInfo.Get(); bound {
		tsc := s.h.ReadTSC()
		deltaNS := TSCToNS(tsc-s.tscTimestamp, s.tsc.TSCShift, s.tsc.TSCMul)
		s.systemTime += deltaNS
		s.tscTimestamp = tsc

		vti := &info.VCPUTime[s.identity.VCPUID]
		beginSeqWrite(&vti.Version)
		vti.TSCTimestamp = tsc
		vti.SystemTime = s.systemTime
		endSeqWrite(&vti.Version)

		if user, ok := s.userVTI.Get(); ok {
			beginSeqWrite(&user.Version)
			user.TSCTimestamp = tsc
			user.SystemTime = s.systemTime
			user.TSCToSystemMul = vti.TSCToSystemMul
			user.TSCShift = vti.TSCShift
			user.Flags = vti.Flags
			endSeqWrite(&user.Version)
		}
	}

	s.rs.time[s.rs.state] += s.systemTime - s.rs.stateEntryTime
	s.rs.state = newState
	s.rs.stateEntryTime = s.systemTime

	if rsInfo, ok := s.runstateInfo.Get(); ok {
		s.rs.mirror(rsInfo, s.runstateAssist)
	}
}

// UpdateWallclock applies platform_op(settime64) (spec §4.3, §4.4):
// wc_sec/wc_nsec/wc_sec_hi are derived from secs+nsecs-system_time,
// with the nanosecond remainder carried into wc_nsec, written under
// the wall clock's sequence lock.
func (s *Shim) UpdateWallclock(sst SettTime64) int64 {
	if sst.Mbz != 0 {
		return ErrnoEINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, bound := s.sharedInfo.Get()
	if !bound {
		return ErrnoEINVAL
	}

	beginSeqWrite(&info.WCVersion)
	totalNS := uint64(sst.Secs)*1_000_000_000 + uint64(sst.Nsecs) - sst.SystemTime
	info.WCSec = uint32(totalNS / 1_000_000_000)
	info.WCNsec = uint32(totalNS % 1_000_000_000)
	info.WCSecHi = uint32(uint64(sst.Secs) >> 32)
	endSeqWrite(&info.WCVersion)
	return ErrnoOK
}
