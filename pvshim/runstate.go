package pvshim

// runstateTracker is the shim's local runstate accounting (spec §3,
// §4.4): running/runnable/blocked/offline time split, independent of
// whether the guest has registered a vcpu_runstate_info page — the
// guest-visible mirror in runstateInfo is written only when bound, but
// the accounting itself is unconditional so the "sum(time) equals
// elapsed time since vCPU start" invariant (spec §8) holds regardless.
type runstateTracker struct {
	state          uint32
	stateEntryTime uint64
	time           [4]uint64
}

// mirror writes the tracker's current state into the guest-visible
// vcpu_runstate_info page, if bound, using the atomic-update-bit
// protocol when runstate_assist is enabled (spec §3, §4.4) or a plain
// store otherwise.
func (rs *runstateTracker) mirror(info *VCPURunstateInfo, assist bool) {
	if assist {
		beginRunstateUpdate(&info.StateEntryTime)
	}
	info.State = rs.state
	info.Time = rs.time
	if assist {
		endRunstateUpdate(&info.StateEntryTime, rs.stateEntryTime)
	} else {
		info.StateEntryTime = rs.stateEntryTime
	}
}
