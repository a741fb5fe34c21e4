package pvshim

import "sync/atomic"

// Sequence-lock discipline shared by shared_info.wc_version, kernel/user
// vcpu_time_info.version, and (via the atomic-update-bit variant below)
// vcpu_runstate_info.state_entry_time (spec §3, §5):
//
//	(i)   bump the version (odd = in-progress)
//	(ii)  write-barrier
//	(iii) mutate
//	(iv)  write-barrier
//	(v)   bump the version again
//
// atomic.*Uint32/64 store/load already carry the acquire/release
// semantics Go's memory model gives those operations, so "write-barrier"
// here is simply "use the atomic accessor" rather than a plain field
// store — no explicit runtime barrier call is needed or available in
// portable Go.

// beginSeqWrite marks an update in progress: version goes from an even
// value v to v+1 (odd).
func beginSeqWrite(version *uint32) {
	atomic.AddUint32(version, 1)
}

// endSeqWrite closes out an update: version goes from v+1 back to v+2
// (even), so every successful update produces a version delta of +2.
func endSeqWrite(version *uint32) {
	atomic.AddUint32(version, 1)
}

// readSeqBegin returns the current version for a reader. Per spec §3/§8,
// a reader must retry if the version is odd (update in progress) or has
// changed since readSeqBegin was called.
func readSeqBegin(version *uint32) uint32 {
	return atomic.LoadUint32(version)
}

// seqIsStable reports whether a read started at `start` is valid: the
// version must be even and unchanged.
func seqIsStable(version *uint32, start uint32) bool {
	return start%2 == 0 && atomic.LoadUint32(version) == start
}

// beginRunstateUpdate / endRunstateUpdate implement the atomic-update-bit
// protocol (spec §3, §4.4): set a high bit, barrier, OR in the real
// time, barrier, clear the bit, barrier. Used only when runstate_assist
// is enabled; otherwise callers do a plain atomic store.
func beginRunstateUpdate(stateEntryTime *uint64) {
	atomic.StoreUint64(stateEntryTime, atomic.LoadUint64(stateEntryTime)|runstateUpdateBit)
}

func endRunstateUpdate(stateEntryTime *uint64, now uint64) {
	atomic.StoreUint64(stateEntryTime, now|runstateUpdateBit)
	atomic.StoreUint64(stateEntryTime, now)
}
