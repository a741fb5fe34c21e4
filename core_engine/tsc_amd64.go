//go:build amd64

package core_engine

// rdtsc is implemented in tsc_amd64.s.
func rdtsc() uint64

// ReadTSC returns the host's current timestamp-counter value via the
// RDTSC instruction (spec §3, §4.4, §4.5: every ns/PET-tick conversion
// is anchored to this). No pack library exposes RDTSC from Go; reading
// it requires either cgo or a hand-written assembly stub, and the
// examples that touch CPU intrinsics this directly (runtime-adjacent
// packages) ship a small per-arch .s file rather than reach for cgo.
func ReadTSC() uint64 {
	return rdtsc()
}
