//go:build !amd64

package core_engine

import "time"

// ReadTSC falls back to a monotonic nanosecond clock scaled to look
// like a ~1GHz counter on platforms without RDTSC. Only amd64 guests
// are a realistic PV-on-HVM target, so this exists purely so the
// package builds elsewhere.
func ReadTSC() uint64 {
	return uint64(time.Now().UnixNano())
}
