package pvshim

import (
	"log"

	"example.com/v-architect/pvshim/host"
)

// nmiVector is passed through untouched; every other vector trapped
// while exception intercepts are armed is logged and considered
// handled (spec §4.2).
const nmiVector uint8 = 2

// onException logs vector, RIP, and the 32 bytes at RIP, then reports
// the exception as handled so the host framework clears its exception
// bitmap entry for this vector (spec §4.2). NMI is left unhandled so
// the host framework delivers it normally.
func (s *Shim) onException(h host.VCPU, vector uint8) bool {
	if vector == nmiVector {
		return false
	}

	rip := h.RIP()
	var dump [32]byte
	if m, err := host.MapGVA4K[[32]byte](h, rip); err == nil {
		if b, ok := m.Get(); ok {
			dump = *b
		}
		m.Release()
	}

	log.Printf("pvshim: vcpu %d exception vector 0x%x at rip 0x%x, bytes: % x",
		s.Identity().VCPUID, vector, rip, dump)
	return true
}
