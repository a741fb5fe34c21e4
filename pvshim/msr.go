package pvshim

import "example.com/v-architect/pvshim/host"

// onHypercallPageMSRWrite installs the trampoline page at the guest
// physical frame the guest wrote to HypercallPageMSR (spec §4.1,
// §4.2): value is the destination page's guest-physical address (its
// low 12 bits are ignored), one page, written once and never read back
// by the shim afterward.
func (s *Shim) onHypercallPageMSRWrite(h host.VCPU, value uint64) {
	gpfn := value >> 12
	m, err := host.MapGPA4K[[4096]byte](h, gpfn<<12)
	if err != nil {
		return
	}
	defer m.Release()

	page, bound := m.Get()
	if !bound {
		return
	}
	buildTrampolinePage(page)
}

// onSelfIPIMSRWrite emulates a guest write to the x2APIC self-IPI MSR
// by immediately queuing the named vector back onto this vCPU (spec
// §4.6 "self-IPI register"). Only the low byte (the vector) is
// meaningful.
func (s *Shim) onSelfIPIMSRWrite(h host.VCPU, value uint64) {
	h.QueueUpcall(uint8(value))
}
