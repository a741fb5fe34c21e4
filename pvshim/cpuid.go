package pvshim

import "example.com/v-architect/pvshim/host"

// cpuidLeaf0 reports the vendor signature and the highest PV leaf
// number (spec §4.2): EAX = PVLeafBase+4, EBX:ECX:EDX = pvSignature.
func (s *Shim) cpuidLeaf0(_ host.VCPU) host.CPUIDResult {
	return host.CPUIDResult{
		EAX: PVLeafBase + 4,
		EBX: leBytesToUint32(pvSignature[0:4]),
		ECX: leBytesToUint32(pvSignature[4:8]),
		EDX: leBytesToUint32(pvSignature[8:12]),
	}
}

// cpuidLeaf1 reports the packed hypervisor version (spec §4.2): EAX =
// (major << 16) | minor.
func (s *Shim) cpuidLeaf1(_ host.VCPU) host.CPUIDResult {
	return host.CPUIDResult{
		EAX: uint32(pvVersionMajor)<<16 | uint32(pvVersionMinor),
	}
}

// cpuidLeaf2 reports the hypercall-transfer-page parameters (spec
// §4.2): EAX = number of hypercall pages (always 1), EBX = the MSR
// index the guest must write to install the trampoline page.
func (s *Shim) cpuidLeaf2(_ host.VCPU) host.CPUIDResult {
	return host.CPUIDResult{
		EAX: 1,
		EBX: HypercallPageMSR,
	}
}

// cpuidLeaf4 reports the feature bitmap plus the stored vcpuid/domid
// (spec §4.2). DomID is always reported present since every Shim
// carries an identity whether or not it's the init domain.
func (s *Shim) cpuidLeaf4(_ host.VCPU) host.CPUIDResult {
	return host.CPUIDResult{
		EAX: featX2APICVirt | featVCPUIDPresent | featDomIDPresent,
		EBX: s.identity.VCPUID,
		ECX: s.identity.DomID,
	}
}

// leBytesToUint32 packs 4 bytes little-endian, matching how CPUID
// callers read EBX/ECX/EDX back apart into an ASCII string (spec
// §4.2).
func leBytesToUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
