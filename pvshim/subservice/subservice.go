// Package subservice holds the narrow-interface stub handlers for the
// hypercall sub-services whose individual request decoding spec.md §1
// explicitly scopes out (memory_op, xen_version, event_channel_op,
// grant_table_op, sysctl/domctl, physdev_op, xsm_op). Each returns
// ENOSYS for every sub-op (VersionOp answers sub-op 0) without
// inspecting its arguments; the dispatcher hands that errno back to
// the guest like any other result (spec §7). Depends only on host so
// pvshim.Dispatch can construct these without an import cycle.
package subservice

import "example.com/v-architect/pvshim/host"

// Errno mirrors the negative-errno convention (spec §7); duplicated
// here rather than imported from pvshim to keep this package
// dependency-free of it.
const (
	ErrnoEACCES int64 = -13
	ErrnoENOSYS int64 = -38
)

// Op is the narrow interface every sub-service handler implements.
// subop is the operation's own sub-op number; a1-a3 are its
// already-dereferenced argument words (decoding any guest pointer
// argument is the caller's job, via host.MapGVA4K, before calling
// Handle).
type Op interface {
	Handle(h host.VCPU, subop uint32, a1, a2, a3 uint64) int64
}

// MemoryOp stubs hypercall(memory_op, ...) (spec §4.3).
type MemoryOp struct{}

func (MemoryOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// VersionOp answers hypercall(xen_version, ...) (spec §4.3):
// sub-op 0 (version) returns the same packed major/minor CPUID leaf
// base+1 reports; everything else is undecoded.
type VersionOp struct {
	Major, Minor uint32
}

const versionOpVersion = 0

func (v VersionOp) Handle(_ host.VCPU, subop uint32, _, _, _ uint64) int64 {
	if subop == versionOpVersion {
		return int64(v.Major<<16 | v.Minor)
	}
	return ErrnoENOSYS
}

// EvtchnOp stubs hypercall(event_channel_op, ...) (spec §4.3); the
// event-channel pending/mask bit state machine itself is out of scope
// (spec §1).
type EvtchnOp struct{}

func (EvtchnOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// GnttabOp stubs hypercall(grant_table_op, ...) (spec §4.3).
type GnttabOp struct{}

func (GnttabOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// SysctlOp stubs hypercall(sysctl, ...); privileged, init-domain-only
// (spec §4.3, §7 "internal guard failures" — the dispatcher calls
// Handle for every domain and replaces its result with EACCES for a
// non-init domain, so this never needs to reject on its own).
type SysctlOp struct{}

func (SysctlOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// DomctlOp stubs hypercall(domctl, ...); same privilege shape as
// SysctlOp.
type DomctlOp struct{}

func (DomctlOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// PhysdevOp stubs hypercall(physdev_op, ...) (spec §4.3).
type PhysdevOp struct{}

func (PhysdevOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}

// XsmOp stubs hypercall(xsm_op, ...); init-domain-only like SysctlOp.
type XsmOp struct{}

func (XsmOp) Handle(_ host.VCPU, _ uint32, _, _, _ uint64) int64 {
	return ErrnoENOSYS
}
