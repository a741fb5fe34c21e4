package host

import "unsafe"

// Mapping is a weak, revocable reference to guest-visible memory (spec
// §3 "Ownership"): a typed view over a page mapped through the host
// framework's GPA/GVA mapping facility. The zero value is a valid,
// unbound mapping (Get reports false).
type Mapping[T any] struct {
	ptr     *T
	release func()
}

// Get returns the mapped value and true, or (nil, false) if the
// mapping was never bound or has since been released.
func (m *Mapping[T]) Get() (*T, bool) {
	if m == nil || m.ptr == nil {
		return nil, false
	}
	return m.ptr, true
}

// Release drops the mapping. Safe to call on an unbound or already
// released mapping.
func (m *Mapping[T]) Release() {
	if m == nil {
		return
	}
	if m.release != nil {
		m.release()
		m.release = nil
	}
	m.ptr = nil
}

// MapGPA4K maps a 4 KiB guest-physical page as *T (spec §6
// map_gpa_4k<T>(addr)). T must fit within 4096 bytes; callers pass
// fixed-size ABI structs (SharedInfo, VCPUTimeInfo, ...).
func MapGPA4K[T any](v VCPU, addr uint64) (*Mapping[T], error) {
	ptr, release, err := v.MapGPARaw(addr, 4096)
	if err != nil {
		return nil, err
	}
	return &Mapping[T]{ptr: (*T)(ptr), release: release}, nil
}

// MapGVA4K maps up to a 4 KiB guest-virtual range as *T (spec §6
// map_gva_4k<T>(addr, len)); len is taken from unsafe.Sizeof(T).
func MapGVA4K[T any](v VCPU, addr uint64) (*Mapping[T], error) {
	var zero T
	size := unsafe.Sizeof(zero)
	ptr, release, err := v.MapGVARaw(addr, size)
	if err != nil {
		return nil, err
	}
	return &Mapping[T]{ptr: (*T)(ptr), release: release}, nil
}
