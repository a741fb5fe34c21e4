package pvshim

import "example.com/v-architect/pvshim/host"

// consoleIOBufSize bounds a single console_io hypercall's transfer
// (spec §4.7): the impersonated ABI caps count at one page.
const consoleIOBufSize = 4096

// ConsoleIO handles hypercall(console_io, cmd, count, gva) (spec
// §4.7). Only the init domain may use the console; every other domain
// gets EACCES, matching the rest of the shim's init-domain-only
// sub-services.
func (s *Shim) ConsoleIO(h host.VCPU, cmd uint32, count uint32, gva uint64) int64 {
	if !s.dom.InitDom() {
		return ErrnoEACCES
	}
	if count > consoleIOBufSize {
		count = consoleIOBufSize
	}

	m, err := host.MapGVA4K[[consoleIOBufSize]byte](h, gva)
	if err != nil {
		return ErrnoEINVAL
	}
	defer m.Release()

	buf, bound := m.Get()
	if !bound {
		return ErrnoEINVAL
	}

	switch cmd {
	case consoleIORead:
		n, err := s.dom.HVCRxGet(buf[:count])
		if err != nil {
			return ErrnoEINVAL
		}
		return int64(n)
	case consoleIOWrite:
		n, err := s.dom.HVCTxPut(buf[:count])
		if err != nil {
			return ErrnoEINVAL
		}
		return int64(n)
	default:
		return ErrnoENOSYS
	}
}
