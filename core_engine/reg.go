package core_engine

import "example.com/v-architect/core_engine/hypervisor"

// Reg names the general-purpose registers the registration surface
// exposes to its consumers (core_engine/hostadapter). Mirrors the
// subset of hypervisor.KvmRegs fields the PV dispatcher actually reads.
type Reg int

const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	R8
	R9
)

func readReg(regs *hypervisor.KvmRegs, r Reg) uint64 {
	switch r {
	case RAX:
		return regs.RAX
	case RBX:
		return regs.RBX
	case RCX:
		return regs.RCX
	case RDX:
		return regs.RDX
	case RSI:
		return regs.RSI
	case RDI:
		return regs.RDI
	case R8:
		return regs.R8
	case R9:
		return regs.R9
	default:
		return 0
	}
}

func writeReg(regs *hypervisor.KvmRegs, r Reg, v uint64) {
	switch r {
	case RAX:
		regs.RAX = v
	case RBX:
		regs.RBX = v
	case RCX:
		regs.RCX = v
	case RDX:
		regs.RDX = v
	case RSI:
		regs.RSI = v
	case RDI:
		regs.RDI = v
	case R8:
		regs.R8 = v
	case R9:
		regs.R9 = v
	}
}
