// Command pvshimd boots a guest kernel image under core_engine's KVM
// VMM with a pvshim.Shim wired onto each vCPU, impersonating a
// paravirtual hypervisor ABI in front of a guest that expects to run
// under it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"example.com/v-architect/core_engine"
	"example.com/v-architect/core_engine/hostadapter"
	"example.com/v-architect/pvshim"
)

func main() {
	var (
		kernelPath = flag.String("kernel", "", "path to the guest kernel image (required)")
		memMB      = flag.Uint64("mem", 128, "guest memory size in MiB")
		numVCPUs   = flag.Int("vcpus", 1, "number of guest vCPUs")
		tscKHz     = flag.Uint64("tsc-khz", 0, "host TSC frequency in kHz (0 selects the 2 GHz default)")
		petShift   = flag.Uint("pet-shift", 4, "preemption-timer tick shift (TSC ticks per PET tick = 1<<shift)")
		legacyBoot = flag.Bool("legacy-boot", false, "load kernel as a flat protected-mode image instead of a PV-on-HVM kernel")
		debug      = flag.Bool("debug", false, "enable verbose VMM logging")
	)
	flag.Parse()

	if *kernelPath == "" {
		fmt.Fprintln(os.Stderr, "pvshimd: -kernel is required")
		os.Exit(2)
	}

	if err := run(*kernelPath, *memMB, *numVCPUs, *tscKHz, uint8(*petShift), *legacyBoot, *debug); err != nil {
		log.Fatalf("pvshimd: %v", err)
	}
}

func run(kernelPath string, memMB uint64, numVCPUs int, tscKHz uint64, petShift uint8, legacyBoot, debug bool) error {
	vm, err := core_engine.NewVirtualMachine(memMB*1024*1024, numVCPUs, tscKHz, debug)
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer vm.Close()

	if legacyBoot {
		if err := vm.LoadLegacyBootImage(kernelPath); err != nil {
			return fmt.Errorf("load legacy boot image: %w", err)
		}
	} else {
		image, err := os.ReadFile(kernelPath)
		if err != nil {
			return fmt.Errorf("read kernel image: %w", err)
		}
		if err := vm.LoadBinary(image, 0x100000); err != nil {
			return fmt.Errorf("load kernel image: %w", err)
		}
	}

	alloc := pvshim.NewDomIDAllocator()
	shims := make([]*pvshim.Shim, numVCPUs)
	domains := make([]*hostadapter.Domain, numVCPUs)

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := vm.GetVCPU(i)
		if err != nil {
			return fmt.Errorf("get vcpu %d: %w", i, err)
		}
		adapted := hostadapter.New(vcpu)

		sodTSC := adapted.ReadTSC()
		dom := hostadapter.NewDomain(vm, uint32(i), i == 0, os.Stdout, os.Stdin, sodTSC, 0, 0)
		domains[i] = dom

		shim, err := pvshim.New(adapted, dom, effectiveTSCKHz(tscKHz), petShift, alloc)
		if err != nil {
			return fmt.Errorf("construct pvshim for vcpu %d: %w", i, err)
		}
		shims[i] = shim
	}
	defer func() {
		for _, dom := range domains {
			dom.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log.Printf("pvshimd: booting %d vCPU(s), %dMiB, kernel=%s", numVCPUs, memMB, kernelPath)
	return vm.Run(ctx)
}

// effectiveTSCKHz mirrors core_engine.NewVirtualMachine's own
// zero-means-default handling, so pvshim.New's tscKHz matches whatever
// the VM actually ended up running with.
func effectiveTSCKHz(tscKHz uint64) uint64 {
	if tscKHz == 0 {
		return 2_000_000
	}
	return tscKHz
}
