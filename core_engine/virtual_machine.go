package core_engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"example.com/v-architect/core_engine/devices"
	"example.com/v-architect/core_engine/hypervisor"
	"example.com/v-architect/core_engine/network"
)

// VirtualMachine represents a KVM-based virtual machine.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	vcpus       []*VCPU

	ioBus          *devices.IOBus
	picDevice      *devices.PICDevice
	pitDevice      *devices.PITDevice
	serialDevice   *devices.SerialPortDevice
	rtcDevice      *devices.RTCDevice
	keyboardDevice *devices.KeyboardDevice
	ne2000Device   *devices.NE2000Device
	tapDevice      *network.TapDevice

	MemorySize uint64
	NumVCPUs   int
	TSCKHz     uint64
	stopChan   chan struct{}
	Debug      bool
}

// NewVirtualMachine creates and initializes a new virtual machine:
// opens /dev/kvm, creates the VM, allocates and registers guest
// memory, wires the port-I/O device model, and creates numVCPUs idle
// VCPUs. It does not load any guest image — call LoadLegacyBootImage
// for the protected-mode bootloader harness, or load a PV-on-HVM
// kernel image through LoadBinary and drive it via pvshim instead.
func NewVirtualMachine(memSize uint64, numVCPUs int, tscKHz uint64, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024
	}
	if numVCPUs == 0 {
		numVCPUs = 1
	}
	if tscKHz == 0 {
		tscKHz = 2_000_000 // 2 GHz, a plausible default host TSC frequency
	}

	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %v", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %v", err)
	}

	guestMem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %v", err)
	}

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %v", err)
	}

	ioBus := devices.NewIOBus()
	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice()

	tap, err := network.NewTapDevice("tap0")
	if err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create TAP device: %w", err)
	}
	guestMAC := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	ne2000 := devices.NewNE2000Device(guestMAC, tap, pic)

	ioBus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, pic)
	ioBus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic)
	ioBus.RegisterDevice(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit)
	ioBus.RegisterDevice(devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit)
	ioBus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial)
	ioBus.RegisterDevice(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard)
	ioBus.RegisterDevice(devices.NE2000_BASE_PORT, devices.NE2000_BASE_PORT+devices.NE2000_PORT_RANGE_SIZE-1, ne2000)

	vm := &VirtualMachine{
		vmFD:           vmFD,
		kvmFD:          kvmFD,
		guestMemory:    guestMem,
		ioBus:          ioBus,
		picDevice:      pic,
		pitDevice:      pit,
		serialDevice:   serial,
		rtcDevice:      rtc,
		keyboardDevice: keyboard,
		ne2000Device:   ne2000,
		tapDevice:      tap,
		MemorySize:     memSize,
		NumVCPUs:       numVCPUs,
		TSCKHz:         tscKHz,
		stopChan:       make(chan struct{}),
		Debug:          enableDebug,
	}

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("failed to create VCPU %d: %v", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	return vm, nil
}

// LoadLegacyBootImage loads the given image file at address 0x0 and calls
// SetupLegacyProtectedMode — the protected-mode bootloader test harness
// this VMM was originally built around. A PV-on-HVM guest kernel never
// needs this: it brings up its own GDT/paging and is driven entirely
// through pvshim instead.
func (vm *VirtualMachine) LoadLegacyBootImage(path string) error {
	program, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := vm.LoadBinary(program, 0x0); err != nil {
		return err
	}
	return vm.SetupLegacyProtectedMode()
}

// SetupLegacyProtectedMode writes a flat GDT and an identity-mapped
// 4MB page directory at their conventional addresses (0x500 and
// 0x1000), for guest images that expect the legacy protected-mode
// bring-up LoadLegacyBootImage provides.
func (vm *VirtualMachine) SetupLegacyProtectedMode() error {
	gdtBaseAddress := uint64(0x500)
	gdt := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF),
	}
	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}
	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		return fmt.Errorf("GDT too large for guest memory")
	}
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)

	pageDirectoryBaseAddress := uint64(0x1000)
	pdeFlags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pdeEntry := hypervisor.NewPDE4MB(0x0, pdeFlags)
	if len(vm.guestMemory) < int(pageDirectoryBaseAddress+4) {
		return fmt.Errorf("not enough guest memory for page directory")
	}
	vm.guestMemory[pageDirectoryBaseAddress+0] = byte(pdeEntry >> 0)
	vm.guestMemory[pageDirectoryBaseAddress+1] = byte(pdeEntry >> 8)
	vm.guestMemory[pageDirectoryBaseAddress+2] = byte(pdeEntry >> 16)
	vm.guestMemory[pageDirectoryBaseAddress+3] = byte(pdeEntry >> 24)

	if vm.Debug {
		log.Printf("VirtualMachine: GDT at 0x%x, page directory at 0x%x.", gdtBaseAddress, pageDirectoryBaseAddress)
	}
	return nil
}

// LoadBinary loads an image into guest memory at address, without any
// of LoadLegacyBootImage's GDT/paging bring-up.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// mapGuestMemory returns a pointer into the VM's backing mmap for a
// guest-physical range (spec §6 map_gpa_4k/map_gva_4k): this VMM
// identity-maps all of guest physical memory onto one contiguous
// Go-owned allocation, so mapping is a bounds-checked slice, not a
// separate kernel call.
func (vm *VirtualMachine) mapGuestMemory(addr uint64, size uintptr) (unsafe.Pointer, func(), error) {
	if addr+uint64(size) > vm.MemorySize {
		return nil, nil, fmt.Errorf("guest address range [0x%x, 0x%x) out of bounds (memory size %d)", addr, addr+uint64(size), vm.MemorySize)
	}
	ptr := unsafe.Pointer(&vm.guestMemory[addr])
	return ptr, func() {}, nil
}

// Run starts the execution of all VCPUs and blocks until every one
// exits, returning the first non-nil error any of them reported
// (errgroup.Group propagates this and cancels the group's context on
// the first failure, unlike the teacher's original buffered
// vcpusRunning channel, which the teacher's own comments noted
// couldn't surface a per-vCPU hard error to the caller).
func (vm *VirtualMachine) Run(ctx context.Context) error {
	if vm.Debug {
		log.Println("VirtualMachine: Starting VCPU run loops...")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, vcpu := range vm.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			return vcpu.Run()
		})
	}

	go func() {
		<-ctx.Done()
		vm.Stop()
	}()

	err := g.Wait()
	if vm.Debug {
		log.Println("VirtualMachine: All VCPUs have completed their run loops.")
	}
	return err
}

// Stop signals all VCPUs to stop execution.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: Sending stop signal to VCPUs...")
	}
	select {
	case <-vm.stopChan:
	default:
		close(vm.stopChan)
	}
}

// Close cleans up resources used by the virtual machine.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: Closing...")
	}
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.guestMemory != nil {
		unix.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.tapDevice != nil {
		if err := vm.tapDevice.Close(); err != nil {
			log.Printf("VirtualMachine: error closing TAP device: %v", err)
		}
		vm.tapDevice = nil
	}
	if vm.vmFD != 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// HandleIO is called by VCPU on KVM_EXIT_IO; dispatches to the
// appropriate device via the IOBus.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	if vm.Debug {
		directionStr := "OUT"
		if direction == devices.IODirectionIn {
			directionStr = "IN"
		}
		log.Printf("VM: VCPU %d IO Exit: Port=0x%x, Dir=%s, Size=%d, Count=%d, DataLen=%d\n",
			vcpuID, port, directionStr, size, count, len(data))
	}

	for i := uint32(0); i < count; i++ {
		if len(data) < int(size) {
			return fmt.Errorf("HandleIO: data buffer too small for I/O operation (size %d, buffer %d)", size, len(data))
		}
		if err := vm.ioBus.HandleIO(port, direction, size, data[:size]); err != nil {
			log.Printf("VM: Error handling I/O for VCPU %d on port 0x%x: %v\n", vcpuID, port, err)
			return err
		}
	}
	return nil
}

// InjectInterrupt injects an interrupt into a specific VCPU; called
// by the PIC device model when an IRQ is pending.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return fmt.Errorf("cannot inject interrupt: VCPU ID %d out of range", vcpuID)
	}
	return vm.vcpus[vcpuID].InjectInterrupt(vector)
}

// CheckForPendingInterrupts is called by a VCPU (typically VCPU0) in
// its run loop to check whether the PIC has any pending interrupt to
// inject.
func (vm *VirtualMachine) CheckForPendingInterrupts(vcpuID int) {
	if vcpuID != 0 {
		return
	}
	if vm.picDevice.HasPendingInterrupts() {
		vector := vm.picDevice.GetInterruptVector()
		if vector != 0 {
			if vm.Debug {
				log.Printf("VM: PIC has pending interrupt. Vector: 0x%x. Injecting into VCPU %d.\n", vector, vcpuID)
			}
			if err := vm.InjectInterrupt(vcpuID, vector); err != nil {
				log.Printf("VM: Error injecting interrupt vector 0x%x into VCPU %d: %v\n", vector, vcpuID, err)
			}
		}
	}
}
