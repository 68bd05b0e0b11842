// Package kmain wires the stub together: it primes the physical memory
// tracker from the firmware memory map, discovers the firmware tables,
// loads the embedded executable into a fresh address space and hands over
// control through the switch gateway.
package kmain

import (
	"revmstub/device/acpi/table"
	"revmstub/firmware/multiboot"
	"revmstub/kernel"
	"revmstub/kernel/console"
	"revmstub/kernel/gate"
	"revmstub/kernel/kfmt"
	"revmstub/kernel/mm"
	"revmstub/kernel/mm/pmm"
	"revmstub/loader"
	"revmstub/stubapi"
)

// BootConfig carries the platform inputs of one boot: raw memory access,
// the firmware memory map, the blob section embedded in the stub image
// and the dispatcher bridge address published to the trampoline.
type BootConfig struct {
	Mem         mm.PhysMem
	MemoryMap   []stubapi.MemoryDescriptor
	BlobSection []byte

	StubDispatcher uint64
	Arch           stubapi.ArchTable
}

// Boot runs the stub's main sequence and returns the executable's exit
// status.
func Boot(cfg BootConfig) (stubapi.Status, *kernel.Error) {
	allocator := pmm.New(cfg.Mem)
	allocator.Initialize(cfg.MemoryMap)
	allocator.PrintMemoryMap()

	blob, err := loader.ExtractBlob(cfg.BlobSection)
	if err != nil {
		return 0, err
	}

	space, entry, imagePhys, imageVirt, err := loader.Load(blob, cfg.Mem, allocator)
	if err != nil {
		return 0, err
	}
	defer space.Destroy()

	sw, err := gate.NewSwitch(gate.Config{
		Mem:            cfg.Mem,
		Allocator:      allocator,
		Space:          space,
		EntryPoint:     entry,
		ImagePhys:      imagePhys,
		ImageVirt:      imageVirt,
		Arch:           cfg.Arch,
		StubDispatcher: cfg.StubDispatcher,
	})
	if err != nil {
		return 0, err
	}
	defer sw.Destroy()

	return sw.Run(), nil
}

// Kmain is the stub entry point on multiboot platforms. The bootloader
// hands over the multiboot information block; the platform adapter has
// already installed the gate bridges.
//
// Kmain does not return: the executable either takes over the machine or
// its exit halts the stub.
func Kmain(multibootInfo []byte, blobSection []byte) {
	cons := console.NewVgaText(80, 25)
	kfmt.SetOutputSink(cons)

	multiboot.SetInfo(multibootInfo)

	mem := mm.IdentityMem{}
	pointers := table.Discover(mem)

	status, err := Boot(BootConfig{
		Mem:         mem,
		MemoryMap:   multiboot.MemoryDescriptors(),
		BlobSection: blobSection,
		Arch: stubapi.ArchTable{
			RSDP:     pointers.RSDP,
			XSDP:     pointers.XSDP,
			SMBIOS32: pointers.SMBIOS32,
			SMBIOS64: pointers.SMBIOS64,
		},
	})
	if err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("[kmain] executable exited with status %s\n", status.String())
	kfmt.Panic(nil)
}
