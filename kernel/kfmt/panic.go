package kfmt

import (
	"revmstub/kernel"
	"revmstub/kernel/cpu"
)

// cpuHaltFn is used by tests to override the halt that follows a kernel
// panic.
var cpuHaltFn = cpu.Halt

// Panic prints the supplied error and halts the machine. There is no
// recovery path: a stub-side panic means the boot cannot continue.
func Panic(err *kernel.Error) {
	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	} else {
		Printf("unrecoverable error\n")
	}
	Printf("*** kernel panic: system halted ***\n")
	Printf("-----------------------------------\n")

	cpuHaltFn()
}
