// Package table defines the ACPI and SMBIOS discovery structures the
// stub publishes to the loaded executable through the protocol table.
package table

// RSDPDescriptor defines the root system descriptor pointer for ACPI
// 1.0. This is used as the entry-point for parsing ACPI data.
type RSDPDescriptor struct {
	// The signature must contain "RSD PTR " (last byte is a space).
	Signature [8]byte

	// A value that when added to the sum of all other bytes contained
	// in this descriptor should result in the value 0.
	Checksum uint8

	OEMID [6]byte

	// ACPI revision number. It is 0 for ACPI1.0 and 2 for versions 2.0
	// to 6.2.
	Revision uint8

	// Physical address of 32-bit root system descriptor table.
	RSDTAddr uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with additional fields. It is
// used when RSDPDescriptor.Revision > 1.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	// The size of this descriptor, extended fields included.
	Length uint32

	// Physical address of 64-bit root system descriptor table.
	XSDTAddr uint64

	// A value that when added to the sum of all other bytes contained
	// in this descriptor should result in the value 0.
	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader defines the common header for all ACPI-related tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// The length of the table.
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the
	// table should result in the value 0.
	Checksum uint8

	// OEM specific information.
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the ASL compiler that generated this table.
	CreatorID       uint32
	CreatorRevision uint32
}

const (
	// rsdpBaseSize is the size of the ACPI 1.0 descriptor.
	rsdpBaseSize = 20

	// rsdpExtSize is the size of the ACPI 2.0+ descriptor.
	rsdpExtSize = 36
)
