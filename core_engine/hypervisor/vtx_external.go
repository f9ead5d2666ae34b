package hypervisor

// External collaborator interfaces (spec.md §6). The VT-x core never
// implements these itself — the shadow-paging MMU, the scheduler, the
// MMIO emulator, and the guest MTRR/PAT model are all out of scope
// (spec.md §1) and are injected at VCpu construction time.

// GuestPhysTranslator resolves guest-physical addresses to
// host-physical addresses for EPT population.
type GuestPhysTranslator interface {
	// GP2HP translates one 4 KiB guest-physical page. fakerom reports
	// whether the page is VMM-owned and must be mapped read-only.
	GP2HP(gphys uint64) (hphys uint64, fakerom bool, ok bool)
	// GP2HP2M translates one 2 MiB-aligned guest-physical range in a
	// single call; ok is false if no uniform host-physical backing
	// exists for the whole range (the 2 MiB fast path must fall back
	// to 4 KiB).
	GP2HP2M(gphys uint64) (hphys uint64, ok bool)
	// PTEAddrMask is the per-vCPU mask of valid physical address bits,
	// used to mask guest-supplied pointers before translation.
	PTEAddrMask() uint64
}

// ForceMapRange is one range the MMU collaborator requires mapped in
// EPT unconditionally (spec.md §4.3.1).
type ForceMapRange struct {
	Base uint64
	Len  uint64
}

// ForceMapSource iterates the guest's force-mapped ranges, lowest
// address first (original_source/ replay order, see SPEC_FULL.md).
type ForceMapSource interface {
	ForceMapRanges() []ForceMapRange
}

// MMIOCollaborator is the device-emulation boundary invoked from the
// EPT-violation handler for addresses EPT declines to map.
type MMIOCollaborator interface {
	// MMIORange reports 0 if [base,base+len) contains no MMIO, or the
	// address of the next MMIO range start otherwise.
	MMIORange(base, length uint64) uint64
	// MMIOAccessPage services one MMIO access that fell through EPT.
	MMIOAccessPage(gphys uint64, readonly bool) bool
	MMIOLock()
	MMIOUnlock()
}

// MTRRModel is the guest-visible memory-type range register model,
// consulted when deciding EPT leaf memory types and 2 MiB eligibility.
type MTRRModel interface {
	// GetGMTRRType returns the guest MTRR memory type for one page.
	GetGMTRRType(gphys uint64) uint8
	// GMTRRTypeEqual reports whether every page in [base, base+mask]
	// shares one uniform MTRR type.
	GMTRRTypeEqual(base, mask uint64) bool
}

// PATModel is the guest-visible IA32_PAT model.
type PATModel interface {
	GetGPAT() uint64
	SetGPAT(uint64)
}

// ShadowPagingMMU is the external shadow-paging collaborator used when
// EPT is unavailable or unrestricted-guest cannot be used (spec.md §1
// "deliberately out of scope"). Only its entry point relevant to the
// paging-mode switch (§4.4) is referenced here.
type ShadowPagingMMU interface {
	SetCR3(cr3 uint64) error
}

// InterruptRemapper implements the external-interrupt vector
// remapping callback (spec.md §6, exint_pass_intr_call).
type InterruptRemapper interface {
	// RemapVector returns the remapped vector, or -1 if the vector is
	// passed through unchanged.
	RemapVector(vector uint8) int
}

// GuestMemory provides raw byte access to guest physical memory for
// reading VMCS pointers, PDPTEs, and shadow-EPT walks.
type GuestMemory interface {
	ReadAt(p []byte, gphysOffset int64) (int, error)
	WriteAt(p []byte, gphysOffset int64) (int, error)
}
