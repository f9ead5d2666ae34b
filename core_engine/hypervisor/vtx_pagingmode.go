package hypervisor

import "fmt"

// PagingMode selects how guest-physical-to-host-physical translation
// is performed for one vCPU (spec.md §4.4, component E). The choice is
// made once at VCpu construction from the capability snapshot and
// never changes at runtime — only the CR0/CR4-driven guest paging
// mode underneath it changes.
type PagingMode int

const (
	// PagingModeEPTUnrestricted uses EPT with unrestricted-guest, so
	// the guest may run entirely unpaged/real-mode without any shadow
	// page tables at all (spec.md §4.4 preferred path).
	PagingModeEPTUnrestricted PagingMode = iota
	// PagingModeEPTRestricted uses EPT but without unrestricted-guest:
	// the guest must be put in protected mode with paging enabled
	// before EPT can run it, so the paging-mode switch owns a short
	// real-mode shim window driven by the shadow MMU collaborator.
	PagingModeEPTRestricted
	// PagingModeShadow has no EPT at all; every guest CR3 load walks
	// through the external ShadowPagingMMU collaborator (spec.md §1,
	// explicitly out of scope to implement here, only to drive).
	PagingModeShadow
)

// PagingModeSwitch owns the one-time VMCS control wiring for whichever
// PagingMode a vCPU was constructed with, plus the CR0/CR4 and PDPTE
// bookkeeping required whenever the guest toggles paging.
type PagingModeSwitch struct {
	Mode PagingMode

	vmcs  *VMCS
	caps  *Capabilities
	ept   *Ept
	mmu   ShadowPagingMMU
	pat   PATModel
	debug bool
}

// DeterminePagingMode applies spec.md §4.4's decision tree: EPT with
// unrestricted-guest is used whenever the processor supports it;
// otherwise EPT with a shadow-driven real-mode shim if EPT alone is
// available; otherwise full shadow paging.
func DeterminePagingMode(caps *Capabilities) PagingMode {
	switch {
	case caps.UnrestrictedGuestAvailable():
		return PagingModeEPTUnrestricted
	case caps.EptAvailable():
		return PagingModeEPTRestricted
	default:
		return PagingModeShadow
	}
}

// NewPagingModeSwitch builds the switch for one vCPU. ept may be nil
// only when mode is PagingModeShadow.
func NewPagingModeSwitch(mode PagingMode, vmcs *VMCS, caps *Capabilities, ept *Ept, mmu ShadowPagingMMU, pat PATModel, debug bool) (*PagingModeSwitch, error) {
	if mode != PagingModeShadow && ept == nil {
		return nil, fmt.Errorf("pagingmode: EPT mode selected but no Ept engine supplied")
	}
	return &PagingModeSwitch{Mode: mode, vmcs: vmcs, caps: caps, ept: ept, mmu: mmu, pat: pat, debug: debug}, nil
}

// Configure writes the secondary-processor-based, exit, and entry
// control bits this paging mode requires into the VMCS. Called once
// during VMCS construction, before the first VMLAUNCH.
func (p *PagingModeSwitch) Configure() error {
	secondary, err := p.vmcs.Read(FieldSecondaryVMExecControl)
	if err != nil {
		return fmt.Errorf("pagingmode: read secondary controls: %w", err)
	}
	exitCtls, err := p.vmcs.Read(FieldVMExitControls)
	if err != nil {
		return fmt.Errorf("pagingmode: read exit controls: %w", err)
	}
	entryCtls, err := p.vmcs.Read(FieldVMEntryControls)
	if err != nil {
		return fmt.Errorf("pagingmode: read entry controls: %w", err)
	}
	proc, err := p.vmcs.Read(FieldCPUBasedVMExecControl)
	if err != nil {
		return fmt.Errorf("pagingmode: read proc-based controls: %w", err)
	}

	switch p.Mode {
	case PagingModeEPTUnrestricted:
		secondary |= uint64(SecondaryEnableEPT) | uint64(SecondaryUnrestrictedGuest)
		proc &^= uint64(ProcbasedCR3LoadExiting) | uint64(ProcbasedCR3StoreExiting)
		p.vmcs.MustWrite(FieldEPTPointer, p.ept.EPTP())
	case PagingModeEPTRestricted:
		secondary |= uint64(SecondaryEnableEPT)
		// Without unrestricted-guest the processor requires CR0.PE and
		// CR0.PG both set whenever EPT is active, so CR3 load-exiting
		// stays on until the real-mode shim hands off to paged
		// protected mode (spec.md §4.4 "restricted EPT" case).
		proc |= uint64(ProcbasedCR3LoadExiting) | uint64(ProcbasedCR3StoreExiting)
		p.vmcs.MustWrite(FieldEPTPointer, p.ept.EPTP())
	case PagingModeShadow:
		secondary &^= uint64(SecondaryEnableEPT) | uint64(SecondaryUnrestrictedGuest)
		proc |= uint64(ProcbasedCR3LoadExiting) | uint64(ProcbasedCR3StoreExiting)
	}

	// PAT save/load on exit/entry are only meaningful once EPT is
	// active; gate them on the same capability check as EptAvailable so
	// a processor lacking save/load-PAT never gets asked to use it. EFER
	// save/load is not requested here. enable-VPID is set in the same
	// modes (NewVCpu writes the VPID field only outside shadow mode).
	if p.Mode != PagingModeShadow {
		exitCtls |= uint64(ExitCtlSaveIA32PAT) | uint64(ExitCtlLoadIA32PAT)
		entryCtls |= uint64(EntryCtlLoadIA32PAT)
		if p.caps.VpidAvailable() {
			secondary |= uint64(SecondaryEnableVPID)
		}
	}

	p.vmcs.MustWrite(FieldSecondaryVMExecControl, secondary)
	p.vmcs.MustWrite(FieldCPUBasedVMExecControl, proc)
	p.vmcs.MustWrite(FieldVMExitControls, exitCtls)
	p.vmcs.MustWrite(FieldVMEntryControls, entryCtls)
	return nil
}

// HandleCR3Exit is invoked on ExitReasonCRAccess when the access
// targets CR3 and the current mode routes CR3 loads to the shadow
// MMU (PagingModeShadow, or PagingModeEPTRestricted before the guest
// has reached paged protected mode).
func (p *PagingModeSwitch) HandleCR3Exit(cr3 uint64) error {
	if p.mmu == nil {
		return fmt.Errorf("pagingmode: CR3 exit routed but no ShadowPagingMMU collaborator configured")
	}
	if err := p.mmu.SetCR3(cr3); err != nil {
		return fmt.Errorf("pagingmode: shadow MMU rejected CR3 0x%x: %w", cr3, err)
	}
	return nil
}

// SyncGuestCR0 reacts to guest CR0 writes that flip PG or PE. Under
// PagingModeEPTRestricted, reaching CR0.PE=1 && CR0.PG=1 is the signal
// to stop routing CR3 loads through the shadow MMU and let EPT alone
// handle translation from then on (spec.md §4.4's real-mode shim
// hand-off).
func (p *PagingModeSwitch) SyncGuestCR0(cr0 uint64) error {
	if p.Mode != PagingModeEPTRestricted {
		return nil
	}
	if cr0&CR0PE != 0 && cr0&CR0PG != 0 {
		proc, err := p.vmcs.Read(FieldCPUBasedVMExecControl)
		if err != nil {
			return fmt.Errorf("pagingmode: read proc-based controls: %w", err)
		}
		proc &^= uint64(ProcbasedCR3LoadExiting) | uint64(ProcbasedCR3StoreExiting)
		p.vmcs.MustWrite(FieldCPUBasedVMExecControl, proc)
	}
	return nil
}

// ReloadPDPTEs re-reads and re-installs the four page-directory-
// pointer-table entries from guest memory into the VMCS guest-state
// area. Required whenever a legacy PAE guest reloads CR3 while EPT is
// active, since the processor caches PDPTEs in the VMCS rather than
// re-walking guest memory for them on every access (spec.md §4.4 PAE
// handling).
func (p *PagingModeSwitch) ReloadPDPTEs(mem GuestMemory, cr3 uint64) error {
	if p.Mode == PagingModeShadow {
		return nil
	}
	var buf [32]byte
	if _, err := mem.ReadAt(buf[:], int64(cr3&^0x1F)); err != nil {
		return fmt.Errorf("pagingmode: read PDPTEs at cr3 0x%x: %w", cr3, err)
	}
	p.vmcs.MustWrite(FieldGuestPDPTE0, readLE64(buf[0:8]))
	p.vmcs.MustWrite(FieldGuestPDPTE1, readLE64(buf[8:16]))
	p.vmcs.MustWrite(FieldGuestPDPTE2, readLE64(buf[16:24]))
	p.vmcs.MustWrite(FieldGuestPDPTE3, readLE64(buf[24:32]))
	return nil
}
