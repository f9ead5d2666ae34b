package hypervisor

import "fmt"

// BuildInitialVMCS populates every VMCS field that must hold a valid
// value before the first VMLAUNCH (spec.md §4.2, component C). It does
// not configure EPT/unrestricted-guest/VPID — PagingModeSwitch.Configure
// owns those, called separately so the paging-mode decision and the
// baseline VMCS construction stay independently testable.
func BuildInitialVMCS(v *VMCS, caps *Capabilities, ioBitmapA, ioBitmapB, msrBitmap []byte) error {
	host, err := DoVtxReadHostState(v.ControlFD)
	if err != nil {
		return fmt.Errorf("vmcsinit: read host state: %w", err)
	}

	pin := applyCtls(PinbasedNMIExiting|PinbasedVirtualNMIs, caps.PinbasedOr, caps.PinbasedAnd)
	procRequested := ProcbasedUseIOBitmaps | ProcbasedUseMSRBitmaps | ProcbasedUseTSCOffsetting |
		ProcbasedInvlpgExiting | ProcbasedUnconditionalIOExiting
	if caps.SecondaryControlsAvailable {
		// Without this bit, every secondary control
		// PagingModeSwitch.Configure writes below (EPT, VPID,
		// unrestricted-guest) is architecturally inert: the processor
		// never consults the secondary controls field unless VMCS01
		// itself asks it to (spec.md §4.2 item 2).
		procRequested |= ProcbasedActivateSecondaryCtls
	}
	proc := applyCtls(procRequested, caps.ProcbasedOr, caps.ProcbasedAnd)
	exit := applyCtls(0, caps.ExitOr, caps.ExitAnd)
	entry := applyCtls(0, caps.EntryOr, caps.EntryAnd)

	v.MustWrite(FieldPinBasedVMExecControl, uint64(pin))
	v.MustWrite(FieldCPUBasedVMExecControl, uint64(proc))
	v.MustWrite(FieldVMExitControls, uint64(exit))
	v.MustWrite(FieldVMEntryControls, uint64(entry))
	if caps.SecondaryControlsAvailable {
		secondary := applyCtls(0, caps.Procbased2Or, caps.Procbased2And)
		v.MustWrite(FieldSecondaryVMExecControl, uint64(secondary))
	}

	// Trap everything until a device model or guest-OS-specific
	// handler proves it wants an exception passed through instead
	// (spec.md §4.2 item 5: "exception bitmap starts all-ones").
	v.MustWrite(FieldExceptionBitmap, 0xFFFFFFFF)

	hostMemory := func(mem []byte) uint64 { return uint64(HostPhysAddr(mem)) }
	for i := range ioBitmapA {
		ioBitmapA[i] = 0xFF
	}
	for i := range ioBitmapB {
		ioBitmapB[i] = 0xFF
	}
	for i := range msrBitmap {
		msrBitmap[i] = 0xFF
	}
	v.MustWrite(FieldIOBitmapA, hostMemory(ioBitmapA))
	v.MustWrite(FieldIOBitmapB, hostMemory(ioBitmapB))
	v.MustWrite(FieldMSRBitmap, hostMemory(msrBitmap))

	// No VMCS is ever shadow-linked until nested virtualization turns
	// shadowing on explicitly (spec.md §4.2 item 6).
	v.MustWrite(FieldVMCSLinkPointer, 0xFFFFFFFFFFFFFFFF)

	writeHostState(v, host)
	writeColdBootGuestState(v, host)

	// Own every bit of CR0/CR4 initially: any guest write traps so the
	// paging-mode switch sees every transition (spec.md §4.2 item 8).
	v.MustWrite(FieldCR0GuestHostMask, ^uint64(0))
	v.MustWrite(FieldCR4GuestHostMask, ^uint64(0))
	v.MustWrite(FieldCR0ReadShadow, host.CR0)
	v.MustWrite(FieldCR4ReadShadow, host.CR4)

	return nil
}

// applyCtls folds a set of "nice to have" requested bits into the
// processor's allowed-0/allowed-1 masks: bits the processor requires
// set are forced on, bits it requires clear are forced off, and
// requested bits land wherever the processor leaves them free.
func applyCtls(requested, or, and uint32) uint32 {
	return (requested | or) & and
}

// writeHostState fills the VMCS host-state area with the physical
// CPU's own current descriptor/control state (spec.md §4.2 item 7).
// HOST_RSP/HOST_RIP are deliberately not written here; the L2-run
// engine (component H) sets those immediately before every VM-entry.
func writeHostState(v *VMCS, host HostStateSnapshot) {
	v.MustWrite(FieldHostCSSelector, uint64(host.CSSelector))
	v.MustWrite(FieldHostSSSelector, uint64(host.SSSelector))
	v.MustWrite(FieldHostDSSelector, uint64(host.DSSelector))
	v.MustWrite(FieldHostESSelector, uint64(host.ESSelector))
	v.MustWrite(FieldHostFSSelector, uint64(host.FSSelector))
	v.MustWrite(FieldHostGSSelector, uint64(host.GSSelector))
	v.MustWrite(FieldHostTRSelector, uint64(host.TRSelector))
	v.MustWrite(FieldHostFSBase, host.FSBase)
	v.MustWrite(FieldHostGSBase, host.GSBase)
	v.MustWrite(FieldHostTRBase, host.TRBase)
	v.MustWrite(FieldHostGDTRBase, host.GDTRBase)
	v.MustWrite(FieldHostIDTRBase, host.IDTRBase)
	v.MustWrite(FieldHostCR0, host.CR0)
	v.MustWrite(FieldHostCR3, host.CR3)
	v.MustWrite(FieldHostCR4, host.CR4)
	v.MustWrite(FieldHostIA32SysenterCS, host.SysenterCS)
	v.MustWrite(FieldHostIA32SysenterESP, host.SysenterESP)
	v.MustWrite(FieldHostIA32SysenterEIP, host.SysenterEIP)
	v.MustWrite(FieldHostIA32PAT, host.PAT)
	v.MustWrite(FieldHostIA32EFER, host.EFER)
}

// writeColdBootGuestState fills the guest area with fixed real-mode
// values: at cold boot the "guest" is the same real-mode bootloader
// environment the teacher's VirtualMachine already constructs for the
// plain KVM path, so the VT-x guest state starts from values a
// real-mode BIOS handoff would produce (spec.md §4.2 item 7's
// guest-state companion step). Of the host snapshot only IA32_PAT is
// copied; the rest of the host's state is not mirrored into the guest
// area.
func writeColdBootGuestState(v *VMCS, host HostStateSnapshot) {
	v.MustWrite(FieldGuestESSelector, 0)
	v.MustWrite(FieldGuestCSSelector, 0)
	v.MustWrite(FieldGuestSSSelector, 0)
	v.MustWrite(FieldGuestDSSelector, 0)
	v.MustWrite(FieldGuestFSSelector, 0)
	v.MustWrite(FieldGuestGSSelector, 0)
	v.MustWrite(FieldGuestLDTRSelector, 0)
	v.MustWrite(FieldGuestTRSelector, 0)

	v.MustWrite(FieldGuestESLimit, 0xFFFF)
	v.MustWrite(FieldGuestCSLimit, 0xFFFF)
	v.MustWrite(FieldGuestSSLimit, 0xFFFF)
	v.MustWrite(FieldGuestDSLimit, 0xFFFF)
	v.MustWrite(FieldGuestFSLimit, 0xFFFF)
	v.MustWrite(FieldGuestGSLimit, 0xFFFF)
	v.MustWrite(FieldGuestLDTRLimit, 0xFFFF)
	v.MustWrite(FieldGuestTRLimit, 0xFFFF)
	v.MustWrite(FieldGuestGDTRLimit, 0xFFFF)
	v.MustWrite(FieldGuestIDTRLimit, 0xFFFF)

	const realModeAR = 0x93    // present, read/write, accessed, type data
	const realModeCodeAR = 0x9B // present, execute/read, accessed
	v.MustWrite(FieldGuestESARBytes, realModeAR)
	v.MustWrite(FieldGuestCSARBytes, realModeCodeAR)
	v.MustWrite(FieldGuestSSARBytes, realModeAR)
	v.MustWrite(FieldGuestDSARBytes, realModeAR)
	v.MustWrite(FieldGuestFSARBytes, realModeAR)
	v.MustWrite(FieldGuestGSARBytes, realModeAR)
	v.MustWrite(FieldGuestLDTRARBytes, 0x82) // present, LDT type, not busy
	v.MustWrite(FieldGuestTRARBytes, 0x8B)   // present, 32-bit TSS, busy

	v.MustWrite(FieldGuestESBase, 0)
	v.MustWrite(FieldGuestCSBase, 0)
	v.MustWrite(FieldGuestSSBase, 0)
	v.MustWrite(FieldGuestDSBase, 0)
	v.MustWrite(FieldGuestFSBase, 0)
	v.MustWrite(FieldGuestGSBase, 0)
	v.MustWrite(FieldGuestLDTRBase, 0)
	v.MustWrite(FieldGuestTRBase, 0)
	v.MustWrite(FieldGuestGDTRBase, 0)
	v.MustWrite(FieldGuestIDTRBase, 0)

	v.MustWrite(FieldGuestCR0, 0) // real mode, paging off
	v.MustWrite(FieldGuestCR3, 0)
	v.MustWrite(FieldGuestCR4, 0)
	v.MustWrite(FieldGuestDR7, 0x400)
	v.MustWrite(FieldGuestRSP, 0)
	v.MustWrite(FieldGuestRIP, 0x7C00) // matches core_engine's bootloader entry point
	v.MustWrite(FieldGuestRFlags, 0x2) // bit 1 is always set
	v.MustWrite(FieldGuestPendingDbgExceptions, 0)
	v.MustWrite(FieldGuestActivityState, 0)
	v.MustWrite(FieldGuestInterruptibilityInfo, 0)
	v.MustWrite(FieldGuestSysenterCS, 0)
	v.MustWrite(FieldGuestSysenterESP, 0)
	v.MustWrite(FieldGuestSysenterEIP, 0)
	v.MustWrite(FieldGuestIA32EFER, 0)
	v.MustWrite(FieldGuestIA32PAT, host.PAT)
}
