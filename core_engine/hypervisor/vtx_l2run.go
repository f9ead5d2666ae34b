package hypervisor

import (
	"fmt"
	"log"
)

// L2Run drives one nested VM-entry into L2 and the exit handling that
// follows it (spec.md §4.8, component H). Every call to Enter builds
// VMCS02 fresh from L1's current VMCS12 fields plus L0's own required
// controls, runs it, and either services the exit itself (shadow-EPT
// violation/misconfig against the shadow EPT cache) or reflects it
// back to L1 by resuming VMCS01 at L1's VM-exit handler.
type L2Run struct {
	vc     *VCpu
	vmcs02 *VMCS
}

// NewL2Run allocates VMCS02. One L2Run is kept per VCpu and reused
// across every nested entry/exit pair, the same way core_engine keeps
// one VCPU.kvmRun mmap alive across the life of the vCPU rather than
// remapping it per KVM_RUN.
func NewL2Run(vc *VCpu) (*L2Run, error) {
	vmcs02, err := NewVMCS(vc.PCpu.ControlFD, vc.PCpu.HostMemory, vc.PCpu.Caps.VmcsRevisionID)
	if err != nil {
		return nil, fmt.Errorf("l2run: allocate VMCS02: %w", err)
	}
	return &L2Run{vc: vc, vmcs02: vmcs02}, nil
}

// fieldsCopiedFromL1 are the guest-state and execution-control VMCS12
// fields merged verbatim into VMCS02; VMCS02's own host-state area
// always points back at L0 (spec.md §4.8 "host-state save/swap" — L1
// never becomes the effective VMX host for L2).
var fieldsCopiedFromL1 = []Field{
	FieldGuestESSelector, FieldGuestCSSelector, FieldGuestSSSelector, FieldGuestDSSelector,
	FieldGuestFSSelector, FieldGuestGSSelector, FieldGuestLDTRSelector, FieldGuestTRSelector,
	FieldGuestESLimit, FieldGuestCSLimit, FieldGuestSSLimit, FieldGuestDSLimit,
	FieldGuestFSLimit, FieldGuestGSLimit, FieldGuestLDTRLimit, FieldGuestTRLimit,
	FieldGuestGDTRLimit, FieldGuestIDTRLimit,
	FieldGuestESARBytes, FieldGuestCSARBytes, FieldGuestSSARBytes, FieldGuestDSARBytes,
	FieldGuestFSARBytes, FieldGuestGSARBytes, FieldGuestLDTRARBytes, FieldGuestTRARBytes,
	FieldGuestESBase, FieldGuestCSBase, FieldGuestSSBase, FieldGuestDSBase,
	FieldGuestFSBase, FieldGuestGSBase, FieldGuestLDTRBase, FieldGuestTRBase,
	FieldGuestGDTRBase, FieldGuestIDTRBase,
	FieldGuestCR0, FieldGuestCR3, FieldGuestCR4, FieldGuestDR7,
	FieldGuestRSP, FieldGuestRIP, FieldGuestRFlags,
	FieldGuestPendingDbgExceptions, FieldGuestActivityState, FieldGuestInterruptibilityInfo,
	FieldGuestSysenterCS, FieldGuestSysenterESP, FieldGuestSysenterEIP,
	FieldGuestIA32EFER, FieldGuestIA32PAT,
	FieldExceptionBitmap,
	FieldVPID,
}

// fieldsReflectedToL1 are the VMCS12 guest-state fields reflectToL1
// copies back out of VMCS02 after every nested exit — every guest-state
// field buildVMCS02 merged in above except the two that are pure
// L1-supplied inputs rather than processor-updated state
// (FieldExceptionBitmap, FieldVPID): VMCS02 carries L0's own values for
// those (an all-ones exception bitmap and the real VPID from the
// shadow VPID cache), so copying them back would overwrite L1's own.
// Leaving any of the rest stale is the bug spec.md §4.8 "guest-state
// reflection" exists to rule out: the next buildVMCS02 would otherwise
// rebuild VMCS02 from already-corrupted L1 state.
var fieldsReflectedToL1 = []Field{
	FieldGuestESSelector, FieldGuestCSSelector, FieldGuestSSSelector, FieldGuestDSSelector,
	FieldGuestFSSelector, FieldGuestGSSelector, FieldGuestLDTRSelector, FieldGuestTRSelector,
	FieldGuestESLimit, FieldGuestCSLimit, FieldGuestSSLimit, FieldGuestDSLimit,
	FieldGuestFSLimit, FieldGuestGSLimit, FieldGuestLDTRLimit, FieldGuestTRLimit,
	FieldGuestGDTRLimit, FieldGuestIDTRLimit,
	FieldGuestESARBytes, FieldGuestCSARBytes, FieldGuestSSARBytes, FieldGuestDSARBytes,
	FieldGuestFSARBytes, FieldGuestGSARBytes, FieldGuestLDTRARBytes, FieldGuestTRARBytes,
	FieldGuestESBase, FieldGuestCSBase, FieldGuestSSBase, FieldGuestDSBase,
	FieldGuestFSBase, FieldGuestGSBase, FieldGuestLDTRBase, FieldGuestTRBase,
	FieldGuestGDTRBase, FieldGuestIDTRBase,
	FieldGuestCR0, FieldGuestCR3, FieldGuestCR4, FieldGuestDR7,
	FieldGuestRSP, FieldGuestRIP, FieldGuestRFlags,
	FieldGuestPendingDbgExceptions, FieldGuestActivityState, FieldGuestInterruptibilityInfo,
	FieldGuestSysenterCS, FieldGuestSysenterESP, FieldGuestSysenterEIP,
	FieldGuestIA32EFER, FieldGuestIA32PAT,
}

// L2EnterResult reports why VMCS02 returned control to L0.
type L2EnterResult struct {
	ReflectToL1 bool
	ExitReason  uint32
	ExitQual    uint64
}

// Enter performs one VMLAUNCH/VMRESUME of L2 and the first level of
// exit triage. hostResumeRIP/hostResumeRSP are where the processor (in
// our ioctl model, the control-device driver) returns control within
// L0 on the next VM-exit; every VMCS — VMCS01 and VMCS02 alike — must
// have those refreshed immediately before entry, since they are the
// one pair of host-state fields BuildInitialVMCS deliberately leaves
// unset.
func (lr *L2Run) Enter(hostResumeRSP, hostResumeRIP uint64) (L2EnterResult, error) {
	vc := lr.vc

	if err := vc.ShadowVt.OnNestedEntry(); err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: %w", err)
	}

	if err := lr.buildVMCS02(); err != nil {
		return L2EnterResult{}, err
	}

	if err := lr.vmcs02.Load(); err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: VMPTRLD VMCS02: %w", err)
	}
	lr.vmcs02.MustWrite(FieldHostRSP, hostResumeRSP)
	lr.vmcs02.MustWrite(FieldHostRIP, hostResumeRIP)

	shadowEpt, err := lr.shadowEptFor()
	if err != nil {
		return L2EnterResult{}, err
	}
	lr.vmcs02.MustWrite(FieldEPTPointer, shadowEpt.EPTP())

	l1Eptp, err := vc.currentL1Vmcs.Read(FieldEPTPointer)
	if err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: read VMCS12 EPTP for VPID assignment: %w", err)
	}
	l1Vpid, err := vc.currentL1Vmcs.Read(FieldVPID)
	if err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: read VMCS12 VPID: %w", err)
	}
	// L1's own choice of VPID for L2 (spec.md §3.3's {guest_ep4ta,
	// guest_vpid, real_vpid} triple) drives the shadow assignment, not
	// this vCPU's static L0 VPID — vc.Vpid identifies L0's own
	// TLB-tagging of L1 itself under VMCS01, a different identity.
	realVpid := vc.ShadowVpid.Assign(l1Eptp, uint16(l1Vpid))
	lr.vmcs02.MustWrite(FieldVPID, uint64(realVpid))

	var launchErr error
	if lr.vmcs02.Launched {
		launchErr = DoVtxVmresume(vc.PCpu.ControlFD)
	} else {
		launchErr = DoVtxVmlaunch(vc.PCpu.ControlFD)
		if launchErr == nil {
			lr.vmcs02.Launched = true
		}
	}
	if launchErr != nil {
		if err := vc.ShadowVt.OnNestedExit(); err != nil {
			log.Printf("l2run: nested-exit bookkeeping after failed entry: %v", err)
		}
		return L2EnterResult{}, fmt.Errorf("l2run: VM-entry into L2 failed: %w", launchErr)
	}

	reason, err := lr.vmcs02.Read(FieldVMExitReason)
	if err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: read exit reason: %w", err)
	}
	qual, err := lr.vmcs02.Read(FieldExitQualification)
	if err != nil {
		return L2EnterResult{}, fmt.Errorf("l2run: read exit qualification: %w", err)
	}

	result := L2EnterResult{ExitReason: uint32(reason), ExitQual: qual}

	switch result.ExitReason {
	case ExitReasonEPTViolation:
		handled, err := lr.handleShadowEptViolation(qual)
		if err != nil {
			return result, err
		}
		if handled {
			// Serviced entirely by L0; back to shadowing so the caller
			// can re-enter L2 without reflecting anything to L1.
			if err := vc.ShadowVt.OnNestedExit(); err != nil {
				return L2EnterResult{}, fmt.Errorf("l2run: %w", err)
			}
			return L2EnterResult{ReflectToL1: false}, nil
		}
		result.ReflectToL1 = true
	case ExitReasonEPTMisconfig:
		// A misconfigured shadow-EPT entry is always an L0 bug, not an
		// L1-visible condition — spec.md has no recovery path for it.
		panic(fmt.Sprintf("l2run: EPT misconfiguration at qualification 0x%x", qual))
	default:
		result.ReflectToL1 = true
	}

	if result.ReflectToL1 {
		if err := lr.reflectToL1(result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// buildVMCS02 merges L1's VMCS12 guest-state/control fields into
// VMCS02 and forces the controls L0 itself requires regardless of
// what L1 asked for (spec.md §4.8 "exit-control overrides"): L2 must
// always exit on EPT violations/misconfig and on any VMX instruction,
// because L0 — not L1 — is the one actually running L2 on hardware.
func (lr *L2Run) buildVMCS02() error {
	for _, f := range fieldsCopiedFromL1 {
		v, err := lr.vc.currentL1Vmcs.Read(f)
		if err != nil {
			return fmt.Errorf("l2run: read VMCS12 field 0x%x: %w", uint32(f), err)
		}
		lr.vmcs02.MustWrite(f, v)
	}

	proc, err := lr.vc.currentL1Vmcs.Read(FieldCPUBasedVMExecControl)
	if err != nil {
		return fmt.Errorf("l2run: read VMCS12 proc-based controls: %w", err)
	}
	proc = (uint64(proc) | uint64(ProcbasedActivateSecondaryCtls)) & 0xFFFFFFFF
	lr.vmcs02.MustWrite(FieldCPUBasedVMExecControl, proc)

	secondary := uint64(SecondaryEnableEPT) | uint64(SecondaryEnableVPID)
	if lr.vc.PCpu.Caps.UnrestrictedGuestAvailable() {
		secondary |= uint64(SecondaryUnrestrictedGuest)
	}
	lr.vmcs02.MustWrite(FieldSecondaryVMExecControl, secondary)

	pin, err := lr.vc.currentL1Vmcs.Read(FieldPinBasedVMExecControl)
	if err != nil {
		return fmt.Errorf("l2run: read VMCS12 pin-based controls: %w", err)
	}
	lr.vmcs02.MustWrite(FieldPinBasedVMExecControl, (uint64(pin)|uint64(PinbasedNMIExiting)|uint64(PinbasedVirtualNMIs))&0xFFFFFFFF)

	// MOV-SS blocking must survive the L1-to-L2 transition exactly as
	// the processor produced it; never clear it on L0's own account
	// (spec.md §4.8 "MOV-SS blocking preservation") — unless L0 itself
	// is about to inject an event below, in which case the SDM's
	// VM-entry check requires clearing it: an event can never be
	// injected while a MOV-SS shadow is active.
	interruptibility, err := lr.vc.currentL1Vmcs.Read(FieldGuestInterruptibilityInfo)
	if err != nil {
		return fmt.Errorf("l2run: read VMCS12 interruptibility state: %w", err)
	}
	if lr.vc.pendingL2Reinject != nil {
		interruptibility &^= uint64(InterruptibilityBlockingByMovSS)
	}
	lr.vmcs02.MustWrite(FieldGuestInterruptibilityInfo, interruptibility)

	if reinject := lr.vc.pendingL2Reinject; reinject != nil {
		lr.vmcs02.MustWrite(FieldVMEntryIntrInfoField, reinject.intrInfo)
		lr.vmcs02.MustWrite(FieldVMEntryExceptionErrCode, reinject.errCode)
		lr.vc.pendingL2Reinject = nil
	}

	// EFER: VMCS12's own load-EFER/host-address-space-size bits decide
	// L2's long-mode state; L0 never overrides what L1 configured here
	// (spec.md §4.8 "EFER handling").
	entry, err := lr.vc.currentL1Vmcs.Read(FieldVMEntryControls)
	if err != nil {
		return fmt.Errorf("l2run: read VMCS12 entry controls: %w", err)
	}
	lr.vmcs02.MustWrite(FieldVMEntryControls, entry)

	lr.vmcs02.MustWrite(FieldIOBitmapA, uint64(HostPhysAddr(lr.vc.ioBitmapA)))
	lr.vmcs02.MustWrite(FieldIOBitmapB, uint64(HostPhysAddr(lr.vc.ioBitmapB)))
	lr.vmcs02.MustWrite(FieldMSRBitmap, uint64(HostPhysAddr(lr.vc.msrBitmap)))
	lr.vmcs02.MustWrite(FieldVMCSLinkPointer, 0xFFFFFFFFFFFFFFFF)
	lr.vmcs02.MustWrite(FieldExceptionBitmap, 0xFFFFFFFF)

	host, err := DoVtxReadHostState(lr.vc.PCpu.ControlFD)
	if err != nil {
		return fmt.Errorf("l2run: read host state for VMCS02: %w", err)
	}
	writeHostState(lr.vmcs02, host)

	return nil
}

// shadowEptFor returns the shadow EPT backing L1's current EPTP,
// building a fresh one if this is the first time L0 has seen it.
func (lr *L2Run) shadowEptFor() (*Ept, error) {
	vc := lr.vc
	l1Eptp, err := vc.currentL1Vmcs.Read(FieldEPTPointer)
	if err != nil {
		return nil, fmt.Errorf("l2run: read VMCS12 EPTP: %w", err)
	}
	if shadow, ok := vc.ShadowEpt.Get(l1Eptp); ok {
		return shadow, nil
	}
	nested := &nestedTranslator{l1Eptp: l1Eptp, l1Translator: vc.Translator, mem: vc.GuestMemory}
	shadow, err := NewEpt(vc.PCpu.ControlFD, vc.PCpu.HostMemory, nested, noMMIO{}, noMTRR{}, emptyForceMapSource{}, vc.Vpid, vc.Debug)
	if err != nil {
		return nil, fmt.Errorf("l2run: build shadow EPT for L1 EPTP 0x%x: %w", l1Eptp, err)
	}
	vc.ShadowEpt.Put(l1Eptp, shadow)
	return shadow, nil
}

type emptyForceMapSource struct{}

func (emptyForceMapSource) ForceMapRanges() []ForceMapRange { return nil }

// noMMIO/noMTRR stand in for the device-emulation and MTRR
// collaborators when building a shadow EPT: a nested L2 guest's MMIO
// ranges and memory typing are L1's problem to emulate for it, not
// L0's — L0 only needs EPT violations on genuinely unmapped L1-EPT
// entries to fall through to "reflect to L1" (handleShadowEptViolation
// already treats a composition failure that way).
type noMMIO struct{}

func (noMMIO) MMIORange(base, length uint64) uint64     { return 0 }
func (noMMIO) MMIOAccessPage(gphys uint64, readonly bool) bool { return false }
func (noMMIO) MMIOLock()                                {}
func (noMMIO) MMIOUnlock()                              {}

type noMTRR struct{}

func (noMTRR) GetGMTRRType(gphys uint64) uint8                { return 6 /* WB */ }
func (noMTRR) GMTRRTypeEqual(base, mask uint64) bool          { return true }

// nestedTranslator composes L1's own EPT (walked directly out of L1's
// guest memory, rooted at l1Eptp) with vc's ordinary L1-to-host
// translator, so a shadow EPT built from it maps L2 guest-physical
// addresses straight to true host-physical addresses in one lookup
// (spec.md §4.7's "shadow EPT" contract). Only the 4 KiB path is
// composed; nested guests do not get the 2 MiB fast path (DESIGN.md
// notes this simplification).
type nestedTranslator struct {
	l1Eptp       uint64
	l1Translator GuestPhysTranslator
	mem          GuestMemory
}

func (n *nestedTranslator) GP2HP(gphysL2 uint64) (hphys uint64, fakerom bool, ok bool) {
	l1Root := n.l1Eptp &^ 0xFFF
	entry, ok := n.walkL1Ept(l1Root, gphysL2)
	if !ok {
		return 0, false, false
	}
	hphysL1Page := entry &^ 0xFFF
	hphys, fakerom, ok = n.l1Translator.GP2HP(hphysL1Page)
	if !ok {
		return 0, false, false
	}
	return (hphys &^ 0xFFF) | (gphysL2 & 0xFFF), fakerom, true
}

func (n *nestedTranslator) GP2HP2M(gphysL2 uint64) (hphys uint64, ok bool) {
	return 0, false
}

func (n *nestedTranslator) PTEAddrMask() uint64 {
	return n.l1Translator.PTEAddrMask()
}

// walkL1Ept reads L1's own EPT structure directly out of guest memory
// (L1 built it believing it addresses real host memory) and returns
// the leaf entry covering gphysL2, stopping early at a 2 MiB leaf; for
// a 2 MiB leaf, bits 20:12 of the returned address are taken from
// gphysL2 so that it names the 4 KiB page holding gphysL2.
func (n *nestedTranslator) walkL1Ept(root uint64, gphysL2 uint64) (uint64, bool) {
	pml4, ok := n.readL1EptEntry(root, pml4Index(gphysL2))
	if !ok || pml4&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
		return 0, false
	}
	pdpt, ok := n.readL1EptEntry(pml4&^0xFFF, pdptIndex(gphysL2))
	if !ok || pdpt&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
		return 0, false
	}
	pd, ok := n.readL1EptEntry(pdpt&^0xFFF, pdIndex(gphysL2))
	if !ok || pd&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
		return 0, false
	}
	if pd&EptLargePageBit != 0 {
		return (pd &^ 0x1FF000) | (gphysL2 & 0x1FF000), true
	}
	pt, ok := n.readL1EptEntry(pd&^0xFFF, ptIndex(gphysL2))
	if !ok || pt&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
		return 0, false
	}
	return pt, true
}

func (n *nestedTranslator) readL1EptEntry(tableGphys uint64, idx int) (uint64, bool) {
	var buf [8]byte
	if _, err := n.mem.ReadAt(buf[:], int64(tableGphys)+int64(idx*8)); err != nil {
		return 0, false
	}
	return readLE64(buf[:]), true
}

// handleShadowEptViolation services an EPT violation taken while L2
// was running, consulting the shadow EPT for L1's current EPTP. It
// reports handled=false when the violation must instead be reflected
// to L1 as its own EPT violation (e.g. L1 itself never mapped the
// faulting address, as opposed to L0's shadow cache simply not having
// populated it yet).
func (lr *L2Run) handleShadowEptViolation(qual uint64) (bool, error) {
	shadow, err := lr.shadowEptFor()
	if err != nil {
		return false, err
	}
	gphys, err := lr.vmcs02.Read(FieldGuestPhysicalAddressField())
	if err != nil {
		return false, fmt.Errorf("l2run: read guest-physical address: %w", err)
	}
	write := qual&(1<<1) != 0
	execute := qual&(1<<2) != 0
	if err := shadow.EptViolation(write, execute, gphys); err != nil {
		return false, nil
	}
	if err := lr.vc.ReassertNMIBlockingIfNeeded(lr.vmcs02, qual); err != nil {
		return false, err
	}
	if err := lr.capturePendingReinject(); err != nil {
		return false, err
	}
	return true, nil
}

// capturePendingReinject reads VMCS02's IDT-vectoring-information field
// after an EPT violation L0 serviced without reflecting it to L1. A
// valid entry here means L2 was in the middle of delivering an event
// when the violation hit; since L1 never sees this exit, the event
// would otherwise vanish instead of being delivered to L2 once it
// resumes (spec.md §4.8 step 7 "IDT-vectoring re-injection").
func (lr *L2Run) capturePendingReinject() error {
	info, err := lr.vmcs02.Read(FieldIDTVectoringInfoField)
	if err != nil {
		return fmt.Errorf("l2run: read IDT-vectoring info: %w", err)
	}
	if uint32(info)&IDTVectoringInfoValid == 0 {
		return nil
	}
	var errCode uint64
	if uint32(info)&IDTVectoringInfoDeliverErrCode != 0 {
		errCode, err = lr.vmcs02.Read(FieldIDTVectoringErrCode)
		if err != nil {
			return fmt.Errorf("l2run: read IDT-vectoring error code: %w", err)
		}
	}
	lr.vc.pendingL2Reinject = &pendingReinject{intrInfo: info, errCode: errCode}
	return nil
}

// reflectToL1 hands control back to L1 by copying the exit information
// L1 needs to see into its VMCS12, making the nested_shadowing ->
// shadowing transition, and restoring VMCS01 as current.
func (lr *L2Run) reflectToL1(result L2EnterResult) error {
	vc := lr.vc

	vc.currentL1Vmcs.MustWrite(FieldVMExitReason, uint64(result.ExitReason))
	vc.currentL1Vmcs.MustWrite(FieldExitQualification, result.ExitQual)

	for _, f := range fieldsReflectedToL1 {
		v, err := lr.vmcs02.Read(f)
		if err != nil {
			return fmt.Errorf("l2run: read VMCS02 field 0x%x for reflection: %w", uint32(f), err)
		}
		vc.currentL1Vmcs.MustWrite(f, v)
	}

	idtInfo, err := lr.vmcs02.Read(FieldIDTVectoringInfoField)
	if err != nil {
		return fmt.Errorf("l2run: read VMCS02 IDT-vectoring info for reflection: %w", err)
	}
	vc.currentL1Vmcs.MustWrite(FieldIDTVectoringInfoField, idtInfo)
	if uint32(idtInfo)&IDTVectoringInfoDeliverErrCode != 0 {
		errCode, err := lr.vmcs02.Read(FieldIDTVectoringErrCode)
		if err != nil {
			return fmt.Errorf("l2run: read VMCS02 IDT-vectoring error code for reflection: %w", err)
		}
		vc.currentL1Vmcs.MustWrite(FieldIDTVectoringErrCode, errCode)
	}

	if err := vc.ShadowVt.OnNestedExit(); err != nil {
		return fmt.Errorf("l2run: %w", err)
	}
	if err := vc.VMCS.Load(); err != nil {
		return fmt.Errorf("l2run: reload VMCS01 after nested exit: %w", err)
	}
	return nil
}

// FieldGuestPhysicalAddressField is the 64-bit VM-exit-information
// field holding the faulting guest-physical address on an EPT
// violation/misconfig exit; it is not part of the named Field block in
// vtx_vmcs.go because it is read only in this one exit-handling path.
func FieldGuestPhysicalAddressField() Field { return 0x2400 }
