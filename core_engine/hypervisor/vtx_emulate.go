package hypervisor

import "fmt"

// VMX instruction emulators (spec.md §4.5, component G). These run
// when L1 — a guest that is itself acting as a hypervisor — executes
// VMXON/VMCLEAR/VMPTRLD/VMREAD/VMWRITE/VMXOFF/INVEPT/INVVPID/VMPTRST
// while L0 is running it under VMCS01. Every one of these instructions
// exits unconditionally in VMX non-root operation, so there is no
// control-bit gating to configure — only the emulation itself.
//
// Every emulator decodes its memory operand as a guest-physical
// address directly: core_engine's guest environment runs with a flat
// identity map (see hypervisor/paging.go's cold-boot PDE4MB setup),
// so guest-linear and guest-physical coincide for the addressing this
// core needs to support.

// VMResult is the outcome an emulator reports; the caller folds it
// into guest RFlags and, for VMFailValid, the current VMCS's
// VM_INSTRUCTION_ERROR field.
type VMResult int

const (
	VMSucceed VMResult = iota
	VMFailInvalid
	VMFailValid
)

// GuestRegisters is the minimal register-file access the emulators
// need to read/write a register-form VMX instruction operand.
type GuestRegisters interface {
	GPR(index int) uint64
	SetGPR(index int, value uint64)
}

// ResultRFlags returns the RFlags VM-status bits (SDM 30.2) for one
// VMX instruction completion, to be OR'd into the guest's RFlags after
// clearing RFlagsVMStatusMask.
func ResultRFlags(result VMResult) uint64 {
	switch result {
	case VMSucceed:
		return 0
	case VMFailInvalid:
		return RFlagsCF
	default: // VMFailValid
		return RFlagsZF
	}
}

// vmFailValid records result == VMFailValid together with the SDM
// error number into the current VMCS, and is the common tail of every
// emulator below.
func (vc *VCpu) vmFailValid(errNum uint32) (VMResult, error) {
	if err := vc.VMCS.Write(FieldVMInstructionErr, uint64(errNum)); err != nil {
		return 0, fmt.Errorf("emulate: write VM_INSTRUCTION_ERROR: %w", err)
	}
	return VMFailValid, nil
}

// readGuestPhys64 reads one 64-bit little-endian value at a
// guest-physical address, used for the memory-operand form common to
// VMXON/VMCLEAR/VMPTRLD/VMPTRST.
func (vc *VCpu) readGuestPhys64(gphys uint64) (uint64, error) {
	var buf [8]byte
	if _, err := vc.GuestMemory.ReadAt(buf[:], int64(gphys)); err != nil {
		return 0, fmt.Errorf("emulate: read guest-physical 0x%x: %w", gphys, err)
	}
	return readLE64(buf[:]), nil
}

func (vc *VCpu) writeGuestPhys64(gphys, value uint64) error {
	var buf [8]byte
	writeLE64(buf[:], value)
	if _, err := vc.GuestMemory.WriteAt(buf[:], int64(gphys)); err != nil {
		return fmt.Errorf("emulate: write guest-physical 0x%x: %w", gphys, err)
	}
	return nil
}

// EmulateVMXON handles ExitReasonVMXON. operandGphys is the decoded
// memory operand (the guest-physical address holding the VMXON
// region's own physical address, per the instruction's semantics).
func (vc *VCpu) EmulateVMXON(operandGphys uint64) (VMResult, error) {
	if vc.ShadowVt.Mode() != ShadowVtCleared {
		return vc.vmFailValid(VMInstrErrVMXONInVMXRootOp)
	}
	vmxonPhys, err := vc.readGuestPhys64(operandGphys)
	if err != nil {
		return 0, err
	}
	revID, err := vc.readGuestPhys64(vmxonPhys)
	if err == nil && uint32(revID)&0x7FFFFFFF != vc.PCpu.Caps.VmcsRevisionID {
		return vc.vmFailValid(VMInstrErrVMXONBadRevisionID)
	}
	if err := vc.ShadowVt.OnVmxon(vmxonPhys); err != nil {
		return vc.vmFailValid(VMInstrErrVMXONInVMXRootOp)
	}
	return VMSucceed, nil
}

// EmulateVMXOFF handles ExitReasonVMXOFF.
func (vc *VCpu) EmulateVMXOFF() (VMResult, error) {
	if err := vc.ShadowVt.OnVmxoff(); err != nil {
		return vc.vmFailValid(VMInstrErrVMCALLInVMXRoot)
	}
	return VMSucceed, nil
}

// EmulateVMCLEAR handles ExitReasonVMCLEAR.
func (vc *VCpu) EmulateVMCLEAR(operandGphys uint64) (VMResult, error) {
	if vc.ShadowVt.Mode() == ShadowVtCleared {
		return VMFailInvalid, nil
	}
	vmcsPhys, err := vc.readGuestPhys64(operandGphys)
	if err != nil {
		return 0, err
	}
	if vmcsPhys == vc.ShadowVt.l1VmxonGphys {
		return vc.vmFailValid(VMInstrErrVMCLEARVmxonPointer)
	}
	if err := vc.ShadowVt.OnVmclear(vmcsPhys); err != nil {
		return vc.vmFailValid(VMInstrErrVMCLEARInvalidAddr)
	}
	return VMSucceed, nil
}

// EmulateVMPTRLD handles ExitReasonVMPTRLD.
func (vc *VCpu) EmulateVMPTRLD(operandGphys uint64) (VMResult, error) {
	if vc.ShadowVt.Mode() == ShadowVtCleared {
		return VMFailInvalid, nil
	}
	vmcsPhys, err := vc.readGuestPhys64(operandGphys)
	if err != nil {
		return 0, err
	}
	if vmcsPhys == vc.ShadowVt.l1VmxonGphys {
		return vc.vmFailValid(VMInstrErrVMPTRLDVmxonPointer)
	}
	shadow, err := vc.vmcs12For(vmcsPhys)
	if err != nil {
		return 0, err
	}
	if err := vc.ShadowVt.OnVmptrld(vmcsPhys); err != nil {
		return vc.vmFailValid(VMInstrErrVMPTRLDInvalidAddr)
	}
	vc.currentL1Vmcs = shadow
	return VMSucceed, nil
}

// EmulateVMPTRST handles ExitReasonVMPTRST, writing L1's notion of the
// current VMCS pointer (or the all-ones sentinel) to operandGphys.
func (vc *VCpu) EmulateVMPTRST(operandGphys uint64) (VMResult, error) {
	if vc.ShadowVt.Mode() == ShadowVtCleared {
		return VMFailInvalid, nil
	}
	current, ok := vc.ShadowVt.CurrentVmcs()
	if !ok {
		current = 0xFFFFFFFFFFFFFFFF
	}
	if err := vc.writeGuestPhys64(operandGphys, current); err != nil {
		return 0, err
	}
	return VMSucceed, nil
}

// EmulateVMREAD handles ExitReasonVMREAD against L1's current VMCS12.
// field is the VMCS field L1 asked for; the value read is returned as
// the second result, for the caller to store into the decoded
// register/memory destination.
func (vc *VCpu) EmulateVMREAD(field uint64) (VMResult, uint64, error) {
	if vc.ShadowVt.Mode() != ShadowVtShadowing && vc.ShadowVt.Mode() != ShadowVtNestedShadowing {
		return VMFailInvalid, 0, nil
	}
	value, err := vc.currentL1Vmcs.Read(Field(field))
	if err != nil {
		r, ferr := vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
		return r, 0, ferr
	}
	return VMSucceed, value, nil
}

// EmulateVMWRITE handles ExitReasonVMWRITE.
func (vc *VCpu) EmulateVMWRITE(field, value uint64) (VMResult, error) {
	if vc.ShadowVt.Mode() != ShadowVtShadowing && vc.ShadowVt.Mode() != ShadowVtNestedShadowing {
		return VMFailInvalid, nil
	}
	if err := vc.currentL1Vmcs.Write(Field(field), value); err != nil {
		return vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
	}
	return VMSucceed, nil
}

// EmulateINVEPT handles ExitReasonINVEPT: invalidates L0's shadow-EPT
// cache entry for the L1-specified EPTP (single-context) or every
// cached shadow EPT (all-contexts).
func (vc *VCpu) EmulateINVEPT(typ uint64, eptp uint64) (VMResult, error) {
	switch typ {
	case 1: // single-context
		if shadow, ok := vc.ShadowEpt.Get(eptp); ok {
			if err := DoVtxInvept(vc.PCpu.ControlFD, 1, shadow.EPTP()); err != nil {
				return 0, fmt.Errorf("emulate: INVEPT single-context: %w", err)
			}
		}
		// The shadow EPT built from L1's EPT at this EPTP must not
		// outlive the invalidation L1 just asked for: any VPID
		// assignment scoped to it is stale in the same instant
		// (spec.md §4.7 INVEPT contract, §8 scenario 6).
		vc.ShadowEpt.Remove(eptp)
		vc.ShadowVpid.RemoveAllForEptp(eptp)
	case 2: // all-contexts
		if !vc.PCpu.Caps.InvEptAllContexts {
			return vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
		}
		if err := DoVtxInvept(vc.PCpu.ControlFD, 2, 0); err != nil {
			return 0, fmt.Errorf("emulate: INVEPT all-contexts: %w", err)
		}
		// Every shadow EPT is gone, so every VPID assignment scoped to
		// any of them is stale too, not just the EPTP the single-context
		// form would have named.
		vc.ShadowEpt.RemoveAll()
		vc.ShadowVpid.RemoveAll()
	default:
		return vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
	}
	return VMSucceed, nil
}

// EmulateINVVPID handles ExitReasonINVVPID. The cache key needs L1's
// current EPTP alongside l1Vpid (spec.md §3.3's {guest_ep4ta,
// guest_vpid, real_vpid} triple) since two L1 EPTPs may independently
// choose the same guest-visible VPID value.
func (vc *VCpu) EmulateINVVPID(typ uint64, l1Vpid uint16, linearAddr uint64) (VMResult, error) {
	if vc.currentL1Vmcs == nil {
		return vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
	}
	l1Eptp, err := vc.currentL1Vmcs.Read(FieldEPTPointer)
	if err != nil {
		return 0, fmt.Errorf("emulate: INVVPID read VMCS12 EPTP: %w", err)
	}
	realVpid := vc.ShadowVpid.Assign(l1Eptp, l1Vpid)
	switch typ {
	case 1, 2, 3:
		if err := DoVtxInvvpid(vc.PCpu.ControlFD, typ, realVpid, linearAddr); err != nil {
			return 0, fmt.Errorf("emulate: INVVPID: %w", err)
		}
		// The cached assignment must not survive the invalidation it was
		// just used to perform (spec.md §4.7 INVVPID contract); the next
		// Assign re-establishes it against a (possibly new) real VPID.
		vc.ShadowVpid.Remove(l1Eptp, l1Vpid)
	default:
		return vc.vmFailValid(VMInstrErrVMREADWRITEInvalidField)
	}
	return VMSucceed, nil
}
