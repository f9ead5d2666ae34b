package hypervisor

import "fmt"

// VCpu is the per-vCPU VT-x virtualization state (spec.md §3): one
// VMCS01 (the VMCS L0 actually runs), one baseline Ept engine, the
// paging-mode wiring, and — only populated once the guest turns into
// a nested hypervisor itself — the shadow-VT state machine and shadow
// EPT/VPID caches. It is a collaborator of core_engine.VCPU, not a
// replacement for it: core_engine.VCPU still owns the KVM-shaped
// device model and I/O dispatch the teacher built; this type owns
// everything the Intel SDM calls "VMX operation".
type VCpu struct {
	PCpu *PCpu
	VMCS *VMCS
	Ept  *Ept

	PagingMode *PagingModeSwitch
	ShadowVt   *ShadowVt
	ShadowEpt  *ShadowEptCache
	ShadowVpid *ShadowVpidCache

	GuestMemory       GuestMemory
	Translator        GuestPhysTranslator
	InterruptRemapper InterruptRemapper

	Vpid  uint16
	Debug bool

	ioBitmapA, ioBitmapB, msrBitmap []byte

	// currentL1Vmcs is the VMCS backing whichever guest-physical
	// address L1 last VMPTRLD'd — its "VMCS12". vmcs12Cache remembers
	// one VMCS object per gphys L1 has used so repeated VMPTRLD of the
	// same address doesn't leak a fresh region every time; it is
	// intentionally unbounded (spec.md leaves "how many VMCS12s can L1
	// juggle" unconstrained, unlike the shadow EPT/VPID caches).
	currentL1Vmcs *VMCS
	vmcs12Cache   map[uint64]*VMCS

	// pendingL2Reinject carries an IDT-vectoring event captured while
	// servicing a shadow-EPT violation internally (spec.md §4.8 step 7
	// "IDT-vectoring re-injection"): L2 was in the middle of delivering
	// an event when the EPT violation hit, the violation is fixed up
	// without L1 ever seeing it, so the next VMCS02 build must hand the
	// same event back to L2 or it is lost entirely.
	pendingL2Reinject *pendingReinject
}

type pendingReinject struct {
	intrInfo uint64
	errCode  uint64
}

// NewVCpu builds the VMCS, the baseline EPT engine (or none, under
// PagingModeShadow), and the nested-virtualization scaffolding for one
// vCPU, and performs the initial VMCS construction (spec.md §4.1-§4.3
// wired together).
func NewVCpu(pcpu *PCpu, translator GuestPhysTranslator, mmio MMIOCollaborator, mtrr MTRRModel, forceMap ForceMapSource, shadowMMU ShadowPagingMMU, pat PATModel, mem GuestMemory, remapper InterruptRemapper, vpid uint16, debug bool) (*VCpu, error) {
	vmcs, err := NewVMCS(pcpu.ControlFD, pcpu.HostMemory, pcpu.Caps.VmcsRevisionID)
	if err != nil {
		return nil, fmt.Errorf("vcpu: new VMCS: %w", err)
	}
	if err := vmcs.Load(); err != nil {
		return nil, fmt.Errorf("vcpu: initial VMPTRLD: %w", err)
	}

	mode := DeterminePagingMode(pcpu.Caps)

	var ept *Ept
	if mode != PagingModeShadow {
		ept, err = NewEpt(pcpu.ControlFD, pcpu.HostMemory, translator, mmio, mtrr, forceMap, vpid, debug)
		if err != nil {
			return nil, fmt.Errorf("vcpu: new Ept: %w", err)
		}
		if err := ept.EptMap1MB(); err != nil {
			return nil, fmt.Errorf("vcpu: identity-map low memory: %w", err)
		}
	}

	pms, err := NewPagingModeSwitch(mode, vmcs, pcpu.Caps, ept, shadowMMU, pat, debug)
	if err != nil {
		return nil, fmt.Errorf("vcpu: paging mode switch: %w", err)
	}

	ioBitmapA, err := AllocPage()
	if err != nil {
		panic(fmt.Sprintf("vcpu: I/O bitmap A allocation failed: %v", err))
	}
	ioBitmapB, err := AllocPage()
	if err != nil {
		panic(fmt.Sprintf("vcpu: I/O bitmap B allocation failed: %v", err))
	}
	msrBitmap, err := AllocPage()
	if err != nil {
		panic(fmt.Sprintf("vcpu: MSR bitmap allocation failed: %v", err))
	}

	if err := BuildInitialVMCS(vmcs, pcpu.Caps, ioBitmapA, ioBitmapB, msrBitmap); err != nil {
		return nil, fmt.Errorf("vcpu: build initial VMCS: %w", err)
	}
	if err := pms.Configure(); err != nil {
		return nil, fmt.Errorf("vcpu: configure paging mode: %w", err)
	}
	if mode != PagingModeShadow {
		vmcs.MustWrite(FieldVPID, uint64(vpid))
	}

	shadowEpt := NewShadowEptCache(pcpu.ControlFD)
	shadowVpid := NewShadowVpidCache(pcpu.ControlFD)

	vc := &VCpu{
		PCpu:              pcpu,
		VMCS:              vmcs,
		Ept:               ept,
		PagingMode:        pms,
		ShadowVt:          NewShadowVt(pcpu.ControlFD, shadowEpt, shadowVpid, debug),
		ShadowEpt:         shadowEpt,
		ShadowVpid:        shadowVpid,
		GuestMemory:       mem,
		Translator:        translator,
		InterruptRemapper: remapper,
		Vpid:              vpid,
		Debug:             debug,
		ioBitmapA:         ioBitmapA,
		ioBitmapB:         ioBitmapB,
		msrBitmap:         msrBitmap,
		vmcs12Cache:       make(map[uint64]*VMCS),
	}
	return vc, nil
}

// vmcs12For returns the VMCS object backing L1's VMCS12 at gphys,
// allocating and VMCLEARing a fresh one on first use, and makes it the
// control device's current VMCS.
func (vc *VCpu) vmcs12For(gphys uint64) (*VMCS, error) {
	if v, ok := vc.vmcs12Cache[gphys]; ok {
		if err := v.Load(); err != nil {
			return nil, fmt.Errorf("vcpu: reload VMCS12 at gphys 0x%x: %w", gphys, err)
		}
		return v, nil
	}
	v, err := NewVMCS(vc.PCpu.ControlFD, vc.PCpu.HostMemory, vc.PCpu.Caps.VmcsRevisionID)
	if err != nil {
		return nil, fmt.Errorf("vcpu: allocate VMCS12 at gphys 0x%x: %w", gphys, err)
	}
	if err := v.Load(); err != nil {
		return nil, fmt.Errorf("vcpu: initial load of VMCS12 at gphys 0x%x: %w", gphys, err)
	}
	vc.vmcs12Cache[gphys] = v
	return v, nil
}

// ReassertNMIBlockingIfNeeded implements spec.md §4.5's
// NMI-unblocking-due-to-IRET propagation. qual is the exit
// qualification from an EPT-violation exit that vc's currently-loaded
// VMCS will resume from at the same faulting instruction: if that
// instruction was an IRET in the middle of unblocking NMIs, resuming it
// from scratch must not let the unblocking take effect a second time
// early — the re-executed IRET will unblock NMIs correctly once it
// actually completes, so NMI blocking must be forced back on now.
func (vc *VCpu) ReassertNMIBlockingIfNeeded(current *VMCS, qual uint64) error {
	if qual&ExitQualNMIUnblockingDueToIRET == 0 {
		return nil
	}
	info, err := current.Read(FieldGuestInterruptibilityInfo)
	if err != nil {
		return fmt.Errorf("vcpu: read guest interruptibility state: %w", err)
	}
	if err := current.Write(FieldGuestInterruptibilityInfo, info|uint64(InterruptibilityBlockingByNMI)); err != nil {
		return fmt.Errorf("vcpu: reassert NMI blocking: %w", err)
	}
	return nil
}

// Close releases the VCpu's VMCS and bitmap pages. The Ept engine's
// pool is released by whoever owns the VirtualMachine-level teardown,
// since it may be shared across vCPUs under a common EPTP.
func (vc *VCpu) Close() error {
	if err := vc.VMCS.Free(); err != nil {
		return err
	}
	FreePages(vc.ioBitmapA)
	FreePages(vc.ioBitmapB)
	FreePages(vc.msrBitmap)
	return nil
}
