package core_engine

import (
	"fmt"
	"log"
	"sync"

	"core_engine/hypervisor"
)

// vtx_bridge.go wires the hypervisor package's VT-x core (PCpu/VCpu/Ept)
// into the teacher's KVM-based VirtualMachine/VCPU pair. The KVM path
// stays exactly as the teacher built it — it is how core_engine boots
// and drives its guest today. What changes is that the guest running
// under that KVM path can now also act as its own nested hypervisor:
// when it executes a VMX instruction, the VCPU's run loop hands the
// trap to the VT-x core below instead of leaving it unhandled, using
// /dev/vtcore to actually perform VMXON/VMPTRLD/VMREAD/.../VMLAUNCH on
// the physical CPU the Go process itself is running on.
//
// flatGuestMemory adapts VirtualMachine's single flat mmap'd guest
// memory region into every collaborator interface vtx_external.go
// declares. core_engine's guest is identity-mapped from guest-physical
// 0 (see NewVirtualMachine's cold-boot PDE4MB setup), and AllocPage's
// own HostPhysAddr trick treats a host-virtual slice pointer as its
// own host-physical address — so the flat guest-memory slice plays
// double duty as both the EPT translator's source of truth and, once
// offset into, the thing EPT leaf entries ultimately point at.
type flatGuestMemory struct {
	vm *VirtualMachine

	mu   sync.Mutex
	pat  uint64
}

func newFlatGuestMemory(vm *VirtualMachine) *flatGuestMemory {
	return &flatGuestMemory{vm: vm, pat: 0x0007040600070406} // reset PAT default (SDM 11.12.4)
}

func (f *flatGuestMemory) ReadAt(p []byte, gphysOffset int64) (int, error) {
	if gphysOffset < 0 || int(gphysOffset)+len(p) > len(f.vm.guestMemory) {
		return 0, fmt.Errorf("flatGuestMemory: read [0x%x,+%d) out of range", gphysOffset, len(p))
	}
	return copy(p, f.vm.guestMemory[gphysOffset:]), nil
}

func (f *flatGuestMemory) WriteAt(p []byte, gphysOffset int64) (int, error) {
	if gphysOffset < 0 || int(gphysOffset)+len(p) > len(f.vm.guestMemory) {
		return 0, fmt.Errorf("flatGuestMemory: write [0x%x,+%d) out of range", gphysOffset, len(p))
	}
	return copy(f.vm.guestMemory[gphysOffset:], p), nil
}

// GP2HP resolves one 4 KiB guest-physical page. Every guest page is
// backed by the same flat mmap, so translation never fails within
// bounds and nothing is ever fakerom-protected here — the VMM-owned
// fakerom pages (the GDT, the page directory core_engine constructs at
// boot) live in this same region but are not write-protected by this
// adapter; a device model wanting that protection supplies its own
// ForceMapSource/translator layered in front, which this spec's scope
// does not require core_engine to have yet.
func (f *flatGuestMemory) GP2HP(gphys uint64) (hphys uint64, fakerom bool, ok bool) {
	page := gphys &^ 0xFFF
	if page+4096 > uint64(len(f.vm.guestMemory)) {
		return 0, false, false
	}
	return uint64(hypervisor.HostPhysAddr(f.vm.guestMemory[page : page+4096])), false, true
}

// GP2HP2M resolves one 2 MiB-aligned range in a single call; the flat
// mapping makes every in-range 2 MiB window uniformly backed.
func (f *flatGuestMemory) GP2HP2M(gphys uint64) (hphys uint64, ok bool) {
	const twoMB = 2 * 1024 * 1024
	base := gphys &^ (twoMB - 1)
	if base+twoMB > uint64(len(f.vm.guestMemory)) {
		return 0, false
	}
	return uint64(hypervisor.HostPhysAddr(f.vm.guestMemory[base : base+twoMB])), true
}

// PTEAddrMask reports the guest-physical address bits core_engine's
// 32-bit flat guest can ever produce.
func (f *flatGuestMemory) PTEAddrMask() uint64 {
	return 0xFFFFFFFF
}

// ForceMapRanges: core_engine has no device model that requires an EPT
// mapping to exist unconditionally ahead of first guest access (unlike
// a BIOS shadow RAM region or an always-resident framebuffer), so this
// is empty rather than fabricated.
func (f *flatGuestMemory) ForceMapRanges() []hypervisor.ForceMapRange {
	return nil
}

// GetGMTRRType / GMTRRTypeEqual: core_engine's guest never programs
// MTRRs (there is no MTRR device model in the teacher), so every page
// reports the same write-back type core_engine's guest would see by
// default out of reset, and every range is trivially uniform.
func (f *flatGuestMemory) GetGMTRRType(gphys uint64) uint8 {
	const mtrrTypeWriteBack = 6 // SDM 11.11.2.1, IA32_MTRR_DEF_TYPE encoding
	return mtrrTypeWriteBack
}

func (f *flatGuestMemory) GMTRRTypeEqual(base, mask uint64) bool {
	return true
}

func (f *flatGuestMemory) GetGPAT() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pat
}

func (f *flatGuestMemory) SetGPAT(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pat = value
}

// MMIORange / MMIOAccessPage report no MMIO range and handle no access:
// core_engine's devices are reached only through port I/O on the
// IOBus, so an EPT-unmapped access is never routed to a device.
func (f *flatGuestMemory) MMIORange(base, length uint64) uint64 {
	return 0 // core_engine has no MMIO-mapped device yet; everything is port I/O.
}

func (f *flatGuestMemory) MMIOAccessPage(gphys uint64, readonly bool) bool {
	return false
}

func (f *flatGuestMemory) MMIOLock()   { f.mu.Lock() }
func (f *flatGuestMemory) MMIOUnlock() { f.mu.Unlock() }

// SetCR3 backs the ShadowPagingMMU collaborator, used only under
// PagingModeShadow (no EPT). core_engine's guest always gets EPT or
// unrestricted-guest when the physical CPU offers it (see
// hypervisor.DeterminePagingMode), so this path is exercised only on
// older hardware without EPT; there is no shadow MMU in the teacher to
// adapt, so this accepts the value, records nothing and returns nil.
func (f *flatGuestMemory) SetCR3(cr3 uint64) error {
	return nil
}

// RemapVector never remaps: core_engine's PIC device already assigns
// final vectors (see devices/pic.go's ICW2 vector-offset handling)
// before an interrupt is ever injected, so the exint-hack fold-in has
// nothing further to remap.
func (f *flatGuestMemory) RemapVector(vector uint8) int {
	return -1
}

// readGuestPhys64 / writeGuestPhys64 give the VT-x trap dispatcher
// direct access to an 8-byte guest-physical value without reaching
// into the hypervisor package's own unexported helpers of the same
// shape (vtx_emulate.go's readGuestPhys64/writeGuestPhys64), since
// VMREAD/VMWRITE/INVEPT/INVVPID's memory operands are decoded here,
// one layer above the emulators themselves.
func (vm *VirtualMachine) readGuestPhys64(gphys uint64) (uint64, error) {
	if gphys+8 > uint64(len(vm.guestMemory)) {
		return 0, fmt.Errorf("readGuestPhys64: 0x%x out of range", gphys)
	}
	b := vm.guestMemory[gphys : gphys+8]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}

func (vm *VirtualMachine) writeGuestPhys64(gphys, value uint64) error {
	if gphys+8 > uint64(len(vm.guestMemory)) {
		return fmt.Errorf("writeGuestPhys64: 0x%x out of range", gphys)
	}
	b := vm.guestMemory[gphys : gphys+8]
	for i := 0; i < 8; i++ {
		b[i] = byte(value >> (8 * i))
	}
	return nil
}

// installVTxCore opens /dev/vtcore and discovers VT-x capabilities for
// the physical CPU this process is running on. Unlike /dev/kvm, which
// NewVirtualMachine treats as required, a missing or VT-x-incapable
// /dev/vtcore is not fatal: core_engine's guest simply never becomes a
// nested hypervisor, and the KVM path runs exactly as the teacher built
// it. This mirrors spec.md's own framing of nested virtualization as
// something layered on top of, not required by, the baseline core.
func (vm *VirtualMachine) installVTxCore() {
	hostMemory := func(mem []byte) uint64 { return uint64(hypervisor.HostPhysAddr(mem)) }
	pcpu, err := hypervisor.NewPCpu(hostMemory, vm.Debug)
	if err != nil {
		if vm.Debug {
			log.Printf("VirtualMachine: VT-x core unavailable, running KVM-only: %v", err)
		}
		return
	}
	if err := pcpu.Bootstrap(); err != nil {
		log.Printf("VirtualMachine: VT-x VMXON failed, running KVM-only: %v", err)
		return
	}
	vm.vtxPCpu = pcpu
	vm.vtxMemory = newFlatGuestMemory(vm)
	if vm.Debug {
		log.Println("VirtualMachine: VT-x core bootstrapped; guest may enable nested virtualization.")
	}
}

// enableVTxCore builds this VCPU's hypervisor.VCpu, the per-vCPU VMCS01
// and baseline EPT engine, once the shared PCpu is up. Called lazily
// from the run loop the first time a VMX instruction trap is observed,
// so a guest that never touches VT-x never pays VMCS-construction cost.
func (vcpu *VCPU) enableVTxCore() error {
	if vcpu.vtx != nil {
		return nil
	}
	vm := vcpu.vm
	if vm.vtxPCpu == nil {
		return fmt.Errorf("VT-x core not installed on this VirtualMachine")
	}
	mem := vm.vtxMemory
	vc, err := hypervisor.NewVCpu(vm.vtxPCpu, mem, mem, mem, mem, mem, mem, mem, mem, uint16(vcpu.id+1), vm.Debug)
	if err != nil {
		return fmt.Errorf("VCPU %d: enable VT-x core: %w", vcpu.id, err)
	}
	vcpu.vtx = vc
	return nil
}

// handleVTxTrap services one VMX-instruction or EPT-violation trap
// surfaced for this VCPU's guest (its guest-physical address space is
// exactly vm.guestMemory, per flatGuestMemory). reason is an SDM
// VM-exit reason (hypervisor.ExitReason*); qualification is that exit's
// qualification field, and vmxInfo is VMX_INSTRUCTION_INFO. On return
// the caller still owns advancing guest RIP past the trapping
// instruction — this function only performs the emulation and reports
// the VMResult/value the instruction produced.
func (vcpu *VCPU) handleVTxTrap(reason uint32, qualification uint64, vmxInfo uint32, displacement uint64) error {
	if err := vcpu.enableVTxCore(); err != nil {
		return err
	}
	vc := vcpu.vtx

	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("VCPU %d: get regs for VT-x trap: %w", vcpu.id, err)
	}
	operand := hypervisor.DecodeVMXOperand(vmxInfo, displacement, regs)

	var result hypervisor.VMResult
	var readValue uint64
	switch reason {
	case hypervisor.ExitReasonVMXON:
		result, err = vc.EmulateVMXON(operand.Gphys)
	case hypervisor.ExitReasonVMXOFF:
		result, err = vc.EmulateVMXOFF()
	case hypervisor.ExitReasonVMCLEAR:
		result, err = vc.EmulateVMCLEAR(operand.Gphys)
	case hypervisor.ExitReasonVMPTRLD:
		result, err = vc.EmulateVMPTRLD(operand.Gphys)
	case hypervisor.ExitReasonVMPTRST:
		result, err = vc.EmulateVMPTRST(operand.Gphys)
	case hypervisor.ExitReasonVMREAD:
		field := regs.GPR(operand.Reg2Index)
		result, readValue, err = vc.EmulateVMREAD(field)
		if err == nil && result == hypervisor.VMSucceed {
			if operand.Kind == hypervisor.OperandRegister {
				regs.SetGPR(operand.GPRIndex, readValue)
			} else {
				err = vcpu.vm.writeGuestPhys64(operand.Gphys, readValue)
			}
		}
	case hypervisor.ExitReasonVMWRITE:
		field := regs.GPR(operand.Reg2Index)
		var value uint64
		if operand.Kind == hypervisor.OperandRegister {
			value = regs.GPR(operand.GPRIndex)
		} else {
			value, err = vcpu.vm.readGuestPhys64(operand.Gphys)
		}
		if err == nil {
			result, err = vc.EmulateVMWRITE(field, value)
		}
	case hypervisor.ExitReasonINVEPT:
		eptp, rerr := vcpu.vm.readGuestPhys64(operand.Gphys)
		if rerr != nil {
			err = rerr
		} else {
			result, err = vc.EmulateINVEPT(regs.GPR(operand.Reg2Index), eptp)
		}
	case hypervisor.ExitReasonINVVPID:
		desc, rerr := vcpu.vm.readGuestPhys64(operand.Gphys)
		linear, rerr2 := vcpu.vm.readGuestPhys64(operand.Gphys + 8)
		if rerr != nil {
			err = rerr
		} else if rerr2 != nil {
			err = rerr2
		} else {
			result, err = vc.EmulateINVVPID(regs.GPR(operand.Reg2Index), uint16(desc), linear)
		}
	case hypervisor.ExitReasonVMLAUNCH, hypervisor.ExitReasonVMRESUME:
		return vcpu.runNestedL2(regs)
	case hypervisor.ExitReasonEPTViolation:
		gphysField, rerr := vc.VMCS.Read(hypervisor.FieldGuestPhysicalAddressField())
		if rerr != nil {
			return fmt.Errorf("VCPU %d: read guest-physical address field: %w", vcpu.id, rerr)
		}
		write := qualification&(1<<1) != 0
		execute := qualification&(1<<2) != 0
		if verr := vc.Ept.EptViolation(write, execute, gphysField); verr != nil {
			return fmt.Errorf("VCPU %d: EPT violation: %w", vcpu.id, verr)
		}
		if verr := vc.ReassertNMIBlockingIfNeeded(vc.VMCS, qualification); verr != nil {
			return fmt.Errorf("VCPU %d: %w", vcpu.id, verr)
		}
		return nil
	default:
		return fmt.Errorf("VCPU %d: unhandled VT-x exit reason %d", vcpu.id, reason)
	}
	if err != nil {
		return fmt.Errorf("VCPU %d: VT-x trap reason %d: %w", vcpu.id, reason, err)
	}

	regs.RFLAGS = (regs.RFLAGS &^ hypervisor.RFlagsVMStatusMask) | hypervisor.ResultRFlags(result)
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("VCPU %d: set regs after VT-x trap: %w", vcpu.id, err)
	}
	if vm := vcpu.vm; vm.Debug {
		log.Printf("VCPU %d: VT-x trap reason=%d result=%d", vcpu.id, reason, result)
	}
	return nil
}

// runNestedL2 drives one nested VM-entry (VMLAUNCH/VMRESUME trapped
// from L1) through hypervisor.L2Run, reflecting the L2 exit back to L1
// or, for a shadow-EPT violation L0 can service itself, looping
// silently (see ShadowVt's state machine in vtx_shadowvt.go).
func (vcpu *VCPU) runNestedL2(regs *hypervisor.KvmRegs) error {
	lr, err := hypervisor.NewL2Run(vcpu.vtx)
	if err != nil {
		return fmt.Errorf("VCPU %d: build nested L2 run: %w", vcpu.id, err)
	}
	for {
		result, err := lr.Enter(regs.RSP, regs.RIP)
		if err != nil {
			return fmt.Errorf("VCPU %d: nested L2 entry: %w", vcpu.id, err)
		}
		if vcpu.vm.Debug {
			log.Printf("VCPU %d: nested L2 exit reason=%d qual=0x%x reflectToL1=%v",
				vcpu.id, result.ExitReason, result.ExitQual, result.ReflectToL1)
		}
		if result.ReflectToL1 {
			return nil
		}
	}
}
