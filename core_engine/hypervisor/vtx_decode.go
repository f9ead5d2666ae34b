package hypervisor

// VMX instruction operand decoding (spec.md §4.5 companion). Every VMX
// instruction that exits unconditionally encodes its operand form in
// VMX_INSTRUCTION_INFO (SDM 24.11.3): either a general-purpose register
// or a memory operand built from a base register plus a 32-bit
// displacement. core_engine's guest never uses a scaled index or a
// non-flat segment for these instructions, so SIB/segment-base decoding
// is not implemented — base-plus-displacement is enough, and combined
// with the linear==physical assumption documented in vtx_emulate.go,
// the decoded address is used directly as a guest-physical address.

type VMXInstrOperandKind int

const (
	OperandMemory VMXInstrOperandKind = iota
	OperandRegister
)

// DecodedVMXOperand is the result of decoding one VMX instruction's
// operands. Reg2Index is always populated: it is VMX_INSTRUCTION_INFO
// bits 31:28, which for VMREAD/VMWRITE is the register holding the
// VMCS field encoding regardless of whether the other operand (Kind)
// is a register or a memory location.
type DecodedVMXOperand struct {
	Kind      VMXInstrOperandKind
	Gphys     uint64
	GPRIndex  int
	Reg2Index int
}

// GPRSource supplies general-purpose register contents by the ModRM
// register numbering (0=RAX,1=RCX,2=RDX,3=RBX,4=RSP,5=RBP,6=RSI,7=RDI).
type GPRSource interface {
	GPR(index int) uint64
}

const vmxInfoMemRegBit = 1 << 10

// DecodeVMXOperand decodes VMX_INSTRUCTION_INFO plus the trailing
// displacement operand most VMX instruction forms carry in
// FieldExitQualification-adjacent instruction bytes.
func DecodeVMXOperand(info uint32, displacement uint64, gprs GPRSource) DecodedVMXOperand {
	reg2 := int((info >> 28) & 0xF)
	if info&vmxInfoMemRegBit != 0 {
		reg1 := int((info >> 3) & 0xF)
		return DecodedVMXOperand{Kind: OperandRegister, GPRIndex: reg1, Reg2Index: reg2}
	}
	baseInvalid := info&(1<<27) != 0
	baseReg := int((info >> 23) & 0xF)
	var base uint64
	if !baseInvalid {
		base = gprs.GPR(baseReg)
	}
	return DecodedVMXOperand{Kind: OperandMemory, Gphys: base + displacement, Reg2Index: reg2}
}

// GPR reads one general-purpose register by ModRM numbering, matching
// DecodeVMXOperand's convention. Only the eight registers core_engine's
// KvmRegs tracks are addressable; anything else reads as 0.
func (r *KvmRegs) GPR(index int) uint64 {
	switch index {
	case 0:
		return r.RAX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RBX
	case 4:
		return r.RSP
	case 5:
		return r.RBP
	case 6:
		return r.RSI
	case 7:
		return r.RDI
	default:
		return 0
	}
}

// SetGPR writes one general-purpose register, used when a VMX
// instruction's destination operand is a register (e.g. VMREAD).
func (r *KvmRegs) SetGPR(index int, value uint64) {
	switch index {
	case 0:
		r.RAX = value
	case 1:
		r.RCX = value
	case 2:
		r.RDX = value
	case 3:
		r.RBX = value
	case 4:
		r.RSP = value
	case 5:
		r.RBP = value
	case 6:
		r.RSI = value
	case 7:
		r.RDI = value
	}
}
