package hypervisor_test

import (
	"testing"

	"core_engine/hypervisor"
)

func TestDecodeVMXOperand_RegisterForm(t *testing.T) {
	regs := &hypervisor.KvmRegs{RCX: 0xAAAA, RBX: 0x1234}

	// bit 10 set -> register form; Reg1 (bits 6:3) = 1 (RCX) is the
	// register operand, Reg2 (bits 31:28) = 3 (RBX) holds the field.
	info := uint32(1<<10) | (1 << 3) | (3 << 28)
	op := hypervisor.DecodeVMXOperand(info, 0, regs)

	if op.Kind != hypervisor.OperandRegister {
		t.Fatalf("expected OperandRegister, got %v", op.Kind)
	}
	if op.GPRIndex != 1 || op.Reg2Index != 3 {
		t.Errorf("expected GPRIndex=1 Reg2Index=3, got GPRIndex=%d Reg2Index=%d", op.GPRIndex, op.Reg2Index)
	}
}

func TestDecodeVMXOperand_MemoryForm(t *testing.T) {
	regs := &hypervisor.KvmRegs{RSI: 0x2000}

	// bit 10 clear -> memory form; base register (bits 26:23) = 6 (RSI);
	// Reg2 (bits 31:28) = 1 (RCX) holds the VMCS field encoding.
	info := uint32(6<<23) | (1 << 28)
	op := hypervisor.DecodeVMXOperand(info, 0x40, regs)

	if op.Kind != hypervisor.OperandMemory {
		t.Fatalf("expected OperandMemory, got %v", op.Kind)
	}
	if op.Gphys != 0x2040 {
		t.Errorf("expected Gphys 0x2040, got 0x%x", op.Gphys)
	}
	if op.Reg2Index != 1 {
		t.Errorf("expected Reg2Index 1, got %d", op.Reg2Index)
	}
}

func TestDecodeVMXOperand_MemoryFormBaseRegInvalid(t *testing.T) {
	regs := &hypervisor.KvmRegs{RSI: 0x2000}

	// BaseRegInvalid (bit 27) set: the base register field must be
	// ignored even though it is nonzero.
	info := uint32(6<<23) | (1 << 27) | (2 << 28)
	op := hypervisor.DecodeVMXOperand(info, 0x40, regs)

	if op.Gphys != 0x40 {
		t.Errorf("expected displacement-only Gphys 0x40 with base ignored, got 0x%x", op.Gphys)
	}
}

func TestKvmRegsGPRRoundTrip(t *testing.T) {
	regs := &hypervisor.KvmRegs{}
	for i := 0; i < 8; i++ {
		regs.SetGPR(i, uint64(i+1)*0x1000)
	}
	for i := 0; i < 8; i++ {
		want := uint64(i+1) * 0x1000
		if got := regs.GPR(i); got != want {
			t.Errorf("GPR(%d) = 0x%x, want 0x%x", i, got, want)
		}
	}
	if regs.GPR(9) != 0 {
		t.Errorf("GPR out of the tracked set should read 0, got 0x%x", regs.GPR(9))
	}
}
