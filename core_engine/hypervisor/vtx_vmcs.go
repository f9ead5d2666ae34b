package hypervisor

import "fmt"

// VMCS field identifiers (Intel SDM Appendix B), bit-exact. Field
// width is encoded in bits 14:13 of the identifier itself, which is
// why Field.Width below can derive it without a side table — the
// original_source/ accessor layer this is grounded on does the same.
type Field uint32

const (
	widthMask  = 0x6000
	width16Bit = 0x0000
	width64Bit = 0x2000
	width32Bit = 0x4000
	widthNatural = 0x6000
)

type FieldWidth int

const (
	Width16 FieldWidth = iota
	Width64
	Width32
	WidthNatural
)

// Width reports the VMCS field's access width.
func (f Field) Width() FieldWidth {
	switch uint32(f) & widthMask {
	case width16Bit:
		return Width16
	case width64Bit:
		return Width64
	case width32Bit:
		return Width32
	default:
		return WidthNatural
	}
}

// Selected VMCS field identifiers.
const (
	FieldVPID               Field = 0x0000
	FieldGuestESSelector     Field = 0x0800
	FieldGuestCSSelector     Field = 0x0802
	FieldGuestSSSelector     Field = 0x0804
	FieldGuestDSSelector     Field = 0x0806
	FieldGuestFSSelector     Field = 0x0808
	FieldGuestGSSelector     Field = 0x080A
	FieldGuestLDTRSelector   Field = 0x080C
	FieldGuestTRSelector     Field = 0x080E
	FieldHostESSelector      Field = 0x0C00
	FieldHostCSSelector      Field = 0x0C02
	FieldHostSSSelector      Field = 0x0C04
	FieldHostDSSelector      Field = 0x0C06
	FieldHostFSSelector      Field = 0x0C08
	FieldHostGSSelector      Field = 0x0C0A
	FieldHostTRSelector      Field = 0x0C0C

	FieldIOBitmapA          Field = 0x2000
	FieldIOBitmapB          Field = 0x2002
	FieldMSRBitmap          Field = 0x2004
	FieldTSCOffset          Field = 0x2010
	FieldEPTPointer         Field = 0x201A
	FieldVMReadBitmap       Field = 0x2026
	FieldVMWriteBitmap      Field = 0x2028
	FieldVMCSLinkPointer    Field = 0x2802
	FieldGuestIA32PAT       Field = 0x2806
	FieldGuestIA32EFER      Field = 0x2808
	FieldGuestPDPTE0        Field = 0x280C
	FieldGuestPDPTE1        Field = 0x280E
	FieldGuestPDPTE2        Field = 0x2810
	FieldGuestPDPTE3        Field = 0x2812
	FieldHostIA32PAT        Field = 0x2C00
	FieldHostIA32EFER       Field = 0x2C02

	FieldPinBasedVMExecControl   Field = 0x4000
	FieldCPUBasedVMExecControl   Field = 0x4002
	FieldExceptionBitmap         Field = 0x4004
	FieldVMExitControls          Field = 0x400C
	FieldVMEntryControls         Field = 0x4012
	FieldVMEntryIntrInfoField    Field = 0x4016
	FieldVMEntryExceptionErrCode Field = 0x4018
	FieldVMEntryInstructionLen   Field = 0x401A
	FieldSecondaryVMExecControl  Field = 0x401E
	FieldVMInstructionErr        Field = 0x4400
	FieldVMExitReason            Field = 0x4402
	FieldVMExitIntrInfo          Field = 0x4404
	FieldVMExitIntrErrCode       Field = 0x4406
	FieldIDTVectoringInfoField   Field = 0x4408
	FieldIDTVectoringErrCode     Field = 0x440A
	FieldVMExitInstructionLen    Field = 0x440C
	FieldVMXInstructionInfo      Field = 0x440E
	FieldGuestESLimit            Field = 0x4800
	FieldGuestCSLimit            Field = 0x4802
	FieldGuestSSLimit            Field = 0x4804
	FieldGuestDSLimit            Field = 0x4806
	FieldGuestFSLimit            Field = 0x4808
	FieldGuestGSLimit            Field = 0x480A
	FieldGuestLDTRLimit          Field = 0x480C
	FieldGuestTRLimit            Field = 0x480E
	FieldGuestGDTRLimit          Field = 0x4810
	FieldGuestIDTRLimit          Field = 0x4812
	FieldGuestESARBytes          Field = 0x4814
	FieldGuestCSARBytes          Field = 0x4816
	FieldGuestSSARBytes          Field = 0x4818
	FieldGuestDSARBytes          Field = 0x481A
	FieldGuestFSARBytes          Field = 0x481C
	FieldGuestGSARBytes          Field = 0x481E
	FieldGuestLDTRARBytes        Field = 0x4820
	FieldGuestTRARBytes          Field = 0x4822
	FieldGuestInterruptibilityInfo Field = 0x4824
	FieldGuestActivityState      Field = 0x4826
	FieldGuestSysenterCS         Field = 0x482A
	FieldHostIA32SysenterCS      Field = 0x4C00

	FieldCR0GuestHostMask  Field = 0x6000
	FieldCR4GuestHostMask  Field = 0x6002
	FieldCR0ReadShadow     Field = 0x6004
	FieldCR4ReadShadow     Field = 0x6006
	FieldExitQualification Field = 0x6400
	FieldGuestLinearAddress Field = 0x640A
	FieldGuestCR0          Field = 0x6800
	FieldGuestCR3          Field = 0x6802
	FieldGuestCR4          Field = 0x6804
	FieldGuestESBase       Field = 0x6806
	FieldGuestCSBase       Field = 0x6808
	FieldGuestSSBase       Field = 0x680A
	FieldGuestDSBase       Field = 0x680C
	FieldGuestFSBase       Field = 0x680E
	FieldGuestGSBase       Field = 0x6810
	FieldGuestLDTRBase     Field = 0x6812
	FieldGuestTRBase       Field = 0x6814
	FieldGuestGDTRBase     Field = 0x6816
	FieldGuestIDTRBase     Field = 0x6818
	FieldGuestDR7          Field = 0x681A
	FieldGuestRSP          Field = 0x681C
	FieldGuestRIP          Field = 0x681E
	FieldGuestRFlags       Field = 0x6820
	FieldGuestPendingDbgExceptions Field = 0x6822
	FieldGuestSysenterESP  Field = 0x6824
	FieldGuestSysenterEIP  Field = 0x6826
	FieldHostCR0           Field = 0x6C00
	FieldHostCR3           Field = 0x6C02
	FieldHostCR4           Field = 0x6C04
	FieldHostFSBase        Field = 0x6C06
	FieldHostGSBase        Field = 0x6C08
	FieldHostTRBase        Field = 0x6C0A
	FieldHostGDTRBase      Field = 0x6C0C
	FieldHostIDTRBase      Field = 0x6C0E
	FieldHostIA32SysenterESP Field = 0x6C10
	FieldHostIA32SysenterEIP Field = 0x6C12
	FieldHostRSP           Field = 0x6C14
	FieldHostRIP           Field = 0x6C16
)

// VMCS wraps one host-physical/host-virtual VMCS region and the
// control-device fd used to VMREAD/VMWRITE it. All access goes through
// Read/Write so field width is never assumed incorrectly (SPEC_FULL.md
// "VMCS field width handling"); the interior byte buffer is otherwise
// opaque, matching spec.md's design note that VMCS content is only
// meaningful through VMREAD/VMWRITE intrinsics.
type VMCS struct {
	ControlFD int
	Region    []byte
	HPA       uint64
	Launched  bool
}

// NewVMCS allocates one page for a VMCS region and stamps the
// revision identifier into it, per spec.md §3 ("VMCS region: one
// page... contains revision ID" pattern, mirrored from the VMXON
// region format).
func NewVMCS(fd int, hostMemory func([]byte) uint64, revisionID uint32) (*VMCS, error) {
	region, err := AllocPage()
	if err != nil {
		panic(fmt.Sprintf("vmcs: region allocation failed: %v", err))
	}
	writeLE32(region, revisionID&0x7FFFFFFF)
	v := &VMCS{
		ControlFD: fd,
		Region:    region,
		HPA:       hostMemory(region),
	}
	if err := DoVtxVmclear(fd, v.HPA); err != nil {
		FreePages(region)
		return nil, fmt.Errorf("vmcs: initial VMCLEAR failed: %w", err)
	}
	return v, nil
}

// Load makes this VMCS the CPU's current VMCS (VMPTRLD).
func (v *VMCS) Load() error {
	if err := DoVtxVmptrld(v.ControlFD, v.HPA); err != nil {
		return fmt.Errorf("vmcs: VMPTRLD failed: %w", err)
	}
	return nil
}

// Clear executes VMCLEAR and marks the VMCS as not-launched.
func (v *VMCS) Clear() error {
	if err := DoVtxVmclear(v.ControlFD, v.HPA); err != nil {
		return fmt.Errorf("vmcs: VMCLEAR failed: %w", err)
	}
	v.Launched = false
	return nil
}

// Read executes VMREAD against the current VMCS (caller must have
// loaded it, or accept that the ioctl driver enforces "current VMCS"
// semantics and returns an error).
func (v *VMCS) Read(f Field) (uint64, error) {
	return DoVtxVmread(v.ControlFD, uint64(f))
}

// Write executes VMWRITE against the current VMCS.
func (v *VMCS) Write(f Field, value uint64) error {
	return DoVtxVmwrite(v.ControlFD, uint64(f), value)
}

// MustWrite is Write with a panic on failure, for the VMCS
// construction path (spec.md §4.2: "every field must be set before
// the first VMLAUNCH" — a write failure there is a capability
// mismatch bug, not a guest-observable condition).
func (v *VMCS) MustWrite(f Field, value uint64) {
	if err := v.Write(f, value); err != nil {
		panic(fmt.Sprintf("vmcs: VMWRITE field 0x%x failed: %v", uint32(f), err))
	}
}

// Free releases the VMCS region's backing page.
func (v *VMCS) Free() error {
	return FreePages(v.Region)
}
