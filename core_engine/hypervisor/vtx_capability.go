package hypervisor

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

// Capabilities is the per-physical-CPU snapshot of VT-x feature bits
// (spec.md §3, component A). It is read once at PCpu construction and
// never mutated afterwards.
type Capabilities struct {
	VmcsRevisionID uint32

	CR0Fixed0, CR0Fixed1 uint64
	CR4Fixed0, CR4Fixed1 uint64

	PinbasedOr, PinbasedAnd   uint32
	ProcbasedOr, ProcbasedAnd uint32
	Procbased2Or, Procbased2And uint32
	ExitOr, ExitAnd   uint32
	EntryOr, EntryAnd uint32

	TrueControlsAvailable bool

	EptVpidCap uint64

	InvVpidSingleContext bool
	InvEptAllContexts    bool
	PageWalkLength4      bool
	MemTypeWB            bool
	Superpage2M          bool
	WritableReadOnlyVMCS bool

	VMCSShadowingAvailable bool
	SecondaryControlsAvailable bool
}

// VTAvailable reports whether CPUID.1:ECX.VMX is set and
// IA32_FEATURE_CONTROL has both its lock bit and its VMXON-outside-SMX
// bit set (spec.md §4.1). The MSR is only read, never written: if the
// lock bit is clear the MSR is read a second time, and one that is
// still unlocked makes VTAvailable report false.
func VTAvailable(fd int) (bool, error) {
	if !cpu.X86.HasVMX {
		return false, nil
	}

	fc, err := DoVtxReadMSR(fd, MsrIA32FeatureControl)
	if err != nil {
		return false, fmt.Errorf("read IA32_FEATURE_CONTROL: %w", err)
	}

	if fc&FeatureControlLockBit == 0 {
		// Not yet locked: the BIOS has not committed a policy.
		fc |= FeatureControlLockBit | FeatureControlVmxOutsideSMXBit
		// The control device has no WRMSR wrapper for this MSR, so
		// the value computed above is not written back. The re-read
		// below only sees a lock that firmware or another core has
		// set in the meantime.
		fc, err = DoVtxReadMSR(fd, MsrIA32FeatureControl)
		if err != nil {
			return false, fmt.Errorf("re-read IA32_FEATURE_CONTROL: %w", err)
		}
	}

	locked := fc&FeatureControlLockBit != 0
	allowed := fc&FeatureControlVmxOutsideSMXBit != 0
	return locked && allowed, nil
}

// DiscoverCapabilities reads the VMX basic/pinbased/procbased/exit/
// entry/EPT-VPID MSRs and builds the capability snapshot (component
// A). fd is the physical CPU's control-device descriptor.
func DiscoverCapabilities(fd int) (*Capabilities, error) {
	caps := &Capabilities{}

	basic, err := DoVtxReadMSR(fd, MsrIA32VmxBasic)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_BASIC: %w", err)
	}
	caps.VmcsRevisionID = uint32(basic & 0x7FFFFFFF)
	// Bit 55 of IA32_VMX_BASIC indicates the "true" control MSRs exist.
	caps.TrueControlsAvailable = basic&(1<<55) != 0

	caps.CR0Fixed0, err = DoVtxReadMSR(fd, MsrIA32VmxCr0Fixed0)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_CR0_FIXED0: %w", err)
	}
	caps.CR0Fixed1, err = DoVtxReadMSR(fd, MsrIA32VmxCr0Fixed1)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_CR0_FIXED1: %w", err)
	}
	caps.CR4Fixed0, err = DoVtxReadMSR(fd, MsrIA32VmxCr4Fixed0)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_CR4_FIXED0: %w", err)
	}
	caps.CR4Fixed1, err = DoVtxReadMSR(fd, MsrIA32VmxCr4Fixed1)
	if err != nil {
		return nil, fmt.Errorf("read IA32_VMX_CR4_FIXED1: %w", err)
	}

	pinMSR, procMSR, exitMSR, entryMSR := MsrIA32VmxPinbasedCtls, MsrIA32VmxProcbasedCtls, MsrIA32VmxExitCtls, MsrIA32VmxEntryCtls
	if caps.TrueControlsAvailable {
		pinMSR, procMSR, exitMSR, entryMSR = MsrIA32VmxTruePinbasedCtls, MsrIA32VmxTrueProcbasedCtls, MsrIA32VmxTrueExitCtls, MsrIA32VmxTrueEntryCtls
	}

	if caps.PinbasedOr, caps.PinbasedAnd, err = readCtlsMSR(fd, pinMSR); err != nil {
		return nil, err
	}
	if caps.ProcbasedOr, caps.ProcbasedAnd, err = readCtlsMSR(fd, procMSR); err != nil {
		return nil, err
	}
	if caps.ExitOr, caps.ExitAnd, err = readCtlsMSR(fd, exitMSR); err != nil {
		return nil, err
	}
	if caps.EntryOr, caps.EntryAnd, err = readCtlsMSR(fd, entryMSR); err != nil {
		return nil, err
	}

	caps.SecondaryControlsAvailable = caps.ProcbasedAnd&ProcbasedActivateSecondaryCtls != 0
	if caps.SecondaryControlsAvailable {
		if caps.Procbased2Or, caps.Procbased2And, err = readCtlsMSR(fd, MsrIA32VmxProcbasedCtls2); err != nil {
			return nil, err
		}
		caps.VMCSShadowingAvailable = caps.Procbased2And&SecondaryEnableVMCSShadowing != 0
	}

	eptVpid, err := DoVtxReadMSR(fd, MsrIA32VmxEptVpidCap)
	if err != nil {
		// Not fatal: EPT/VPID capability MSR only exists when the
		// secondary processor-based "enable EPT"/"enable VPID" bits
		// are reported as available; absence just means no EPT.
		eptVpid = 0
	}
	caps.EptVpidCap = eptVpid
	caps.InvVpidSingleContext = eptVpid&EptVpidCapInvVpidSingleContext != 0
	caps.InvEptAllContexts = eptVpid&EptVpidCapInvEptAllContexts != 0
	caps.PageWalkLength4 = eptVpid&EptVpidCapPageWalk4 != 0
	caps.MemTypeWB = eptVpid&EptVpidCapMemTypeWB != 0
	caps.Superpage2M = eptVpid&EptVpidCapSuperpage2M != 0

	return caps, nil
}

// readCtlsMSR splits a VMX control-capability MSR into its allowed-0
// ("or", required-1) and allowed-1 ("and") masks: bits set in the low
// 32 must be 1, bits clear in the high 32 must be 0, per the Intel
// SDM's control-MSR encoding.
func readCtlsMSR(fd int, msr uint32) (or, and uint32, err error) {
	val, err := DoVtxReadMSR(fd, msr)
	if err != nil {
		return 0, 0, fmt.Errorf("read control MSR 0x%x: %w", msr, err)
	}
	or = uint32(val)
	and = uint32(val >> 32)
	return or, and, nil
}

// ClampCR applies the FIXED0/FIXED1 masks to a candidate CR0/CR4
// value: bits forced to 1 by FIXED0 are set, bits forced to 0 by
// FIXED1 are cleared, everything else is left as the guest/host chose.
func ClampCR(value, fixed0, fixed1 uint64) uint64 {
	value |= fixed0
	value &= fixed1
	return value
}

// EptAvailable reports whether the processor's secondary controls and
// EPT/VPID capability bits together satisfy spec.md §4.2's
// enable-EPT condition: page-walk length 4, WB memory type, and
// PAT save/load available in exit/entry controls.
func (c *Capabilities) EptAvailable() bool {
	return c.SecondaryControlsAvailable &&
		c.Procbased2And&SecondaryEnableEPT != 0 &&
		c.PageWalkLength4 && c.MemTypeWB &&
		c.ExitAnd&ExitCtlSaveIA32PAT != 0 &&
		c.ExitAnd&ExitCtlLoadIA32PAT != 0 &&
		c.EntryAnd&EntryCtlLoadIA32PAT != 0
}

// VpidAvailable reports whether enable-VPID can be turned on (spec.md
// §4.2 item 3: INVVPID single-context support required).
func (c *Capabilities) VpidAvailable() bool {
	return c.SecondaryControlsAvailable &&
		c.Procbased2And&SecondaryEnableVPID != 0 &&
		c.InvVpidSingleContext
}

// UnrestrictedGuestAvailable reports whether unrestricted-guest can be
// turned on: requires EPT plus the secondary control bit.
func (c *Capabilities) UnrestrictedGuestAvailable() bool {
	return c.EptAvailable() &&
		c.SecondaryControlsAvailable &&
		c.Procbased2And&SecondaryUnrestrictedGuest != 0
}
