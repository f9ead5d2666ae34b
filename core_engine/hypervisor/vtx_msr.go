package hypervisor

// VT-x MSR indices, control-register fixed-bit masks, VMCS field
// encodings, and exit-reason values. These are the Intel SDM values;
// the VT-x core treats them as bit-exact constants, never re-derived.
const (
	MsrIA32FeatureControl  = 0x3A
	MsrIA32VmxBasic        = 0x480
	MsrIA32VmxPinbasedCtls = 0x481
	MsrIA32VmxProcbasedCtls = 0x482
	MsrIA32VmxExitCtls     = 0x483
	MsrIA32VmxEntryCtls    = 0x484
	MsrIA32VmxMiscMsr      = 0x485
	MsrIA32VmxCr0Fixed0    = 0x486
	MsrIA32VmxCr0Fixed1    = 0x487
	MsrIA32VmxCr4Fixed0    = 0x488
	MsrIA32VmxCr4Fixed1    = 0x489
	MsrIA32VmxProcbasedCtls2 = 0x48B
	MsrIA32VmxEptVpidCap     = 0x48C
	MsrIA32VmxTruePinbasedCtls  = 0x48D
	MsrIA32VmxTrueProcbasedCtls = 0x48E
	MsrIA32VmxTrueExitCtls      = 0x48F
	MsrIA32VmxTrueEntryCtls     = 0x490
	MsrIA32VmxVmfunc            = 0x491
	MsrIA32Efer                 = 0xC0000080
	MsrIA32Pat                  = 0x277
	MsrIA32SysenterCS           = 0x174
	MsrIA32SysenterESP          = 0x175
	MsrIA32SysenterEIP          = 0x176
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLockBit          uint64 = 1 << 0
	FeatureControlVmxOutsideSMXBit uint64 = 1 << 2
)

// CPUID.1:ECX bit for VMX support.
const CpuidECXVmxBit uint32 = 1 << 5

// Pin-based VM-execution controls.
const (
	PinbasedExtIntExiting uint32 = 1 << 0
	PinbasedNMIExiting    uint32 = 1 << 3
	PinbasedVirtualNMIs   uint32 = 1 << 5
)

// Primary processor-based VM-execution controls.
const (
	ProcbasedUseIOBitmaps       uint32 = 1 << 25
	ProcbasedUseMSRBitmaps      uint32 = 1 << 28
	ProcbasedUseTSCOffsetting   uint32 = 1 << 3
	ProcbasedInvlpgExiting      uint32 = 1 << 9
	ProcbasedUnconditionalIOExiting uint32 = 1 << 24
	ProcbasedActivateSecondaryCtls  uint32 = 1 << 31
	ProcbasedCR3LoadExiting     uint32 = 1 << 15
	ProcbasedCR3StoreExiting    uint32 = 1 << 16
)

// Secondary processor-based VM-execution controls.
const (
	SecondaryEnableEPT             uint32 = 1 << 1
	SecondaryEnableVPID            uint32 = 1 << 5
	SecondaryUnrestrictedGuest     uint32 = 1 << 7
	SecondaryEnableVMCSShadowing   uint32 = 1 << 14
	SecondaryEnableRDTSCP          uint32 = 1 << 3
	SecondaryEnableXSAVES          uint32 = 1 << 20
)

// VM-exit / VM-entry controls.
const (
	ExitCtlHostAddressSpaceSize uint32 = 1 << 9
	ExitCtlLoadIA32PAT          uint32 = 1 << 18
	ExitCtlSaveIA32PAT          uint32 = 1 << 19
	ExitCtlLoadIA32EFER         uint32 = 1 << 21
	ExitCtlSaveIA32EFER         uint32 = 1 << 20
	ExitCtlLoadPerfGlobalCtl    uint32 = 1 << 12
	ExitCtlAckInterruptOnExit   uint32 = 1 << 15

	EntryCtlIA32eModeGuest   uint32 = 1 << 9
	EntryCtlLoadIA32PAT      uint32 = 1 << 14
	EntryCtlLoadIA32EFER     uint32 = 1 << 15
)

// EPT/VPID capability bits from IA32_VMX_EPT_VPID_CAP.
const (
	EptVpidCapExecuteOnly        uint64 = 1 << 0
	EptVpidCapPageWalk4          uint64 = 1 << 6
	EptVpidCapMemTypeWB          uint64 = 1 << 14
	EptVpidCapSuperpage2M        uint64 = 1 << 16
	EptVpidCapInvEptSingleContext uint64 = 1 << 25
	EptVpidCapInvEptAllContexts   uint64 = 1 << 26
	EptVpidCapInvVpidSingleContext uint64 = 1 << 41
	EptVpidCapInvVpidAllContexts   uint64 = 1 << 42
)

// EPT leaf memory-type / flags.
const (
	EptReadBit     uint64 = 1 << 0
	EptWriteBit    uint64 = 1 << 1
	EptExecuteBit  uint64 = 1 << 2
	EptMemTypeShift = 3
	EptLargePageBit uint64 = 1 << 7
	EptPageWalkLength4 uint64 = 3 << 3 // EPTP bits 5:3 encode walk length - 1
)

// CR0/CR4 bit positions relevant to paging-mode decisions.
const (
	CR0PE uint64 = 1 << 0
	CR0WP uint64 = 1 << 16
	CR0PG uint64 = 1 << 31

	CR4PAE uint64 = 1 << 5
	CR4VMXE uint64 = 1 << 13
)

// VMCS guest-interruptibility-state bits.
const (
	InterruptibilityBlockingBySTI uint32 = 1 << 0
	InterruptibilityBlockingByMovSS uint32 = 1 << 1
	InterruptibilityBlockingBySMI uint32 = 1 << 2
	InterruptibilityBlockingByNMI uint32 = 1 << 3
)

// Selected VM-exit reasons (Intel SDM Appendix C).
const (
	ExitReasonExceptionNMI   uint32 = 0
	ExitReasonExtInt         uint32 = 1
	ExitReasonTripleFault    uint32 = 2
	ExitReasonInitSignal     uint32 = 3
	ExitReasonInvlpg         uint32 = 14
	ExitReasonCRAccess       uint32 = 28
	ExitReasonIOInstruction  uint32 = 30
	ExitReasonRDMSR          uint32 = 31
	ExitReasonWRMSR          uint32 = 32
	ExitReasonVMCALL         uint32 = 18
	ExitReasonVMCLEAR        uint32 = 19
	ExitReasonVMLAUNCH       uint32 = 20
	ExitReasonVMPTRLD        uint32 = 21
	ExitReasonVMPTRST        uint32 = 22
	ExitReasonVMREAD         uint32 = 23
	ExitReasonVMRESUME       uint32 = 24
	ExitReasonVMWRITE        uint32 = 25
	ExitReasonVMXOFF         uint32 = 26
	ExitReasonVMXON          uint32 = 27
	ExitReasonINVEPT         uint32 = 50
	ExitReasonINVVPID        uint32 = 53
	ExitReasonEPTViolation   uint32 = 48
	ExitReasonEPTMisconfig   uint32 = 49

	VMEntryFailureBit uint32 = 1 << 31
)

// Exit-qualification bit for "NMI unblocking due to IRET" on an EPT violation.
const ExitQualNMIUnblockingDueToIRET uint64 = 1 << 12

// IDT-vectoring-information-field bits (SDM Table 24-15); this field
// shares its vector/type/deliver-error-code layout with the VM-entry
// interruption-information field, which is what makes IDT-vectoring
// re-injection (copying one into the other) valid.
const (
	IDTVectoringInfoValid           uint32 = 1 << 31
	IDTVectoringInfoDeliverErrCode  uint32 = 1 << 11
)

// VM-instruction error numbers (subset, Intel SDM Appendix I).
const (
	VMInstrErrVMCALLInVMXRoot         uint32 = 1
	VMInstrErrVMCLEARInvalidAddr      uint32 = 2
	VMInstrErrVMCLEARVmxonPointer     uint32 = 3
	VMInstrErrVMLAUNCHNonClearVMCS    uint32 = 4
	VMInstrErrVMRESUMENonLaunchedVMCS uint32 = 5
	VMInstrErrVMPTRLDInvalidAddr      uint32 = 9
	VMInstrErrVMPTRLDVmxonPointer     uint32 = 10
	VMInstrErrVMPTRLDBadRevisionID    uint32 = 11
	VMInstrErrVMREADWRITEInvalidField uint32 = 12
	VMInstrErrVMXONInVMXRootOp        uint32 = 15
	VMInstrErrVMXONInvalidAddr        uint32 = 17
	VMInstrErrVMXONBadRevisionID      uint32 = 18
)

// RFlags bits the VMX instruction emulators clear/set on every completion.
const (
	RFlagsCF uint64 = 1 << 0
	RFlagsPF uint64 = 1 << 2
	RFlagsAF uint64 = 1 << 4
	RFlagsZF uint64 = 1 << 6
	RFlagsSF uint64 = 1 << 7
	RFlagsOF uint64 = 1 << 11

	RFlagsVMStatusMask = RFlagsCF | RFlagsPF | RFlagsAF | RFlagsZF | RFlagsSF | RFlagsOF
)
