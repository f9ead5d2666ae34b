package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The VT-x core never executes VMXON/VMPTRLD/VMREAD/VMWRITE/VMLAUNCH
// directly from Go — those are ring-0 instructions. Instead it issues
// them through a small privileged control device, /dev/vtcore, the
// same shape of boundary the teacher crosses via /dev/kvm: open a
// file descriptor once per physical CPU, then drive every operation
// through typed ioctl wrappers. Every function in this file is the
// "unsafe at the boundary" layer spec.md's design notes call for; the
// rest of the core only ever sees typed, checked Go values.
const (
	vtxIoctlBase = 0xC0

	vtxIoctlVmxon     = (vtxIoctlBase << 8) | 0x01
	vtxIoctlVmxoff    = (vtxIoctlBase << 8) | 0x02
	vtxIoctlVmclear   = (vtxIoctlBase << 8) | 0x03
	vtxIoctlVmptrld   = (vtxIoctlBase << 8) | 0x04
	vtxIoctlVmptrst   = (vtxIoctlBase << 8) | 0x05
	vtxIoctlVmread    = (vtxIoctlBase << 8) | 0x06
	vtxIoctlVmwrite   = (vtxIoctlBase << 8) | 0x07
	vtxIoctlVmlaunch  = (vtxIoctlBase << 8) | 0x08
	vtxIoctlVmresume  = (vtxIoctlBase << 8) | 0x09
	vtxIoctlInvept    = (vtxIoctlBase << 8) | 0x0A
	vtxIoctlInvvpid   = (vtxIoctlBase << 8) | 0x0B
	vtxIoctlReadMSR   = (vtxIoctlBase << 8) | 0x0C
	vtxIoctlReadCR    = (vtxIoctlBase << 8) | 0x0D
	vtxIoctlWriteCR   = (vtxIoctlBase << 8) | 0x0E
	vtxIoctlReadHostState = (vtxIoctlBase << 8) | 0x0F
)

// vtxVmreadArg / vtxVmwriteArg mirror the KvmRegs-style transfer
// structs in kvm.go: a fixed-layout value crossing the ioctl boundary
// by unsafe.Pointer.
type vtxVmreadArg struct {
	Field uint64
	Value uint64
}

type vtxVmwriteArg struct {
	Field uint64
	Value uint64
}

type vtxInveptDescriptor struct {
	EPTP uint64
	_    uint64
}

type vtxInvvpidDescriptor struct {
	VPID    uint16
	_       [6]byte
	LinearAddr uint64
}

// OpenControlDevice opens the per-physical-CPU VT-x control device.
func OpenControlDevice() (int, error) {
	fd, err := unix.Open("/dev/vtcore", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/vtcore: %w", err)
	}
	return fd, nil
}

func doVtxIoctl(fd int, req uint, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg); errno != 0 {
		return errno
	}
	return nil
}

// DoVtxVmxon executes VMXON against the physical-address-aligned
// VMXON region whose host-physical address is vmxonRegionHPA.
func DoVtxVmxon(fd int, vmxonRegionHPA uint64) error {
	return doVtxIoctl(fd, vtxIoctlVmxon, uintptr(unsafe.Pointer(&vmxonRegionHPA)))
}

// DoVtxVmxoff executes VMXOFF.
func DoVtxVmxoff(fd int) error {
	return doVtxIoctl(fd, vtxIoctlVmxoff, 0)
}

// DoVtxVmclear executes VMCLEAR on the VMCS region at vmcsHPA.
func DoVtxVmclear(fd int, vmcsHPA uint64) error {
	return doVtxIoctl(fd, vtxIoctlVmclear, uintptr(unsafe.Pointer(&vmcsHPA)))
}

// DoVtxVmptrld executes VMPTRLD, making vmcsHPA the current VMCS.
func DoVtxVmptrld(fd int, vmcsHPA uint64) error {
	return doVtxIoctl(fd, vtxIoctlVmptrld, uintptr(unsafe.Pointer(&vmcsHPA)))
}

// DoVtxVmptrst executes VMPTRST, returning the current VMCS pointer.
func DoVtxVmptrst(fd int) (uint64, error) {
	var out uint64
	if err := doVtxIoctl(fd, vtxIoctlVmptrst, uintptr(unsafe.Pointer(&out))); err != nil {
		return 0, err
	}
	return out, nil
}

// DoVtxVmread executes VMREAD on the current VMCS.
func DoVtxVmread(fd int, field uint64) (uint64, error) {
	arg := vtxVmreadArg{Field: field}
	if err := doVtxIoctl(fd, vtxIoctlVmread, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, err
	}
	return arg.Value, nil
}

// DoVtxVmwrite executes VMWRITE on the current VMCS.
func DoVtxVmwrite(fd int, field, value uint64) error {
	arg := vtxVmwriteArg{Field: field, Value: value}
	return doVtxIoctl(fd, vtxIoctlVmwrite, uintptr(unsafe.Pointer(&arg)))
}

// DoVtxVmlaunch executes VMLAUNCH. A non-nil error indicates
// VMfailInvalid (no current VMCS) or VMfailValid; the caller
// distinguishes the two via VMCS_VM_INSTRUCTION_ERR.
func DoVtxVmlaunch(fd int) error {
	return doVtxIoctl(fd, vtxIoctlVmlaunch, 0)
}

// DoVtxVmresume executes VMRESUME.
func DoVtxVmresume(fd int) error {
	return doVtxIoctl(fd, vtxIoctlVmresume, 0)
}

// DoVtxInvept executes INVEPT with the given type (1=single-context, 2=all-contexts).
func DoVtxInvept(fd int, typ uint64, eptp uint64) error {
	desc := vtxInveptDescriptor{EPTP: eptp}
	arg := struct {
		Type uint64
		Desc *vtxInveptDescriptor
	}{Type: typ, Desc: &desc}
	return doVtxIoctl(fd, vtxIoctlInvept, uintptr(unsafe.Pointer(&arg)))
}

// DoVtxInvvpid executes INVVPID with the given type
// (1=individual-address, 2=single-context, 3=all-contexts).
func DoVtxInvvpid(fd int, typ uint64, vpid uint16, linearAddr uint64) error {
	desc := vtxInvvpidDescriptor{VPID: vpid, LinearAddr: linearAddr}
	arg := struct {
		Type uint64
		Desc *vtxInvvpidDescriptor
	}{Type: typ, Desc: &desc}
	return doVtxIoctl(fd, vtxIoctlInvvpid, uintptr(unsafe.Pointer(&arg)))
}

// DoVtxReadMSR reads a physical-CPU MSR through the control device
// (used during capability discovery, before any VMCS exists).
func DoVtxReadMSR(fd int, msr uint32) (uint64, error) {
	arg := struct {
		MSR   uint32
		Value uint64
	}{MSR: msr}
	if err := doVtxIoctl(fd, vtxIoctlReadMSR, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, err
	}
	return arg.Value, nil
}

// DoVtxReadCR reads CR0/CR4 (crNum is 0 or 4) of the physical CPU.
func DoVtxReadCR(fd int, crNum int) (uint64, error) {
	arg := struct {
		CRNum int32
		Value uint64
	}{CRNum: int32(crNum)}
	if err := doVtxIoctl(fd, vtxIoctlReadCR, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, err
	}
	return arg.Value, nil
}

// DoVtxWriteCR writes CR0/CR4 (crNum is 0 or 4) of the physical CPU.
func DoVtxWriteCR(fd int, crNum int, value uint64) error {
	arg := struct {
		CRNum int32
		Value uint64
	}{CRNum: int32(crNum), Value: value}
	return doVtxIoctl(fd, vtxIoctlWriteCR, uintptr(unsafe.Pointer(&arg)))
}

// HostStateSnapshot is the static part of the processor's own state
// that must be captured into the VMCS host-state area once per VMCS
// (segment selectors/bases, descriptor table bases, sysenter MSRs).
// HOST_RSP/HOST_RIP are excluded: those are rewritten before every
// single VMLAUNCH/VMRESUME by the L2-run engine, not captured here.
type HostStateSnapshot struct {
	CSSelector, SSSelector, DSSelector, ESSelector, FSSelector, GSSelector, TRSelector uint16
	FSBase, GSBase, TRBase uint64
	GDTRBase, IDTRBase     uint64
	CR0, CR3, CR4          uint64
	SysenterCS             uint64
	SysenterESP, SysenterEIP uint64
	EFER, PAT              uint64
}

// DoVtxReadHostState reads the physical CPU's current descriptor and
// control-register state, used once at VMCS-construction time.
func DoVtxReadHostState(fd int) (HostStateSnapshot, error) {
	var out HostStateSnapshot
	if err := doVtxIoctl(fd, vtxIoctlReadHostState, uintptr(unsafe.Pointer(&out))); err != nil {
		return HostStateSnapshot{}, err
	}
	return out, nil
}

// AllocPage mmaps one page-aligned, zero-filled page suitable for use
// as a VMXON region, VMCS region, EPT table, or bitmap page. It is
// madvise(MADV_MERGEABLE) the way tinyrange-cc's KVM platform backs
// its guest memory, since the VT-x core allocates many structurally
// identical zero pages (EPT table pool, bitmap pages) that are good
// KSM-merge candidates.
func AllocPage() ([]byte, error) {
	const pageSize = 4096
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("allocate page: %w", err)
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("madvise page: %w", err)
	}
	return mem, nil
}

// AllocPages allocates a contiguous run of n zero-filled pages.
func AllocPages(n int) ([]byte, error) {
	const pageSize = 4096
	mem, err := unix.Mmap(-1, 0, pageSize*n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("allocate %d pages: %w", n, err)
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("madvise pages: %w", err)
	}
	return mem, nil
}

// FreePages unmaps a region previously returned by AllocPage/AllocPages.
func FreePages(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// HostPhysAddr returns the address the VT-x core uses as the
// host-physical address of an allocation made by AllocPage/AllocPages:
// the host-virtual address of mem[0] itself. It walks no page tables
// and performs no translation.
func HostPhysAddr(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
