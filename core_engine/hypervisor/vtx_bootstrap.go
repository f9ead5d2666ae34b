package hypervisor

import (
	"fmt"
	"log"
)

// PCpu is the per-physical-CPU singleton (spec.md §3). It exists for
// the lifetime of the VMM process on its hardware thread and owns the
// VMXON region, the revision identifier, and the capability snapshot.
type PCpu struct {
	ControlFD int

	VmxonRegion    []byte
	VmxonRegionHPA uint64

	Caps *Capabilities

	Debug bool

	// HostMemory resolves host-virtual allocations (AllocPage, etc.)
	// to host-physical addresses. Supplied by the scheduler/memory
	// collaborator at construction; the VT-x core never walks host
	// page tables itself.
	HostMemory func(mem []byte) uint64

	vmxOn bool
}

// NewPCpu opens the control device for one physical CPU and discovers
// its VT-x capabilities. It does not execute VMXON; call Bootstrap for
// that (spec.md §4.1 splits discovery from enablement).
func NewPCpu(hostMemory func(mem []byte) uint64, debug bool) (*PCpu, error) {
	fd, err := OpenControlDevice()
	if err != nil {
		return nil, err
	}

	available, err := VTAvailable(fd)
	if err != nil {
		return nil, fmt.Errorf("pcpu: capability check: %w", err)
	}
	if !available {
		// Reported once here; the VMM refuses to install (spec.md §4.1).
		return nil, fmt.Errorf("pcpu: VT-x unavailable or disabled by firmware")
	}

	caps, err := DiscoverCapabilities(fd)
	if err != nil {
		return nil, fmt.Errorf("pcpu: discover capabilities: %w", err)
	}

	return &PCpu{
		ControlFD:  fd,
		Caps:       caps,
		Debug:      debug,
		HostMemory: hostMemory,
	}, nil
}

// Bootstrap performs pcpu_vmx_init + pcpu_vmxon (spec.md §4.1):
// allocates the VMXON region, clamps CR0/CR4 into the permitted set,
// sets CR4.VMXE, writes the revision identifier, and executes VMXON.
//
// Allocation failure here is fatal, per spec.md §4.1/§7: the caller is
// expected to let this panic propagate during boot rather than retry.
func (p *PCpu) Bootstrap() error {
	region, err := AllocPage()
	if err != nil {
		panic(fmt.Sprintf("pcpu: VMXON region allocation failed: %v", err))
	}
	p.VmxonRegion = region
	p.VmxonRegionHPA = p.HostMemory(region)

	// Write the revision identifier into the first 31 bits of the region.
	writeLE32(p.VmxonRegion, p.Caps.VmcsRevisionID&0x7FFFFFFF)

	cr0, err := DoVtxReadCR(p.ControlFD, 0)
	if err != nil {
		return fmt.Errorf("pcpu: read CR0: %w", err)
	}
	cr4, err := DoVtxReadCR(p.ControlFD, 4)
	if err != nil {
		return fmt.Errorf("pcpu: read CR4: %w", err)
	}

	cr0 = ClampCR(cr0, p.Caps.CR0Fixed0, p.Caps.CR0Fixed1)
	cr4 = ClampCR(cr4, p.Caps.CR4Fixed0, p.Caps.CR4Fixed1)
	cr4 |= CR4VMXE

	if err := DoVtxWriteCR(p.ControlFD, 0, cr0); err != nil {
		return fmt.Errorf("pcpu: write CR0: %w", err)
	}
	if err := DoVtxWriteCR(p.ControlFD, 4, cr4); err != nil {
		return fmt.Errorf("pcpu: write CR4: %w", err)
	}

	if err := DoVtxVmxon(p.ControlFD, p.VmxonRegionHPA); err != nil {
		return fmt.Errorf("pcpu: VMXON failed: %w", err)
	}
	p.vmxOn = true

	if p.Debug {
		log.Printf("PCpu: VMXON region at hphys 0x%x, revision 0x%x, VMXON complete.", p.VmxonRegionHPA, p.Caps.VmcsRevisionID)
	}
	return nil
}

// Shutdown executes VMXOFF and releases the VMXON region.
func (p *PCpu) Shutdown() error {
	if !p.vmxOn {
		return nil
	}
	if err := DoVtxVmxoff(p.ControlFD); err != nil {
		return fmt.Errorf("pcpu: VMXOFF failed: %w", err)
	}
	p.vmxOn = false
	if err := FreePages(p.VmxonRegion); err != nil {
		return fmt.Errorf("pcpu: free VMXON region: %w", err)
	}
	p.VmxonRegion = nil
	return nil
}

func writeLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func readLE32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func writeLE64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func readLE64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
