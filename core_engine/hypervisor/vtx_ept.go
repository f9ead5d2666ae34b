package hypervisor

import (
	"fmt"
	"log"
)

// Ept is one vCPU's (or shared-EPTP-group's) Extended Page Table
// engine (spec.md §4.3, component D). It owns a fixed pool of pages
// pre-allocated at construction time — no allocation happens on the
// violation-handling hot path — and fills them lazily as EPT
// violations arrive, mirroring the teacher's static-device-table style
// in devices/iobus.go (register everything up front, dispatch later)
// applied to page tables instead of I/O ports.
type Ept struct {
	fd         int
	hostMemory func([]byte) uint64

	translator GuestPhysTranslator
	mmio       MMIOCollaborator
	mtrr       MTRRModel
	forceMap   ForceMapSource

	pool    [][]byte
	poolHPA []uint64
	cnt     int

	// cleared is set the moment the pool is wiped and reset to empty;
	// until the next fault replays every force-mapped range, walks
	// must not trust an absent PTE to mean "never accessed" (spec.md
	// §8 "cleared consistency").
	cleared bool

	root    []byte
	rootHPA uint64

	cur eptCursor

	vpid  uint16
	debug bool
}

// eptCursor is the one-entry walk cache (spec.md §4.3.2): most guest
// memory traffic touches consecutive pages inside the same 2 MiB
// region, so remembering the last PD-level table avoids a full
// four-level walk on the common case.
type eptCursor struct {
	valid    bool
	gphys2M  uint64
	pdTable  []byte
	pdHPA    uint64
}

const (
	eptPoolPages  = 1024
	eptPageBytes  = 4096
	eptEntries    = 512
	eptEntryBytes = 8
	page2MBytes   = 2 * 1024 * 1024
	page1MBytes   = 1024 * 1024
)

// NewEpt allocates the fixed page pool and the EPT root (PML4) table.
// Pool exhaustion later in the VM's life is handled by EptClearAll,
// never by growing the pool — spec.md §4.3 requires the pool size to
// be a hard, known bound.
func NewEpt(fd int, hostMemory func([]byte) uint64, translator GuestPhysTranslator, mmio MMIOCollaborator, mtrr MTRRModel, forceMap ForceMapSource, vpid uint16, debug bool) (*Ept, error) {
	e := &Ept{
		fd:         fd,
		hostMemory: hostMemory,
		translator: translator,
		mmio:       mmio,
		mtrr:       mtrr,
		forceMap:   forceMap,
		vpid:       vpid,
		debug:      debug,
	}

	for i := 0; i < eptPoolPages; i++ {
		page, err := AllocPage()
		if err != nil {
			// Allocation failure at EPT-pool construction is a boot-time
			// resource problem, not a guest-triggerable condition.
			panic(fmt.Sprintf("ept: pool page %d allocation failed: %v", i, err))
		}
		e.pool = append(e.pool, page)
		e.poolHPA = append(e.poolHPA, e.hostMemory(page))
	}

	root, rootHPA, ok := e.allocFromPool()
	if !ok {
		panic("ept: pool exhausted allocating root table")
	}
	e.root = root
	e.rootHPA = rootHPA

	if err := e.replayForceMap(); err != nil {
		return nil, fmt.Errorf("ept: initial force-map replay: %w", err)
	}

	return e, nil
}

// EPTP returns the value to load into the VMCS EPT-pointer field: the
// root table's host-physical address with a 4-level walk length and
// write-back memory type, per spec.md §4.2/§4.3.
func (e *Ept) EPTP() uint64 {
	return (e.rootHPA &^ 0xFFF) | (6 /* WB */) | (3 << EptMemTypeShift)
}

func (e *Ept) allocFromPool() (page []byte, hpa uint64, ok bool) {
	if e.cnt >= len(e.pool) {
		return nil, 0, false
	}
	page = e.pool[e.cnt]
	hpa = e.poolHPA[e.cnt]
	e.cnt++
	return page, hpa, true
}

// EptClearAll wipes every table back to zero and resets the pool
// cursor, invalidates the CPU's EPT-tagged TLB entries via INVEPT, and
// marks the engine cleared so the next violation replays force-mapped
// ranges before resuming normal lazy population (spec.md §4.3.3, "pool
// exhaustion handling").
func (e *Ept) EptClearAll() error {
	for i := 0; i < e.cnt; i++ {
		for b := range e.pool[i] {
			e.pool[i][b] = 0
		}
	}
	e.cnt = 0
	e.cur = eptCursor{}

	root, rootHPA, ok := e.allocFromPool()
	if !ok {
		panic("ept: pool exhausted re-allocating root table after clear")
	}
	e.root = root
	e.rootHPA = rootHPA
	e.cleared = true

	if err := DoVtxInvept(e.fd, 2 /* all-contexts */, e.EPTP()); err != nil {
		return fmt.Errorf("ept: INVEPT after clear: %w", err)
	}
	if e.debug {
		log.Printf("Ept: cleared, new root hphys 0x%x", e.rootHPA)
	}
	return nil
}

// replayForceMap installs every unconditionally-required mapping
// (spec.md §4.3.1) before any lazily-faulted-in mapping, in the order
// ForceMapRanges returns the ranges; they are not sorted here.
func (e *Ept) replayForceMap() error {
	for _, r := range e.forceMap.ForceMapRanges() {
		for off := uint64(0); off < r.Len; off += eptPageBytes {
			if err := e.faultIn(false, r.Base+off); err != nil {
				return err
			}
		}
	}
	e.cleared = false
	return nil
}

// EptViolation is the VM-exit handler entry point for
// ExitReasonEPTViolation (spec.md §4.3). write/execute describe the
// access that faulted; gphys is the guest-physical address at fault
// (not the guest-linear address — callers resolve that separately).
func (e *Ept) EptViolation(write, execute bool, gphys uint64) error {
	if e.cleared {
		if err := e.replayForceMap(); err != nil {
			return err
		}
	}
	return e.faultIn(write, gphys)
}

// faultIn resolves one guest-physical page (or, when eligible, one 2
// MiB superpage) and installs it. On pool exhaustion map4K hands off
// to onPoolExhausted, which wipes every table, replays the force-maps
// and retries this page once.
func (e *Ept) faultIn(write bool, gphys uint64) error {
	base2M := gphys &^ (page2MBytes - 1)

	if e.try2MFastPath(base2M) {
		return nil
	}

	hphys, fakerom, ok := e.translator.GP2HP(gphys)
	if !ok {
		return e.handleMMIOOrUnmapped(gphys, write)
	}

	memtype := e.mtrr.GetGMTRRType(gphys)
	return e.map4K(gphys, hphys, fakerom, memtype, write)
}

// try2MFastPath attempts to install a single 2 MiB leaf covering
// base2M, requiring a uniform host-physical backing, a uniform MTRR
// type, and no MMIO or fakerom page inside the range — any of those
// would need page-granular handling (spec.md §4.3.2, "2 MiB fast
// path"). Returns false (never partially applied) when ineligible.
func (e *Ept) try2MFastPath(base2M uint64) bool {
	hphys2M, ok := e.translator.GP2HP2M(base2M)
	if !ok {
		return false
	}
	if !e.mtrr.GMTRRTypeEqual(base2M, page2MBytes-1) {
		return false
	}
	if e.mmio.MMIORange(base2M, page2MBytes) != 0 {
		return false
	}
	// A uniform host-physical 2 MiB range can still straddle a
	// VMM-owned fakerom page; GP2HP2M's contract (vtx_external.go)
	// guarantees uniform backing only, so re-check fakerom per 4 KiB
	// step before committing to the superpage.
	for off := uint64(0); off < page2MBytes; off += eptPageBytes {
		if _, fakerom, pageOK := e.translator.GP2HP(base2M + off); !pageOK || fakerom {
			return false
		}
	}

	memtype := e.mtrr.GetGMTRRType(base2M)
	pml4, pdpt, ok := e.walkTo(base2M, 2)
	_ = pml4
	if !ok {
		return false
	}
	idx := pdIndex(base2M)
	leaf := (hphys2M &^ (page2MBytes - 1)) | EptReadBit | EptWriteBit | EptExecuteBit | EptLargePageBit | (uint64(memtype) << EptMemTypeShift)
	setEptEntry(pdpt, idx, leaf)

	e.cur = eptCursor{valid: true, gphys2M: base2M, pdTable: pdpt}
	return true
}

// map4K installs one 4 KiB leaf. fakerom pages are always installed
// without the write bit — the VMM's own read-only data/code pages
// must never become guest-writable regardless of cache state. A guest
// write fault landing on a fakerom page is the fatal condition itself
// (spec.md §8 "fakerom invariant", scenario 2): the VMM has no
// recovery for a guest attempting to modify its own read-only
// identity, so this panics rather than silently installing a
// read-only leaf that would just fault again.
func (e *Ept) map4K(gphys, hphys uint64, fakerom bool, memtype uint8, write bool) error {
	if fakerom && write {
		panic(fmt.Sprintf("ept: guest write fault on fakerom page at gphys 0x%x", gphys))
	}

	_, pt, ok := e.walkTo(gphys, 3)
	if !ok {
		return e.onPoolExhausted(gphys, write)
	}

	flags := EptReadBit | EptExecuteBit
	if !fakerom {
		flags |= EptWriteBit
	}
	leaf := (hphys &^ (eptPageBytes - 1)) | flags | (uint64(memtype) << EptMemTypeShift)

	idx := ptIndex(gphys)
	if fakerom && eptEntry(pt, idx)&EptWriteBit != 0 {
		panic(fmt.Sprintf("ept: attempted to leave fakerom page writable at gphys 0x%x", gphys))
	}
	setEptEntry(pt, idx, leaf)
	return nil
}

// handleMMIOOrUnmapped is reached when the guest-phys translator
// reports no backing page at all: either the address belongs to an
// emulated device (dispatch to the MMIO collaborator) or it is a
// genuinely invalid guest access.
func (e *Ept) handleMMIOOrUnmapped(gphys uint64, write bool) error {
	if e.mmio.MMIORange(gphys, eptPageBytes) == gphys&^(eptPageBytes-1) || e.mmio.MMIORange(gphys, eptPageBytes) != 0 {
		e.mmio.MMIOLock()
		handled := e.mmio.MMIOAccessPage(gphys, !write)
		e.mmio.MMIOUnlock()
		if handled {
			return nil
		}
	}
	return fmt.Errorf("ept: unresolvable guest-physical access at 0x%x (write=%v)", gphys, write)
}

// onPoolExhausted performs the documented recovery: wipe every table,
// replay force-maps, and retry the single faulting page once. A
// second exhaustion means the pool size itself is too small for the
// guest's working set, which is a configuration bug, not a transient
// condition — spec.md draws that boundary for the panic.
func (e *Ept) onPoolExhausted(gphys uint64, write bool) error {
	if e.debug {
		log.Printf("Ept: pool exhausted at gphys 0x%x, clearing", gphys)
	}
	if err := e.EptClearAll(); err != nil {
		return err
	}
	if err := e.replayForceMap(); err != nil {
		return err
	}
	_, pt, ok := e.walkTo(gphys, 3)
	if !ok {
		panic("ept: pool exhausted immediately after clear — pool too small for guest working set")
	}
	_ = pt
	return e.faultIn(write, gphys)
}

// walkTo descends from the root to the requested level (2 = PD table,
// 3 = PT table), allocating intermediate tables from the pool as
// needed. It also updates the walk cursor when depth reaches the PD
// level, since that is the granularity most repeat accesses share.
func (e *Ept) walkTo(gphys uint64, depth int) (upper, lower []byte, ok bool) {
	if e.cur.valid && depth == 3 && e.cur.gphys2M == gphys&^(page2MBytes-1) {
		pt, ptOK := e.childTable(e.cur.pdTable, pdIndex(gphys))
		if ptOK {
			return e.cur.pdTable, pt, true
		}
	}

	pdpt, ok := e.childTable(e.root, pml4Index(gphys))
	if !ok {
		return nil, nil, false
	}
	pd, ok := e.childTable(pdpt, pdptIndex(gphys))
	if !ok {
		return nil, nil, false
	}
	if depth == 2 {
		return pdpt, pd, true
	}

	// A PD entry already installed as a 2 MiB leaf must be split
	// before a 4 KiB sub-mapping can be installed beneath it; this
	// engine never does that (spec.md leaves superpage splitting out
	// of scope), so treat it as exhaustion instead
	// of corrupting an existing leaf.
	if eptEntry(pd, pdIndex(gphys))&EptLargePageBit != 0 {
		return nil, nil, false
	}

	pt, ok := e.childTable(pd, pdIndex(gphys))
	if !ok {
		return nil, nil, false
	}

	e.cur = eptCursor{valid: true, gphys2M: gphys &^ (page2MBytes - 1), pdTable: pd}
	return pd, pt, true
}

// childTable returns the table addressed by a non-leaf entry,
// allocating and installing one from the pool if the entry is not yet
// present.
func (e *Ept) childTable(table []byte, idx int) ([]byte, bool) {
	entry := eptEntry(table, idx)
	if entry&(EptReadBit|EptWriteBit|EptExecuteBit) != 0 {
		hpa := entry &^ 0xFFF
		for i, h := range e.poolHPA {
			if h == hpa {
				return e.pool[i], true
			}
		}
		return nil, false
	}

	child, hpa, ok := e.allocFromPool()
	if !ok {
		return nil, false
	}
	// Non-leaf entries grant full R/W/X so that permission is decided
	// entirely at the leaf.
	setEptEntry(table, idx, (hpa&^0xFFF)|EptReadBit|EptWriteBit|EptExecuteBit)
	return child, true
}

// EptMap1MB maps the low 1 MiB of guest-physical memory unconditionally
// by calling faultIn for every 4 KiB page in it, so each host address
// comes from the translator, and a single 2 MiB leaf is installed
// instead of 4 KiB leaves wherever the 2 MiB fast path applies. It is
// the EPT-world counterpart of the teacher's cold-boot 4 MiB PDE in
// hypervisor/paging.go.
// Low memory (real-mode IVT, BDA, option ROM shadow area) is force-
// mapped at VM creation rather than discovered lazily, since the boot
// path touches it before any fault-driven mapping machinery is a safe
// place to take a violation.
func (e *Ept) EptMap1MB() error {
	for off := uint64(0); off < page1MBytes; off += eptPageBytes {
		if err := e.faultIn(false, off); err != nil {
			return fmt.Errorf("ept: identity-map low 1MiB at 0x%x: %w", off, err)
		}
	}
	return nil
}

// EptExternMapSearch scans [start,end) for a guest-physical page this
// engine currently has a present mapping for, without triggering a
// fault. External collaborators (the shadow-paging MMU, device models)
// use this to query established EPT state instead of re-deriving it,
// or to tear it down (spec.md §6).
//
// self distinguishes the two call shapes the BitVisor original
// (vt_ept_extern_mapsearch) supports, keyed there on p == current: a
// cross-vCPU query (self == false) reports the first match and leaves
// every entry untouched — zeroing another vCPU's live EPT out from
// under it without coordination would race; a same-vCPU call
// (self == true) is instead a teardown — every matching leaf across
// the whole range is zeroed as a side effect (the caller already knows
// it's about to invalidate the corresponding TLB entries itself), and
// the return value is not meaningful (spec.md §4.3, §6 "active-vCPU
// map search tears down").
func (e *Ept) EptExternMapSearch(start, end uint64, self bool) (gphys uint64, ok bool) {
	for addr := start &^ (eptPageBytes - 1); addr < end; addr += eptPageBytes {
		pml4Idx, pdptIdx, pdIdx, ptIdx := pml4Index(addr), pdptIndex(addr), pdIndex(addr), ptIndex(addr)

		pdptEntry := eptEntry(e.root, pml4Idx)
		if pdptEntry&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
			continue
		}
		pdpt, tblOk := e.tableAt(pdptEntry &^ 0xFFF)
		if !tblOk {
			continue
		}
		pdEntry := eptEntry(pdpt, pdptIdx)
		if pdEntry&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
			continue
		}
		if pdEntry&EptLargePageBit != 0 {
			if !self {
				return addr &^ (page2MBytes - 1), true
			}
			setEptEntry(pdpt, pdptIdx, 0)
			continue
		}
		pd, tblOk := e.tableAt(pdEntry &^ 0xFFF)
		if !tblOk {
			continue
		}
		ptEntry := eptEntry(pd, pdIdx)
		if ptEntry&(EptReadBit|EptWriteBit|EptExecuteBit) == 0 {
			continue
		}
		if ptEntry&EptLargePageBit != 0 {
			if !self {
				return addr &^ (page2MBytes - 1), true
			}
			setEptEntry(pd, pdIdx, 0)
			continue
		}
		pt, tblOk := e.tableAt(ptEntry &^ 0xFFF)
		if !tblOk {
			continue
		}
		if eptEntry(pt, ptIdx)&(EptReadBit|EptWriteBit|EptExecuteBit) != 0 {
			if !self {
				return addr, true
			}
			setEptEntry(pt, ptIdx, 0)
		}
	}
	return 0, false
}

func (e *Ept) tableAt(hpa uint64) ([]byte, bool) {
	for i, h := range e.poolHPA {
		if h == hpa {
			return e.pool[i], true
		}
	}
	return nil, false
}

func pml4Index(gphys uint64) int { return int((gphys >> 39) & 0x1FF) }
func pdptIndex(gphys uint64) int { return int((gphys >> 30) & 0x1FF) }
func pdIndex(gphys uint64) int   { return int((gphys >> 21) & 0x1FF) }
func ptIndex(gphys uint64) int   { return int((gphys >> 12) & 0x1FF) }

func eptEntry(table []byte, idx int) uint64 {
	return readLE64(table[idx*eptEntryBytes:])
}

func setEptEntry(table []byte, idx int, val uint64) {
	writeLE64(table[idx*eptEntryBytes:], val)
}
