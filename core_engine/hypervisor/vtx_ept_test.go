package hypervisor_test

import (
	"sync"
	"testing"

	"core_engine/hypervisor"
)

// mapTranslator is a configurable GuestPhysTranslator backed by an
// explicit per-page map, letting tests control fakerom/backing per
// guest-physical page independently of the EPT engine under test.
type mapTranslator struct {
	mu      sync.Mutex
	pages   map[uint64]mapPage
	uniform2M map[uint64]uint64 // base2M -> hphys2M, present only when eligible
}

type mapPage struct {
	hphys   uint64
	fakerom bool
}

func newMapTranslator() *mapTranslator {
	return &mapTranslator{pages: make(map[uint64]mapPage), uniform2M: make(map[uint64]uint64)}
}

func (m *mapTranslator) set(gphys, hphys uint64, fakerom bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[gphys&^0xFFF] = mapPage{hphys: hphys, fakerom: fakerom}
}

func (m *mapTranslator) setUniform2M(base2M, hphys2M uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniform2M[base2M] = hphys2M
}

func (m *mapTranslator) GP2HP(gphys uint64) (uint64, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[gphys&^0xFFF]
	if !ok {
		return 0, false, false
	}
	return p.hphys + (gphys & 0xFFF), p.fakerom, true
}

func (m *mapTranslator) GP2HP2M(base2M uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hphys, ok := m.uniform2M[base2M]
	return hphys, ok
}

func (m *mapTranslator) PTEAddrMask() uint64 { return 0xFFFFFFFFFFFF }

type alwaysUniformMTRR struct{}

func (alwaysUniformMTRR) GetGMTRRType(gphys uint64) uint8       { return 6 }
func (alwaysUniformMTRR) GMTRRTypeEqual(base, mask uint64) bool { return true }

func newEptForTest(t *testing.T, translator hypervisor.GuestPhysTranslator) *hypervisor.Ept {
	t.Helper()
	ept, err := hypervisor.NewEpt(-1, hostMemoryFunc, translator, noopMMIO{}, alwaysUniformMTRR{}, noopForceMap{}, 1, false)
	if err != nil {
		t.Fatalf("NewEpt: %v", err)
	}
	return ept
}

func TestEpt_FaultInIsIdempotent(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x10000, 0x80000000, false)
	ept := newEptForTest(t, tr)

	if err := ept.EptViolation(false, false, 0x10000); err != nil {
		t.Fatalf("first EptViolation: %v", err)
	}
	if _, ok := ept.EptExternMapSearch(0x10000, 0x11000, false); !ok {
		t.Fatal("expected page to be mapped after first fault")
	}
	if err := ept.EptViolation(true, false, 0x10000); err != nil {
		t.Fatalf("second EptViolation on the same page should be a harmless re-install: %v", err)
	}
}

// TestEpt_ExternMapSearchSelfTearsDownMatchingEntries is grounded on
// vt_ept_extern_mapsearch's p == current branch in
// _examples/original_source/core/vt_ept.c: a same-vCPU map search is a
// teardown, not just a query.
func TestEpt_ExternMapSearchSelfTearsDownMatchingEntries(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x10000, 0x80000000, false)
	ept := newEptForTest(t, tr)

	if err := ept.EptViolation(false, false, 0x10000); err != nil {
		t.Fatalf("EptViolation: %v", err)
	}
	if _, ok := ept.EptExternMapSearch(0x10000, 0x11000, false); !ok {
		t.Fatal("expected the page to be mapped before teardown")
	}

	ept.EptExternMapSearch(0x10000, 0x11000, true)

	if _, ok := ept.EptExternMapSearch(0x10000, 0x11000, false); ok {
		t.Error("expected a self=true call to have zeroed the matching leaf entry")
	}
}

func TestEpt_2MiBFastPathWhenUniform(t *testing.T) {
	tr := newMapTranslator()
	const base2M = 0x200000
	tr.setUniform2M(base2M, 0x40000000)
	for off := uint64(0); off < 2*1024*1024; off += 4096 {
		tr.set(base2M+off, 0x40000000+off, false)
	}
	ept := newEptForTest(t, tr)

	if err := ept.EptViolation(false, false, base2M+0x1000); err != nil {
		t.Fatalf("EptViolation: %v", err)
	}

	gphys, ok := ept.EptExternMapSearch(base2M, base2M+4096, false)
	if !ok || gphys != base2M {
		t.Errorf("expected the whole 2 MiB region to be covered by one superpage starting at 0x%x, got gphys=0x%x ok=%v", base2M, gphys, ok)
	}
}

func TestEpt_2MiBFastPathDeclinedAcrossFakeromBoundary(t *testing.T) {
	tr := newMapTranslator()
	const base2M = 0x400000
	tr.setUniform2M(base2M, 0x50000000)
	for off := uint64(0); off < 2*1024*1024; off += 4096 {
		fakerom := off == 0x1000
		tr.set(base2M+off, 0x50000000+off, fakerom)
	}
	ept := newEptForTest(t, tr)

	// Fault a page well away from the fakerom page; the 2 MiB fast path
	// must still be declined for the whole range because it re-checks
	// every 4 KiB step before committing to a superpage (spec.md "2 MiB
	// fast path" eligibility, companion to the fakerom invariant).
	if err := ept.EptViolation(false, false, base2M+0x5000); err != nil {
		t.Fatalf("EptViolation: %v", err)
	}

	if gphys, ok := ept.EptExternMapSearch(base2M, base2M+2*1024*1024, false); ok && gphys == base2M {
		t.Errorf("did not expect a 2 MiB superpage across a fakerom-interrupted range, found one starting at 0x%x", gphys)
	}
}

func TestEpt_ReadFaultOnFakeromPageInstallsReadOnlyLeaf(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x20000, 0x60000000, true)
	ept := newEptForTest(t, tr)

	if err := ept.EptViolation(false, false, 0x20000); err != nil {
		t.Fatalf("read fault on a fakerom page should succeed (read-only install), not error: %v", err)
	}
}

func TestEpt_WriteFaultOnFakeromPagePanics(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x20000, 0x60000000, true)
	ept := newEptForTest(t, tr)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic: a guest write fault on a fakerom page is fatal, not a silent read-only install")
		}
	}()
	_ = ept.EptViolation(true, false, 0x20000)
}

func TestEpt_FakeromInvariantPanicsOnInconsistentRemap(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x30000, 0x70000000, false)
	ept := newEptForTest(t, tr)

	if err := ept.EptViolation(true, false, 0x30000); err != nil {
		t.Fatalf("EptViolation: %v", err)
	}

	// The translator now reports the same page as fakerom without the
	// EPT engine ever having cleared the existing writable leaf; this
	// is the inconsistent-collaborator condition the fakerom invariant
	// exists to catch (spec.md §8 "fakerom invariant").
	tr.set(0x30000, 0x70000000, true)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when a fakerom page would otherwise remain writable")
		}
	}()
	_ = ept.EptViolation(false, false, 0x30000)
}

func TestEpt_ClearedConsistencyReplaysForceMap(t *testing.T) {
	tr := newMapTranslator()
	tr.set(0x0, 0x1000000, false)
	fm := forceMapSingle{r: hypervisor.ForceMapRange{Base: 0, Len: 4096}}

	ept, err := hypervisor.NewEpt(-1, hostMemoryFunc, tr, noopMMIO{}, alwaysUniformMTRR{}, fm, 1, false)
	if err != nil {
		t.Fatalf("NewEpt: %v", err)
	}

	if _, ok := ept.EptExternMapSearch(0, 4096, false); !ok {
		t.Fatal("expected the force-mapped range to be present immediately after construction")
	}

	if err := ept.EptClearAll(); err != nil {
		t.Fatalf("EptClearAll: %v", err)
	}
	if _, ok := ept.EptExternMapSearch(0, 4096, false); ok {
		t.Fatal("expected every mapping to be gone immediately after EptClearAll")
	}

	// A violation arriving right after a clear must replay the forced
	// ranges before resolving the faulting address itself (spec.md §8
	// "cleared consistency"): the forced range must be back even though
	// this violation targets an unrelated address.
	tr.set(0x10000, 0x2000000, false)
	if err := ept.EptViolation(false, false, 0x10000); err != nil {
		t.Fatalf("EptViolation after clear: %v", err)
	}
	if _, ok := ept.EptExternMapSearch(0, 4096, false); !ok {
		t.Error("expected force-mapped range to have been replayed before the unrelated fault was resolved")
	}
}

type forceMapSingle struct{ r hypervisor.ForceMapRange }

func (f forceMapSingle) ForceMapRanges() []hypervisor.ForceMapRange {
	return []hypervisor.ForceMapRange{f.r}
}
