package hypervisor_test

import (
	"testing"

	"core_engine/hypervisor"
)

func newTestShadowVt() *hypervisor.ShadowVt {
	return hypervisor.NewShadowVt(-1, hypervisor.NewShadowEptCache(-1), hypervisor.NewShadowVpidCache(-1), false)
}

func TestShadowVt_InitialModeCleared(t *testing.T) {
	s := newTestShadowVt()
	if s.Mode() != hypervisor.ShadowVtCleared {
		t.Fatalf("expected initial mode cleared, got %v", s.Mode())
	}
}

func TestShadowVt_FullLifecycleRoundTrip(t *testing.T) {
	s := newTestShadowVt()

	if err := s.OnVmxon(0x1000); err != nil {
		t.Fatalf("OnVmxon: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtNormal {
		t.Fatalf("expected normal after VMXON, got %v", s.Mode())
	}

	if err := s.OnVmptrld(0x2000); err != nil {
		t.Fatalf("OnVmptrld: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtShadowing {
		t.Fatalf("expected shadowing after VMPTRLD, got %v", s.Mode())
	}
	if cur, ok := s.CurrentVmcs(); !ok || cur != 0x2000 {
		t.Errorf("expected current VMCS 0x2000, got 0x%x ok=%v", cur, ok)
	}

	if err := s.OnNestedEntry(); err != nil {
		t.Fatalf("OnNestedEntry: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtNestedShadowing {
		t.Fatalf("expected nested_shadowing after nested entry, got %v", s.Mode())
	}

	if err := s.OnNestedExit(); err != nil {
		t.Fatalf("OnNestedExit: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtShadowing {
		t.Fatalf("expected shadowing after nested exit, got %v", s.Mode())
	}

	if err := s.OnVmclear(0x2000); err != nil {
		t.Fatalf("OnVmclear: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtNormal {
		t.Fatalf("expected normal after VMCLEAR of current VMCS, got %v", s.Mode())
	}
	if _, ok := s.CurrentVmcs(); ok {
		t.Error("expected no current VMCS after VMCLEAR")
	}

	if err := s.OnVmxoff(); err != nil {
		t.Fatalf("OnVmxoff: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtCleared {
		t.Fatalf("expected cleared after VMXOFF, got %v", s.Mode())
	}
}

func TestShadowVt_VmclearOfNonCurrentVmcsIsNoop(t *testing.T) {
	s := newTestShadowVt()
	if err := s.OnVmxon(0x1000); err != nil {
		t.Fatal(err)
	}
	if err := s.OnVmptrld(0x2000); err != nil {
		t.Fatal(err)
	}

	if err := s.OnVmclear(0x3000); err != nil {
		t.Fatalf("VMCLEAR of a non-current VMCS should not error: %v", err)
	}
	if s.Mode() != hypervisor.ShadowVtShadowing {
		t.Errorf("mode should be unaffected by clearing a non-current VMCS, got %v", s.Mode())
	}
	if cur, ok := s.CurrentVmcs(); !ok || cur != 0x2000 {
		t.Errorf("current VMCS should remain 0x2000, got 0x%x ok=%v", cur, ok)
	}
}

func TestShadowVt_RejectsOutOfOrderTransitions(t *testing.T) {
	s := newTestShadowVt()

	if err := s.OnVmptrld(0x2000); err == nil {
		t.Error("VMPTRLD before VMXON should be rejected")
	}
	if err := s.OnVmxoff(); err == nil {
		t.Error("VMXOFF while already cleared should be rejected")
	}
	if err := s.OnNestedEntry(); err == nil {
		t.Error("nested entry before VMPTRLD should be rejected")
	}

	if err := s.OnVmxon(0x1000); err != nil {
		t.Fatal(err)
	}
	if err := s.OnVmxon(0x1000); err == nil {
		t.Error("double VMXON should be rejected")
	}
	if err := s.OnVmptrld(0x2000); err != nil {
		t.Fatal(err)
	}
	if err := s.OnNestedEntry(); err != nil {
		t.Fatal(err)
	}
	if err := s.OnVmptrld(0x3000); err == nil {
		t.Error("VMPTRLD while L2 is running should be rejected")
	}
	if err := s.OnVmclear(0x2000); err == nil {
		t.Error("VMCLEAR while L2 is running should be rejected")
	}
}

func TestShadowVt_ExintHackTransparency(t *testing.T) {
	s := newTestShadowVt()
	if s.ExintHackActive() {
		t.Fatal("exint hack should start idle")
	}

	s.ExintHackRequest()
	if !s.ExintHackActive() {
		t.Fatal("exint hack should be active after request")
	}

	remapped := s.ExintHackFold(0x20, noopRemapper{})
	if remapped != 0x20 {
		t.Errorf("expected passthrough vector 0x20 from a remapper that never remaps, got 0x%x", remapped)
	}
	if s.ExintHackActive() {
		t.Error("exint hack should no longer be 'active' (pending) once folded")
	}

	s.ExintHackComplete()
	if s.ExintHackActive() {
		t.Error("exint hack should stay inactive after completion")
	}
}

type noopRemapper struct{}

func (noopRemapper) RemapVector(vector uint8) int { return -1 }

type fixedRemapper struct{ to int }

func (r fixedRemapper) RemapVector(vector uint8) int { return r.to }

func TestShadowVt_ExintHackFoldAppliesRemap(t *testing.T) {
	s := newTestShadowVt()
	s.ExintHackRequest()
	remapped := s.ExintHackFold(0x20, fixedRemapper{to: 0x30})
	if remapped != 0x30 {
		t.Errorf("expected remapped vector 0x30, got 0x%x", remapped)
	}
}
