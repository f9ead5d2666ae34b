package hypervisor

import (
	"fmt"
	"log"
)

// ShadowVtMode is the tri-... actually four-state VMCS-handling state
// machine spec.md §4.6 requires for nested virtualization: an L1
// hypervisor's own VMXON/VMPTRLD/VMLAUNCH sequence has to be tracked
// precisely enough that L0 can always answer "whose VMCS is current
// right now" without re-deriving it from scratch on every exit.
type ShadowVtMode int

const (
	// ShadowVtCleared: L1 has not executed VMXON yet (or has executed
	// VMXOFF since). No VMCS is current.
	ShadowVtCleared ShadowVtMode = iota
	// ShadowVtNormal: L1 is in VMX root operation but has no current
	// VMCS (either never VMPTRLD'd one, or VMCLEAR'd the last one).
	ShadowVtNormal
	// ShadowVtShadowing: L1 has a current VMCS (its "VMCS12") but has
	// not yet launched L2; L0 serves L1's VMREAD/VMWRITE traffic from
	// that VMCS12.
	ShadowVtShadowing
	// ShadowVtNestedShadowing: L2 is running under VMCS02; L1's own
	// VMCS12 fields are frozen until the next L2-to-L1 exit.
	ShadowVtNestedShadowing
)

func (m ShadowVtMode) String() string {
	switch m {
	case ShadowVtCleared:
		return "cleared"
	case ShadowVtNormal:
		return "normal"
	case ShadowVtShadowing:
		return "shadowing"
	case ShadowVtNestedShadowing:
		return "nested_shadowing"
	default:
		return "unknown"
	}
}

// exintHackState tracks spec.md's "exint_hack" transparency problem:
// L0 sometimes needs to force an external-interrupt VM-exit purely for
// its own scheduling purposes while L2 is running, without L1 ever
// observing that an extra exit happened. The hack is to remember that
// one is in flight and fold it back into the next exit L1 was already
// going to see.
type exintHackState int

const (
	exintHackIdle exintHackState = iota
	// exintHackPending: L0 requested an external-interrupt exit from
	// L2 for its own reasons; the next VM-exit must be reclassified
	// before being reflected to L1.
	exintHackPending
	// exintHackDelivered: the masked exit has been folded into an
	// L1-visible event and is waiting for that event to actually be
	// taken (IDT vectoring complete) before returning to idle.
	exintHackDelivered
)

// ShadowVt is the per-vCPU nested-virtualization state machine
// (spec.md §4.6, component F). It does not itself execute VMX
// instructions — vtx_emulate.go's emulators call into it to drive the
// mode transitions and consult it when deciding how to route a VMREAD/
// VMWRITE/VMPTRLD.
type ShadowVt struct {
	fd int

	mode ShadowVtMode

	l1VmxonGphys     uint64
	currentVmcsGphys uint64

	shadowEpt  *ShadowEptCache
	shadowVpid *ShadowVpidCache

	exint exintHackState

	debug bool
}

// NewShadowVt constructs the state machine in ShadowVtCleared, before
// L1 has executed VMXON.
func NewShadowVt(fd int, shadowEpt *ShadowEptCache, shadowVpid *ShadowVpidCache, debug bool) *ShadowVt {
	return &ShadowVt{fd: fd, mode: ShadowVtCleared, shadowEpt: shadowEpt, shadowVpid: shadowVpid, debug: debug}
}

func (s *ShadowVt) Mode() ShadowVtMode { return s.mode }

func (s *ShadowVt) logTransition(op string) {
	if s.debug {
		log.Printf("ShadowVt: %s -> %s", op, s.mode)
	}
}

// OnVmxon records L1's VMXON and moves cleared -> normal.
func (s *ShadowVt) OnVmxon(l1VmxonGphys uint64) error {
	if s.mode != ShadowVtCleared {
		return fmt.Errorf("shadowvt: VMXON while not cleared (mode=%s)", s.mode)
	}
	s.l1VmxonGphys = l1VmxonGphys
	s.mode = ShadowVtNormal
	s.logTransition("VMXON")
	return nil
}

// OnVmxoff tears down back to cleared from any non-cleared mode,
// dropping whatever current VMCS and shadow caches were live.
func (s *ShadowVt) OnVmxoff() error {
	if s.mode == ShadowVtCleared {
		return fmt.Errorf("shadowvt: VMXOFF while already cleared")
	}
	s.currentVmcsGphys = 0
	if s.shadowEpt != nil {
		s.shadowEpt.RemoveAll()
	}
	if s.shadowVpid != nil {
		s.shadowVpid.RemoveAll()
	}
	s.mode = ShadowVtCleared
	s.logTransition("VMXOFF")
	return nil
}

// OnVmclear drops normal/shadowing back to normal when L1 clears its
// current VMCS; clearing a VMCS that is not current is a no-op at the
// state-machine level (the emulator still issues the real VMCLEAR).
func (s *ShadowVt) OnVmclear(vmcsGphys uint64) error {
	if s.mode == ShadowVtCleared {
		return fmt.Errorf("shadowvt: VMCLEAR while cleared")
	}
	if s.mode == ShadowVtNestedShadowing {
		return fmt.Errorf("shadowvt: VMCLEAR while L2 is running")
	}
	if s.currentVmcsGphys == vmcsGphys {
		s.currentVmcsGphys = 0
		s.mode = ShadowVtNormal
		s.logTransition(fmt.Sprintf("VMCLEAR(0x%x)", vmcsGphys))
	}
	return nil
}

// OnVmptrld makes vmcsGphys L1's current VMCS and enters shadowing.
func (s *ShadowVt) OnVmptrld(vmcsGphys uint64) error {
	if s.mode == ShadowVtCleared {
		return fmt.Errorf("shadowvt: VMPTRLD while cleared")
	}
	if s.mode == ShadowVtNestedShadowing {
		return fmt.Errorf("shadowvt: VMPTRLD while L2 is running")
	}
	s.currentVmcsGphys = vmcsGphys
	s.mode = ShadowVtShadowing
	s.logTransition(fmt.Sprintf("VMPTRLD(0x%x)", vmcsGphys))
	return nil
}

// CurrentVmcs reports L1's notion of the current VMCS, for VMPTRST
// emulation.
func (s *ShadowVt) CurrentVmcs() (gphys uint64, ok bool) {
	if s.mode != ShadowVtShadowing && s.mode != ShadowVtNestedShadowing {
		return 0, false
	}
	return s.currentVmcsGphys, true
}

// OnNestedEntry moves shadowing -> nested_shadowing when L1 executes
// VMLAUNCH/VMRESUME against its current VMCS, handing control to L2.
func (s *ShadowVt) OnNestedEntry() error {
	if s.mode != ShadowVtShadowing {
		return fmt.Errorf("shadowvt: nested entry attempted from mode %s", s.mode)
	}
	s.mode = ShadowVtNestedShadowing
	s.logTransition("nested-entry")
	return nil
}

// OnNestedExit moves nested_shadowing -> shadowing when L2 exits back
// to L1. Any in-flight exint hack must be resolved or explicitly
// carried across this boundary by the caller before calling this.
func (s *ShadowVt) OnNestedExit() error {
	if s.mode != ShadowVtNestedShadowing {
		return fmt.Errorf("shadowvt: nested exit reported from mode %s", s.mode)
	}
	s.mode = ShadowVtShadowing
	s.logTransition("nested-exit")
	return nil
}

// ExintHackRequest marks that L0 is forcing an external-interrupt exit
// from L2 purely for its own scheduling, and must not let L1 observe
// it as a genuine external-interrupt VM-exit.
func (s *ShadowVt) ExintHackRequest() {
	s.exint = exintHackPending
}

// ExintHackActive reports whether the current VM-exit must be
// reclassified before being reflected to L1.
func (s *ShadowVt) ExintHackActive() bool {
	return s.exint == exintHackPending
}

// ExintHackFold reclassifies the masked exit into the exit L1 would
// otherwise see, via remapper, and moves to exintHackDelivered so the
// next IDT-vectoring-complete observation can return to idle.
func (s *ShadowVt) ExintHackFold(vector uint8, remapper InterruptRemapper) uint8 {
	s.exint = exintHackDelivered
	if remapped := remapper.RemapVector(vector); remapped >= 0 {
		return uint8(remapped)
	}
	return vector
}

// ExintHackComplete returns the state machine to idle once the folded
// event has actually been delivered (observed via IDT-vectoring-info
// on the following exit).
func (s *ShadowVt) ExintHackComplete() {
	s.exint = exintHackIdle
}
