package hypervisor_test

import (
	"testing"

	"core_engine/hypervisor"
)

func TestFieldWidthDerivedFromEncoding(t *testing.T) {
	cases := []struct {
		name  string
		field hypervisor.Field
		want  hypervisor.FieldWidth
	}{
		{"VPID", hypervisor.FieldVPID, hypervisor.Width16},
		{"EPTPointer", hypervisor.FieldEPTPointer, hypervisor.Width64},
		{"PinBasedVMExecControl", hypervisor.FieldPinBasedVMExecControl, hypervisor.Width32},
		{"CR4GuestHostMask", hypervisor.FieldCR4GuestHostMask, hypervisor.WidthNatural},
	}
	for _, c := range cases {
		if got := c.field.Width(); got != c.want {
			t.Errorf("%s: Width() = %v, want %v", c.name, got, c.want)
		}
	}
}
