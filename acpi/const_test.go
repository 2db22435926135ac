package acpi_test

import (
	"testing"

	"github.com/bobuhiro11/microvm/acpi"
)

func TestSignatureToBytes(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		sig  acpi.Signature
		want [4]byte
	}{
		{acpi.SigXSDT, [4]byte{'X', 'S', 'D', 'T'}},
		{acpi.SigAPIC, [4]byte{'A', 'P', 'I', 'C'}},
		{acpi.SigFACP, [4]byte{'F', 'A', 'C', 'P'}},
	} {
		if got := tt.sig.ToBytes(); got != tt.want {
			t.Errorf("%s.ToBytes() = %q, want %q", tt.sig, got, tt.want)
		}
	}
}
