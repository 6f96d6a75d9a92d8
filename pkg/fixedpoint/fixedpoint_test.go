package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToScaled(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"123.456", "123456000000000000000"},
		{"0.000000000000000001", "1"},
		// Precision beyond the scale truncates.
		{"0.0000000000000000019", "1"},
	}

	for _, c := range cases {
		d, err := decimal.NewFromString(c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		got := ToScaled(d)
		if got.String() != c.want {
			t.Errorf("ToScaled(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestFromScaledRoundTrip(t *testing.T) {
	for _, in := range []string{"0", "1", "0.5", "99.999999", "100000.000000000000000001"} {
		d, _ := decimal.NewFromString(in)
		back := FromScaled(ToScaled(d))
		if !back.Equal(d) {
			t.Errorf("round trip %s: got %s", in, back)
		}
	}
}

func TestToleranceIsSymmetric(t *testing.T) {
	v := big.NewInt(123456789)
	withTol := AddTolerance(v)
	if withTol.Cmp(v) <= 0 {
		t.Fatal("AddTolerance must increase the value")
	}
	if got := StripTolerance(withTol); got.Cmp(v) != 0 {
		t.Errorf("StripTolerance(AddTolerance(v)) = %s, want %s", got, v)
	}
	// Inputs must not be mutated.
	if v.Int64() != 123456789 {
		t.Error("AddTolerance mutated its input")
	}
}

func TestStoredRoundTrip(t *testing.T) {
	for _, in := range []string{"0", "1.5", "100", "0.000000000000000001"} {
		d, _ := decimal.NewFromString(in)
		back, err := FromStored(ToStored(d))
		if err != nil {
			t.Fatalf("FromStored(%s): %v", in, err)
		}
		if !back.Equal(d) {
			t.Errorf("stored round trip %s: got %s", in, back)
		}
	}
}

func TestFromStoredRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1.5", "0x10"} {
		if _, err := FromStored(in); err == nil {
			t.Errorf("FromStored(%q) should fail", in)
		}
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("1.25"); err != nil {
		t.Errorf("valid amount rejected: %v", err)
	}
	for _, in := range []string{"", "NaN?", "-1", "1,5"} {
		if _, err := ParseAmount(in); err == nil {
			t.Errorf("ParseAmount(%q) should fail", in)
		}
	}
}
