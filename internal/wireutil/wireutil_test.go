package wireutil

import "testing"

func TestParseAndString(t *testing.T) {
	d, err := Parse([]byte(`{"name":"USDC","decimals":6}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, err := d.String("name")
	if err != nil || name != "USDC" {
		t.Fatalf("expected name=USDC, got %q err=%v", name, err)
	}
}

func TestStringRejectsMissingAndEmpty(t *testing.T) {
	d, _ := Parse([]byte(`{"name":""}`))
	if _, err := d.String("name"); err == nil {
		t.Fatalf("expected error for empty string field")
	}
	if _, err := d.String("missing"); err == nil {
		t.Fatalf("expected error for missing field")
	}
}

func TestNonNegativeIntRejectsNegative(t *testing.T) {
	d, _ := Parse([]byte(`{"decimals":-1}`))
	if _, err := d.NonNegativeInt("decimals"); err == nil {
		t.Fatalf("expected error for negative decimals")
	}
}

func TestBigIntStringRequiresPositive(t *testing.T) {
	d, _ := Parse([]byte(`{"amount":"0"}`))
	if _, err := d.BigIntString("amount", true); err == nil {
		t.Fatalf("expected error for zero amount when positive required")
	}
	v, err := d.BigIntString("amount", false)
	if err != nil || !v.IsZero() {
		t.Fatalf("expected zero value accepted, got %v err=%v", v, err)
	}
}

func TestOptFloatParsesStringAndNumber(t *testing.T) {
	d, _ := Parse([]byte(`{"a":"1.5","b":2.5}`))
	if got := d.OptFloat("a"); got == nil || *got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
	if got := d.OptFloat("b"); got == nil || *got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if got := d.OptFloat("missing"); got != nil {
		t.Fatalf("expected nil for missing field, got %v", got)
	}
}

func TestOptBool(t *testing.T) {
	d, _ := Parse([]byte(`{"included":true}`))
	if !d.OptBool("included") {
		t.Fatalf("expected included=true")
	}
	if d.OptBool("missing") {
		t.Fatalf("expected missing field to default to false")
	}
}

func TestObjectAndArray(t *testing.T) {
	d, _ := Parse([]byte(`{"fees":{"name":"lifi"},"steps":[1,2,3]}`))
	obj, err := d.Object("fees")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name := obj.OptString("name"); name != "lifi" {
		t.Fatalf("expected nested name=lifi, got %q", name)
	}
	arr, err := d.Array("steps")
	if err != nil || len(arr) != 3 {
		t.Fatalf("expected array of length 3, got %v err=%v", arr, err)
	}
}
