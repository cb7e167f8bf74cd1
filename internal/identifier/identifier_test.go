package identifier

import (
	"errors"
	"strings"
	"testing"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"usb1", true},
		{"USB_stick-2", true},
		{"a", true},
		{"-", true},
		{"0123456789", true},
		{"abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-", true},
		{"", false},
		{"usb 1", false},
		{"usb/1", false},
		{"../etc", false},
		{"usb;rm", false},
		{"usb$(id)", false},
		{"usb\n", false},
		{"usb.img", false},
		{"üsb", false},
		{"usb\x00", false},
	}

	for _, tt := range tests {
		got := Valid(tt.name)
		if got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValid_EveryASCIIByte(t *testing.T) {
	for c := 0; c < 128; c++ {
		b := byte(c)
		want := (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' || b == '-'
		name := "x" + string([]byte{b}) + "y"
		if got := Valid(name); got != want {
			t.Errorf("Valid(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check("name", "usb1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err := Check("name", "usb 1")
	if err == nil {
		t.Fatal("expected error for name with space")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected error to wrap ErrInvalid, got %v", err)
	}
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidError, got %T", err)
	}
	if invalid.Field != "name" {
		t.Errorf("expected field 'name', got %q", invalid.Field)
	}
	if !strings.Contains(err.Error(), "name not valid") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
