package version

import "testing"

func TestInfo(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()
	Version = "1.2.3"

	want := "pen-locker 1.2.3 (commit: unknown, built: unknown)"
	if got := Info(); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
}
