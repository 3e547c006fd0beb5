package workers

import (
	"runtime"
	"testing"
)

func TestCount(t *testing.T) {
	available := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		want       int
	}{
		{"cpu bound", 1.0, 0, available},
		{"io bound", 2.0, 0, available * 2},
		{"limit caps result", 10.0, 4, 4},
		{"tiny multiplier floors at one", 0.001, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Count(tt.multiplier, tt.limit)
			if got != tt.want {
				t.Errorf("Count(%v, %d) = %d, want %d", tt.multiplier, tt.limit, got, tt.want)
			}
		})
	}
}

func TestCount_EnvOverride(t *testing.T) {
	t.Setenv("SCANNER_WORKERS", "7")

	if got := Count(1.0, 0); got != 7 {
		t.Errorf("Count() with SCANNER_WORKERS=7 = %d, want 7", got)
	}

	// The limit still applies to the override.
	if got := Count(1.0, 3); got != 3 {
		t.Errorf("Count() with override above limit = %d, want 3", got)
	}
}

func TestCount_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("SCANNER_WORKERS", "not-a-number")

	want := runtime.GOMAXPROCS(0)
	if got := Count(1.0, 0); got != want {
		t.Errorf("Count() with invalid override = %d, want %d", got, want)
	}
}

func TestForIO(t *testing.T) {
	if got := ForIO(0); got < runtime.GOMAXPROCS(0) {
		t.Errorf("ForIO(0) = %d, want at least one per CPU", got)
	}
	if got := ForIO(2); got > 2 {
		t.Errorf("ForIO(2) = %d, want <= 2", got)
	}
}
