package exchange

import (
	"testing"
	"time"
)

// TestBackoffBounds verifies the RFC 7252 Section 4.8.2 timeout ranges.
//
// | Retransmissions so far | Min (ms) | Max (ms) |
// |------------------------|----------|----------|
// | 0                      | 2000     | 3000     |
// | 1                      | 4000     | 6000     |
// | 2                      | 8000     | 12000    |
// | 3                      | 16000    | 24000    |
func TestBackoffBounds(t *testing.T) {
	expected := []struct {
		retransmissions int
		minMs           int64
		maxMs           int64
	}{
		{0, 2000, 3000},
		{1, 4000, 6000},
		{2, 8000, 12000},
		{3, 16000, 24000},
	}

	calc := NewBackoffCalculator(nil)

	for _, tc := range expected {
		if got := calc.CalculateMin(tc.retransmissions).Milliseconds(); got != tc.minMs {
			t.Errorf("CalculateMin(%d) = %dms, want %dms", tc.retransmissions, got, tc.minMs)
		}
		if got := calc.CalculateMax(tc.retransmissions).Milliseconds(); got != tc.maxMs {
			t.Errorf("CalculateMax(%d) = %dms, want %dms", tc.retransmissions, got, tc.maxMs)
		}
	}
}

func TestBackoffJitter(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		want   time.Duration
	}{
		{"min", 0.0, 4000 * time.Millisecond},
		{"mid", 0.5, 5000 * time.Millisecond},
		{"upper", 0.75, 5500 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calc := NewBackoffCalculator(fixedRandom{f: tc.random})
			if got := calc.Calculate(1); got != tc.want {
				t.Errorf("Calculate(1) = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestBackoffRandomRange checks the default source never leaves [min, max).
func TestBackoffRandomRange(t *testing.T) {
	calc := NewBackoffCalculator(nil)
	for i := 0; i < 1000; i++ {
		got := calc.Calculate(0)
		if got < calc.CalculateMin(0) || got >= calc.CalculateMax(0) {
			t.Fatalf("Calculate(0) = %v outside [%v, %v)", got, calc.CalculateMin(0), calc.CalculateMax(0))
		}
	}
}

func TestBackoffDeadline(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		n      int
		want   time.Duration
	}{
		// Clamped at the minimum: 2000 - 100 < 2000.
		{"clamped", 0.0, 0, 2000 * time.Millisecond},
		{"shortened", 0.5, 0, 2400 * time.Millisecond},
		{"shortened later attempt", 0.5, 2, 9900 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calc := NewBackoffCalculator(fixedRandom{f: tc.random})
			if got := calc.Deadline(tc.n, RetransmitScanInterval); got != tc.want {
				t.Errorf("Deadline(%d) = %v, want %v", tc.n, got, tc.want)
			}
		})
	}
}
