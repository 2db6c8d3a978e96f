package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first", 0, time.Second},
		{"second", 1, 2 * time.Second},
		{"third", 2, 4 * time.Second},
		{"capped", 10, 30 * time.Second},
		{"huge attempt", 500, 30 * time.Second},
		{"negative", -3, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Exponential(time.Second, 30*time.Second, tt.attempt)
			if got != tt.want {
				t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestJittered_ZeroBase(t *testing.T) {
	if got := Jittered(0, time.Second, 3, 1.1); got != 0 {
		t.Errorf("expected 0 delay for zero base, got %v", got)
	}
}

func TestJitterRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		j := Jitter(r)
		if j < JitterMin || j > JitterMax {
			t.Fatalf("jitter %f outside [%f, %f]", j, JitterMin, JitterMax)
		}
	}
}

// Consecutive reconnect delays never decrease and never exceed the cap,
// whatever jitter is drawn for each attempt.
func TestJitteredMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("delay is non-decreasing and capped", prop.ForAll(
		func(baseMs, maxMs int, attempt int, j1, j2 float64) bool {
			base := time.Duration(baseMs) * time.Millisecond
			max := time.Duration(maxMs) * time.Millisecond

			cur := Jittered(base, max, attempt, j1)
			next := Jittered(base, max, attempt+1, j2)

			if cur > max || next > max {
				return false
			}
			return next >= cur
		},
		gen.IntRange(1, 5000),
		gen.IntRange(5000, 120000),
		gen.IntRange(0, 40),
		gen.Float64Range(JitterMin, JitterMax),
		gen.Float64Range(JitterMin, JitterMax),
	))

	properties.TestingRun(t)
}
