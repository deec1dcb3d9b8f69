package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPercentile(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 50*time.Millisecond, percentile(samples, 50))
	assert.Equal(t, 99*time.Millisecond, percentile(samples, 99))
	assert.Equal(t, 100*time.Millisecond, percentile(samples, 100))
	assert.Equal(t, time.Millisecond, percentile(samples, 0))
	assert.Equal(t, 7*time.Second, percentile([]time.Duration{7 * time.Second}, 99))
}

func TestSummarize(t *testing.T) {
	r := benchResult{Elapsed: 2 * time.Second}
	summarize(&r, []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond})

	assert.Equal(t, 4, r.RoundTrips)
	assert.Equal(t, 2*time.Millisecond, r.P50)
	assert.Equal(t, 4*time.Millisecond, r.P99)
	assert.Equal(t, 4*time.Millisecond, r.Max)
	assert.InDelta(t, 2.0, r.OpsPerSecond(), 1e-9)

	empty := benchResult{}
	summarize(&empty, nil)
	assert.Zero(t, empty.RoundTrips)
	assert.Zero(t, empty.OpsPerSecond())
}

func TestPercentileIsASample(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Int64Range(0, int64(time.Minute)), 1, 200).Draw(t, "samples")
		p := rapid.IntRange(0, 100).Draw(t, "p")

		samples := make([]time.Duration, len(raw))
		for i, v := range raw {
			samples[i] = time.Duration(v)
		}
		var r benchResult
		summarize(&r, samples)

		got := percentile(samples, p)
		if got < samples[0] || got > samples[len(samples)-1] {
			t.Fatalf("percentile %d = %v outside [%v, %v]", p, got, samples[0], samples[len(samples)-1])
		}
		if r.P50 > r.P99 || r.P99 > r.Max {
			t.Fatalf("p50 %v, p99 %v, max %v out of order", r.P50, r.P99, r.Max)
		}
	})
}

func TestBenchRejectsBadOptions(t *testing.T) {
	code, _, stderr := runCLI(t, "bench", "--iterations", "0")
	assert.Equal(t, ExitCodeConfigError, code)
	assert.Contains(t, stderr, "must be positive")

	code, _, _ = runCLI(t, "bench", "--backends", "epoll")
	assert.Equal(t, ExitCodeConfigError, code)
}
