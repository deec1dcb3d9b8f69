package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wingpipe/wingpipe-go/internal/overlapped"
)

// benchOptions configure a round-trip benchmark.
type benchOptions struct {
	pipe       string
	backends   []string
	iterations int
	clients    int
	size       int
}

// benchResult summarizes one backend's run.
type benchResult struct {
	Backend    string        `json:"backend" yaml:"backend"`
	Clients    int           `json:"clients" yaml:"clients"`
	RoundTrips int           `json:"round_trips" yaml:"round_trips"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
	P50        time.Duration `json:"p50" yaml:"p50"`
	P99        time.Duration `json:"p99" yaml:"p99"`
	Max        time.Duration `json:"max" yaml:"max"`
}

// OpsPerSecond is the round-trip throughput.
func (r benchResult) OpsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.RoundTrips) / r.Elapsed.Seconds()
}

func (a *app) newBenchCommand() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure round trips against an echo endpoint",
		Long: `Run round trips against an echo endpoint with each backend.

Without --pipe an in-process echo server is started on a private pipe
for every backend, so client and server use the same backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.iterations < 1 || opts.clients < 1 || opts.size < 1 {
				return &configError{err: fmt.Errorf("iterations, clients and size must be positive")}
			}
			backends := make([]overlapped.Backend, 0, len(opts.backends))
			for _, name := range opts.backends {
				b, err := overlapped.ParseBackend(name)
				if err != nil {
					return &configError{err: err}
				}
				backends = append(backends, b)
			}

			logger, err := a.commandLogger()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			var results []benchResult
			for _, b := range backends {
				logger.Info("Running benchmark", zap.Stringer("backend", b), zap.Int("iterations", opts.iterations))
				r, err := runBench(cmd.Context(), opts, b, logger)
				if err != nil {
					return fmt.Errorf("%s backend: %w", b, err)
				}
				results = append(results, r)
			}
			return a.printBench(results)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.pipe, "pipe", "p", "", "Echo endpoint to measure (default: in-process server)")
	flags.StringSliceVar(&opts.backends, "backends", []string{"classic", "iocp"}, "Backends to measure")
	flags.IntVarP(&opts.iterations, "iterations", "n", 1000, "Round trips per client")
	flags.IntVar(&opts.clients, "clients", 1, "Concurrent clients")
	flags.IntVar(&opts.size, "size", 64, "Message size in bytes")
	return cmd
}

func (a *app) printBench(results []benchResult) error {
	headers := []string{"BACKEND", "CLIENTS", "ROUND TRIPS", "ELAPSED", "OPS/S", "P50", "P99", "MAX"}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.Backend,
			fmt.Sprint(r.Clients),
			fmt.Sprint(r.RoundTrips),
			r.Elapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%.0f", r.OpsPerSecond()),
			r.P50.String(),
			r.P99.String(),
			r.Max.String(),
		})
	}
	return a.printTable(headers, rows)
}

// summarize fills the latency fields of r from samples.
func summarize(r *benchResult, samples []time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	r.RoundTrips = len(samples)
	r.P50 = percentile(samples, 50)
	r.P99 = percentile(samples, 99)
	r.Max = samples[len(samples)-1]
}

// percentile returns the nearest-rank percentile of sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
