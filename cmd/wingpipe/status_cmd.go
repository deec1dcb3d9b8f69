package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingpipe/wingpipe-go/internal/cli/output"
	"github.com/wingpipe/wingpipe-go/internal/observability"
	"github.com/wingpipe/wingpipe-go/internal/pipeerr"
	"github.com/wingpipe/wingpipe-go/internal/socket"
)

// statusReport is what "wingpipe status" prints.
type statusReport struct {
	Endpoint   string                       `json:"endpoint" yaml:"endpoint"`
	Health     string                       `json:"health" yaml:"health"`
	Ready      string                       `json:"ready" yaml:"ready"`
	Components []observability.HealthStatus `json:"components" yaml:"components"`
}

func (a *app) newStatusCommand() *cobra.Command {
	var (
		endpoint string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health of a running server over its admin pipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if endpoint == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				if endpoint, err = socket.DetectPipeName(cfg.DataDir); err != nil {
					return &configError{err: err}
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report, err := queryStatus(ctx, endpoint)
			if err != nil {
				return err
			}
			if output.ResolveFormat(a.flags.output, a.flags.jsonOutput) == "table" {
				return a.printStatusTable(report)
			}
			return a.print(report)
		},
	}
	cmd.Flags().StringVar(&endpoint, "admin-pipe", "", "Admin pipe of the server (default: per-user pipe)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func queryStatus(ctx context.Context, endpoint string) (*statusReport, error) {
	name, err := socket.ParseEndpoint(endpoint)
	if err != nil {
		return nil, &configError{err: err}
	}
	if !socket.IsPipeAvailable(name) {
		return nil, pipeerr.New(pipeerr.ErrNotFound, "status", name, fmt.Errorf("no server is running"))
	}

	dial, base, err := socket.CreateDialer(name)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: &http.Transport{DialContext: dial}}
	defer client.CloseIdleConnections()

	health, err := getHealth(ctx, client, base+"/healthz")
	if err != nil {
		return nil, err
	}
	ready, err := getHealth(ctx, client, base+"/readyz")
	if err != nil {
		return nil, err
	}

	return &statusReport{
		Endpoint:   name,
		Health:     health.Status,
		Ready:      ready.Status,
		Components: append(health.Components, ready.Components...),
	}, nil
}

// getHealth fetches one health endpoint. Unhealthy answers carry a body
// too, so the status code is not checked.
func getHealth(ctx context.Context, client *http.Client, url string) (*observability.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body observability.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode %s (HTTP %d): %w", url, resp.StatusCode, err)
	}
	return &body, nil
}

func (a *app) printStatusTable(r *statusReport) error {
	rows := [][]string{
		{"server", r.Endpoint, ""},
		{"health", r.Health, ""},
		{"ready", r.Ready, ""},
	}
	for _, c := range r.Components {
		rows = append(rows, []string{c.Name, c.Status, c.Error})
	}
	return a.printTable([]string{"COMPONENT", "STATUS", "DETAIL"}, rows)
}
