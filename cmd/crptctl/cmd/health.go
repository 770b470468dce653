package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/crpt_submit/internal/health"
)

type healthReport struct {
	Transport string            `json:"transport"`
	OK        bool              `json:"ok"`
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func newHealthCmd(o *options) *cobra.Command {
	var (
		useHTTP bool
		service string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a submitter service",
		Long: `Check a running submitter using the gRPC health protocol, or its
/healthz endpoint with --http.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var (
				rep healthReport
				err error
			)
			if useHTTP {
				rep, err = checkHTTP(ctx, o.server)
			} else {
				rep, err = checkGRPC(ctx, o.grpcServer, service)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if o.outputJSON {
				if err := o.printJSON(w, rep); err != nil {
					return err
				}
			} else if rep.OK {
				fmt.Fprintf(w, "✓ Service is healthy (%s)\n", rep.Transport)
			} else {
				fmt.Fprintf(w, "✗ Service is unhealthy (%s): %s\n", rep.Transport, rep.Status)
				for name, st := range rep.Checks {
					fmt.Fprintf(w, "  %s: %s\n", name, st)
				}
			}
			if !rep.OK {
				return fmt.Errorf("service unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useHTTP, "http", false, "use the HTTP /healthz endpoint instead of gRPC")
	cmd.Flags().StringVar(&service, "service", "", "gRPC health service name (empty checks the whole server)")
	return cmd
}

func checkHTTP(ctx context.Context, server string) (healthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+server+"/healthz", nil)
	if err != nil {
		return healthReport{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return healthReport{}, fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return healthReport{}, fmt.Errorf("decode health response: %w", err)
	}
	return healthReport{
		Transport: "http",
		OK:        resp.StatusCode == http.StatusOK && st.OK,
		Status:    st.Message,
		Checks:    st.Checks,
	}, nil
}

func checkGRPC(ctx context.Context, addr, service string) (healthReport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return healthReport{}, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthReport{}, fmt.Errorf("gRPC health check failed: %w", err)
	}
	return healthReport{
		Transport: "grpc",
		OK:        resp.GetStatus() == healthpb.HealthCheckResponse_SERVING,
		Status:    resp.GetStatus().String(),
	}, nil
}
