package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether one dependency is usable.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Pinger is satisfied by *pgxpool.Pool and the Redis stats store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping turns a Pinger into a Checker.
func Ping(p Pinger) Checker {
	return CheckFunc(p.Ping)
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Evaluate runs every check with a one second budget each.
func Evaluate(ctx context.Context, checks map[string]Checker) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(checks))

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		err := checks[name].Check(cctx)
		cancel()
		if err != nil {
			st.Checks[name] = err.Error()
			failed = append(failed, name)
			continue
		}
		st.Checks[name] = "ok"
	}
	if len(failed) > 0 {
		st.OK = false
		st.Message = "unhealthy: " + failed[0]
		for _, name := range failed[1:] {
			st.Message += ", " + name
		}
	}
	return st
}

// HTTPHandler serves Evaluate as JSON, 503 when any check fails.
func HTTPHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch mirrors Evaluate into a gRPC health server for service (and the
// empty overall service) every interval until ctx ends.
func Watch(ctx context.Context, hs *grpchealth.Server, service string, checks map[string]Checker, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Evaluate(ctx, checks).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(service, status)
		hs.SetServingStatus("", status)
	}

	update()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}
