package observability

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// healthPayload is the body of /healthz and /readyz responses. Version
// is set only on liveness responses from builds that know their own
// version.
type healthPayload struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ReadyCheck probes one subsystem. Nil means ready; an error describes
// why the subsystem cannot take traffic yet.
type ReadyCheck func(ctx context.Context) error

// HealthHandler serves liveness at /healthz: always HTTP 200 with
// {"status":"ok"}. A non-empty version is echoed back so fleet probes
// can tell which sentinel build is running.
func HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		respondHealth(rw, http.StatusOK, healthPayload{Status: healthStatusOK, Version: version})
	})
}

// ReadyHandler serves readiness at /readyz. Every check must pass for
// HTTP 200; the first failure yields HTTP 503 with
// {"status":"unavailable"}. Storage adapters plug in here: a sentinel
// whose active adapter cannot reach its backend is not ready to accept
// analysis requests.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		err := runChecks(hr.Context(), checks)
		if err != nil {
			respondHealth(rw, http.StatusServiceUnavailable, healthPayload{Status: healthStatusUnavailable})

			return
		}

		respondHealth(rw, http.StatusOK, healthPayload{Status: healthStatusOK})
	})
}

func runChecks(ctx context.Context, checks []ReadyCheck) error {
	for _, check := range checks {
		err := check(ctx)
		if err != nil {
			return err
		}
	}

	return nil
}

func respondHealth(rw http.ResponseWriter, code int, payload healthPayload) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	_, _ = rw.Write(data)
}
