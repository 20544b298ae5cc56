package web

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster/pkg/healthcheck"
)

type healthChecker struct {
	logger       logrus.FieldLogger
	healthChecks []healthcheck.HealthcheckFunc
	deepChecks   []healthcheck.HealthcheckFunc
}

func runHealthChecks(checks []healthcheck.HealthcheckFunc) (good []string, bad []string) {
	// Force it render as an array, not null
	good = []string{}
	bad = []string{}
	for _, check := range checks {
		report, isHealthy := check()
		if isHealthy == healthcheck.Healthy {
			good = append(good, report)
		} else {
			bad = append(bad, report)
		}
	}
	return good, bad
}

func respondToHealthChecks(resp http.ResponseWriter, checks []healthcheck.HealthcheckFunc) {
	good, bad := runHealthChecks(checks)
	status := http.StatusOK
	if len(bad) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(resp, status, map[string][]string{
		"ok":     good,
		"failed": bad,
	})
}

// healthCheck reports if the process is alive.
func (hc *healthChecker) healthCheck(resp http.ResponseWriter, req *http.Request) {
	respondToHealthChecks(resp, hc.healthChecks)
}

// deepCheck reports on the coordination session and the membership built on it.
func (hc *healthChecker) deepCheck(resp http.ResponseWriter, req *http.Request) {
	respondToHealthChecks(resp, hc.deepChecks)
}

func writeJSON(resp http.ResponseWriter, status int, body interface{}) {
	resp.Header().Set("content-type", "application/json")
	resp.WriteHeader(status)
	_ = jsoniter.NewEncoder(resp).Encode(body)
}
