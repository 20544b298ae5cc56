package healthcheck

import (
	"fmt"

	"github.com/atlassian/gocluster/pkg/coordination"
)

// HealthcheckFunc is a function that returns a status message, and if the check if healthy or not (false).
// healthchecks must not block, and the coordination service should be reported on from the session state,
// and not by making a roundtrip.
type HealthcheckFunc func() (string, HealthyStatus)

type HealthyStatus bool

const (
	Healthy   = HealthyStatus(true)
	Unhealthy = HealthyStatus(false)
)

type HealthCheckProvider interface {
	HealthChecks() []HealthcheckFunc
}

type DeepCheckProvider interface {
	DeepChecks() []HealthcheckFunc
}

func MaybeAppendHealthChecks(healthChecks []HealthcheckFunc, deepChecks []HealthcheckFunc, maybeProvider interface{}) ([]HealthcheckFunc, []HealthcheckFunc) {
	if hcp, ok := maybeProvider.(HealthCheckProvider); ok {
		healthChecks = append(healthChecks, hcp.HealthChecks()...)
	}
	if dcp, ok := maybeProvider.(DeepCheckProvider); ok {
		deepChecks = append(deepChecks, dcp.DeepChecks()...)
	}
	return healthChecks, deepChecks
}

// SessionCheck reports on the session state of client.
func SessionCheck(client coordination.Client) HealthcheckFunc {
	return func() (string, HealthyStatus) {
		state := client.State()
		return fmt.Sprintf("coordination session %s", state), HealthyStatus(state == coordination.StateConnected)
	}
}
