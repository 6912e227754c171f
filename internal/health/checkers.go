// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"

	"github.com/loopchat/courier/internal/orchestrator"
)

// StatsSource reports the orchestrator's probe-relevant numbers.
type StatsSource interface {
	Stats() orchestrator.Stats
}

// BrokerChecker reports unhealthy while the broker connection is down.
type BrokerChecker struct {
	source StatsSource
}

// NewBrokerChecker creates a checker over the orchestrator stats.
func NewBrokerChecker(source StatsSource) *BrokerChecker {
	return &BrokerChecker{source: source}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	if !c.source.Stats().BrokerConnected {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "broker connection is down",
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "broker connected",
	}
}

// SessionsChecker reports the active-session count. Informational: it
// never fails the probe.
type SessionsChecker struct {
	source StatsSource
}

// NewSessionsChecker creates a checker over the orchestrator stats.
func NewSessionsChecker(source StatsSource) *SessionsChecker {
	return &SessionsChecker{source: source}
}

func (c *SessionsChecker) Name() string { return "sessions" }

func (c *SessionsChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active sessions", c.source.Stats().ActiveSessions),
	}
}

// PingChecker wraps a dependency's ping function (e.g. the credential
// store). A failing ping degrades readiness without failing it: the
// orchestrator keeps serving already-connected sessions.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker from a ping function.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if err := c.ping(ctx); err != nil {
		return CheckResult{
			Status: StatusDegraded,
			Error:  err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}
