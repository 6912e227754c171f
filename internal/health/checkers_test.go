// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loopchat/courier/internal/orchestrator"
)

type stubStats struct {
	stats orchestrator.Stats
}

func (s stubStats) Stats() orchestrator.Stats { return s.stats }

func TestBrokerChecker(t *testing.T) {
	up := NewBrokerChecker(stubStats{orchestrator.Stats{BrokerConnected: true}})
	assert.Equal(t, StatusHealthy, up.Check(context.Background()).Status)

	down := NewBrokerChecker(stubStats{orchestrator.Stats{BrokerConnected: false}})
	result := down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestSessionsCheckerNeverFails(t *testing.T) {
	c := NewSessionsChecker(stubStats{orchestrator.Stats{ActiveSessions: 7}})
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "7")
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("authstore", func(ctx context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	bad := NewPingChecker("authstore", func(ctx context.Context) error { return errors.New("refused") })
	result := bad.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "refused", result.Error)
}
