package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestEngineHooksUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)
	hooks := c.EngineHooks()

	hooks.OnDeploymentRun(3, 1)
	hooks.OnClientRemoved("client-1")
	hooks.OnFailureRecorded("client-1", 2)

	if got := counterValue(t, c.DeploymentRuns); got != 1 {
		t.Fatalf("expected 1 deployment run recorded, got %v", got)
	}
	if got := counterValue(t, c.NotificationsOk); got != 3 {
		t.Fatalf("expected 3 delivered notifications, got %v", got)
	}
	if got := counterValue(t, c.NotificationsFailed); got != 1 {
		t.Fatalf("expected 1 failed notification, got %v", got)
	}
	if got := counterValue(t, c.ClientsRemoved); got != 1 {
		t.Fatalf("expected 1 client removed, got %v", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	return m.GetCounter().GetValue()
}
