package metrics

import "trustgraph/notifyd/internal/engine"

// EngineHooks adapts Collectors to engine.Hooks so a Core can be wired to
// report metrics without knowing Prometheus exists.
func (c *Collectors) EngineHooks() engine.Hooks {
	return engine.Hooks{
		OnDeploymentRun: func(delivered, failed int) {
			c.DeploymentRuns.Inc()
			c.NotificationsOk.Add(float64(delivered))
			c.NotificationsFailed.Add(float64(failed))
			c.QueueDepth.Set(float64(delivered + failed))
		},
		OnClientRemoved: func(clientID string) {
			c.ClientsRemoved.Inc()
		},
		OnFailureRecorded: func(clientID string, failureCount uint8) {
			c.FailureCount.Observe(float64(failureCount))
		},
	}
}
