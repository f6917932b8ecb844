package progress

import "go.uber.org/zap"

// LogSink mirrors progress events into the global logger.
type LogSink struct{}

// Emit logs e. Node churn goes to debug; run-level events to info or error.
func (LogSink) Emit(e Event) {
	log := zap.L().With(zap.String("run_id", e.RunID), zap.String("event", string(e.Kind)))
	switch e.Kind {
	case EventNodeCreated, EventNodeStatusChanged:
		if e.Node != nil {
			log.Debug("progress: node",
				zap.String("node_id", e.Node.ID),
				zap.String("status", string(e.Node.Status)),
				zap.String("agent", e.Node.Agent),
			)
		}
	case EventRunProgress:
		log.Debug("progress: run", zap.Float64("percent", e.Percent), zap.String("stage", e.Stage))
	case EventRunComplete:
		if e.Stats != nil {
			log.Info("progress: run complete",
				zap.Int("total", e.Stats.Total),
				zap.Int("identifier_verified", e.Stats.IdentifierVerified),
				zap.Int("address_verified", e.Stats.AddressVerified),
				zap.Float64("average_confidence", e.Stats.AverageConfidence),
				zap.Int("flagged", e.Stats.Flagged),
				zap.Int("errored", e.Stats.Errored),
			)
		}
	case EventRunError:
		log.Error("progress: run error", zap.String("message", e.Message))
	}
}
