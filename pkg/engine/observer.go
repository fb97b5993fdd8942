package engine

import (
	"context"
	"time"

	"shipwright/pkg/agent/middleware/metrics"
	"shipwright/pkg/logx"
	"shipwright/pkg/persistence"
	"shipwright/pkg/stage"
)

// toolAudit reports tool executions to the metrics recorder and the
// tool_executions table.
type toolAudit struct {
	store    *persistence.Store
	recorder metrics.Recorder
	logger   *logx.Logger
	kind     stage.Kind
	threadID string
}

func (a *toolAudit) ObserveToolExecution(tool, status string, duration time.Duration) {
	a.recorder.ObserveToolExecution(tool, status, duration)
	err := a.store.InsertToolExecution(context.Background(), &persistence.ToolExecution{
		ThreadID: a.threadID,
		Stage:    string(a.kind),
		ToolName: tool,
		Status:   status,
		Duration: duration,
	})
	if err != nil {
		a.logger.Warn("failed to record %s execution: %v", tool, err)
	}
}
