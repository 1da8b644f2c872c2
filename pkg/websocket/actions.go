package websocket

// Worker-facing hub service actions.
const (
	// ActionWorkItem is pushed by the hub to a connected worker for each
	// dispatched work item.
	ActionWorkItem = "work.item"

	// ActionCompleteActivity carries an ActivityResult back to the hub.
	ActionCompleteActivity = "work.activity.complete"

	// ActionCompleteOrchestrator carries an OrchestratorResult back to
	// the hub.
	ActionCompleteOrchestrator = "work.orchestrator.complete"
)

// Client-facing management service actions.
const (
	ActionOrchestrationSchedule  = "orchestration.schedule"
	ActionOrchestrationGet       = "orchestration.get"
	ActionOrchestrationWait      = "orchestration.wait"
	ActionOrchestrationRaise     = "orchestration.raise"
	ActionOrchestrationTerminate = "orchestration.terminate"
	ActionOrchestrationSuspend   = "orchestration.suspend"
	ActionOrchestrationResume    = "orchestration.resume"
	ActionOrchestrationQuery     = "orchestration.query"
	ActionOrchestrationPurge     = "orchestration.purge"
)

// Notification actions pushed to management clients.
const (
	ActionOrchestrationState = "orchestration.state"
)

// ErrorCodeUnknownAction is returned for unregistered actions.
const ErrorCodeUnknownAction = "UNKNOWN_ACTION"
