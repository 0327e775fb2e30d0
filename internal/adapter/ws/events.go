package ws

// Event type constants for messages broadcast to connected clients.
const (
	EventTaskStatus       = "task_status"
	EventAssignmentStatus = "assignment_status"
	EventAgentStatus      = "agent_status"
)
