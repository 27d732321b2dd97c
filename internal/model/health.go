package model

// HealthStatus represents the health state of a DDB server
type HealthStatus struct {
	Name      string
	Status    NodeStatus
	Timestamp int64
	Reason    string
}

// NodeStatus defines the operational status of a server
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	// The engine hit a fatal error and is shutting down
	NodeStatusDead NodeStatus = "dead"
)
