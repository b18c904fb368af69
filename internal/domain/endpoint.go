// Package domain defines the data model shared by the scanning pipeline.
package domain

// EndpointHealth is the last observed state of an RPC endpoint.
type EndpointHealth int

const (
	EndpointHealthy EndpointHealth = iota
	EndpointUnreachable
)

// String returns the string representation.
func (h EndpointHealth) String() string {
	switch h {
	case EndpointHealthy:
		return "healthy"
	case EndpointUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Endpoint is an RPC URL together with its health.
type Endpoint struct {
	URL    string
	Health EndpointHealth
}
