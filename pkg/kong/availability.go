package kong

import (
	"encoding/json"
	"sync"
)

// Availability is the process wide view on the gateway's health. Only the health monitor marks it,
// everything else reads it.
type Availability struct {
	mu            sync.RWMutex
	available     bool
	message       string
	clusterStatus json.RawMessage
}

// NewAvailability starts out available; the first failed probe says otherwise.
func NewAvailability() *Availability {
	return &Availability{available: true}
}

func (a *Availability) Mark(available bool, message string, clusterStatus json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = available
	a.message = message
	a.clusterStatus = clusterStatus
}

// Available returns the flag and, when unavailable, the reason.
func (a *Availability) Available() (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.available, a.message
}

func (a *Availability) ClusterStatus() json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clusterStatus
}
