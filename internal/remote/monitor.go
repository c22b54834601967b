package remote

import (
	"log"
	"sync"
	"time"
)

// Monitor tracks whether interactive calls should attempt the network first.
// It combines observed success or failure of recent calls with an operator
// toggle for planned outages. Reachability only gates the interactive fast
// path; the refresher and the drainer keep probing while unreachable and
// their ReportSuccess is what brings the agent back online.
type Monitor struct {
	mu            sync.RWMutex
	reachable     bool
	forcedOffline bool
	lastChange    time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{reachable: true, lastChange: time.Now().UTC()}
}

// Online reports whether the next call should try the network first.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable && !m.forcedOffline
}

func (m *Monitor) ForcedOffline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forcedOffline
}

func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

func (m *Monitor) SetForcedOffline(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedOffline == forced {
		return
	}
	m.forcedOffline = forced
	m.lastChange = time.Now().UTC()
	log.Printf("[remote] forced offline set to %v", forced)
}

func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		m.reachable = true
		m.lastChange = time.Now().UTC()
		log.Printf("[remote] central api reachable again")
	}
}

func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reachable {
		m.reachable = false
		m.lastChange = time.Now().UTC()
		log.Printf("[remote] central api unreachable, switching to cached mode")
	}
}
