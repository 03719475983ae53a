package audit

import (
	"sync"
	"time"

	"github.com/payperplay/autopower/pkg/logger"
)

// ActionType represents the type of action being audited
type ActionType string

const (
	ActionStart ActionType = "power_start"
	ActionStop  ActionType = "power_stop"
)

// AuditEntry represents a single operator power command
type AuditEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Action    ActionType `json:"action"`
	Server    string     `json:"server"`
	Operator  string     `json:"operator"`
	Result    string     `json:"result"` // outcome kind
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// AuditLogger keeps the most recent operator commands in memory and
// mirrors each one to the structured log.
type AuditLogger struct {
	entries []AuditEntry
	mu      sync.RWMutex
	maxSize int
	now     func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(maxSize int) *AuditLogger {
	if maxSize <= 0 {
		maxSize = 1000
	}

	return &AuditLogger{
		entries: make([]AuditEntry, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Record adds an entry to the audit log. A nil logger discards it.
func (a *AuditLogger) Record(entry AuditEntry) {
	if a == nil {
		return
	}

	a.mu.Lock()
	entry.Timestamp = a.now()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.maxSize {
		a.entries = a.entries[len(a.entries)-a.maxSize:]
	}
	a.mu.Unlock()

	fields := map[string]interface{}{
		"action":   entry.Action,
		"server":   entry.Server,
		"operator": entry.Operator,
		"result":   entry.Result,
	}
	if entry.Reason != "" {
		fields["reason"] = entry.Reason
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}

	if entry.Error != "" {
		logger.Warn("AUDIT: "+string(entry.Action)+" FAILED", fields)
		return
	}
	logger.Info("AUDIT: "+string(entry.Action), fields)
}

// GetRecent returns the N most recent audit entries, oldest first
func (a *AuditLogger) GetRecent(n int) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}

	start := len(a.entries) - n
	result := make([]AuditEntry, n)
	copy(result, a.entries[start:])

	return result
}

// GetByServer returns all audit entries for one server
func (a *AuditLogger) GetByServer(server string) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []AuditEntry
	for _, entry := range a.entries {
		if entry.Server == server {
			result = append(result, entry)
		}
	}

	return result
}

// Stats returns audit statistics
func (a *AuditLogger) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	actionCounts := make(map[ActionType]int)
	resultCounts := make(map[string]int)
	for _, entry := range a.entries {
		actionCounts[entry.Action]++
		resultCounts[entry.Result]++
	}

	return map[string]interface{}{
		"total_entries": len(a.entries),
		"max_size":      a.maxSize,
		"by_action":     actionCounts,
		"by_result":     resultCounts,
	}
}
