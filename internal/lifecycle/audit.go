package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable record of one governance action. Identity is a
// generated unique id; entries are never updated or removed once constructed.
// Persistence and querying belong to the caller.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// PhiAuditEntry is an audit entry for PHI-related actions, additionally
// carrying the scan status at the time of the action.
type PhiAuditEntry struct {
	AuditEntry
	Status PhiStatus `json:"status"`
}

// NewAuditEntry constructs an audit entry for action, stamping a fresh id and
// the current timestamp and copying the caller-supplied details. Identical
// inputs at different instants produce different entries.
func NewAuditEntry(action string, details map[string]any) AuditEntry {
	return NewAuditEntryAt(time.Now(), action, details)
}

// NewAuditEntryAt is NewAuditEntry with an explicit clock reading.
func NewAuditEntryAt(now time.Time, action string, details map[string]any) AuditEntry {
	return newPrefixedEntryAt(now, "audit", action, details)
}

// NewPhiAuditEntry constructs a PHI audit entry for action with the scan
// status at the time of the action.
func NewPhiAuditEntry(action string, status PhiStatus, details map[string]any) PhiAuditEntry {
	return NewPhiAuditEntryAt(time.Now(), action, status, details)
}

// NewPhiAuditEntryAt is NewPhiAuditEntry with an explicit clock reading.
func NewPhiAuditEntryAt(now time.Time, action string, status PhiStatus, details map[string]any) PhiAuditEntry {
	return PhiAuditEntry{
		AuditEntry: newPrefixedEntryAt(now, "phi", action, details),
		Status:     status,
	}
}

func newPrefixedEntryAt(now time.Time, prefix, action string, details map[string]any) AuditEntry {
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return AuditEntry{
		ID:        entryID(prefix, now),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Action:    action,
		Details:   copied,
	}
}

// entryID formats "{prefix}-{epochMillis}-{random7}".
func entryID(prefix string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), random)
}
