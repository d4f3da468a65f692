package models

import "time"

// ── Audit Events ─────────────────────────────────────────────

// AuditKind enumerates the events the recorder accepts.
type AuditKind string

const (
	AuditRoutingDecision    AuditKind = "routing_decision"
	AuditPermissionDecision AuditKind = "permission_decision"
	AuditToolInvocation     AuditKind = "tool_invocation"
	AuditLoopTerminal       AuditKind = "loop_terminal"
	AuditFeedbackSubmission AuditKind = "feedback_submission"
	AuditLearningCycle      AuditKind = "learning_cycle_summary"
)

// AuditEvent is one append-only audit record. Seq and Timestamp are
// assigned by the recorder.
type AuditEvent struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      AuditKind      `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
