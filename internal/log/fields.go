// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldDeviceID      = "device_id"
	FieldOwnerID       = "owner_id"
	FieldCorrelationID = "correlation_id"
	FieldMessageID     = "message_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldQueue     = "queue"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
	FieldAttempt  = "attempt"
)
