// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldStreamID  = "stream_id"
	FieldSessionID = "session_id"
	FieldBatchID   = "batch_id"
	FieldSeq       = "seq"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldRemoteAddr = "remote_addr"
	FieldListenAddr = "listen_addr"
)
