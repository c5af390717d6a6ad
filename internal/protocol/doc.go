// Package protocol defines the kernel command/event wire model.
//
// This package contains value types and the codec only. Every other internal
// package imports protocol; protocol imports nothing internal.
//
// Key design constraints:
//   - Tokens are parsed into segment paths; the dotted string form exists
//     only at the wire boundary
//   - Command and event payloads are closed tagged unions; unknown tags are
//     rejected with a ProtocolError, never passed through as raw JSON
//   - Routing slips are ordered sets (slice + index map), append-only
//   - All JSON tags use camelCase to match the notebook wire format
package protocol
