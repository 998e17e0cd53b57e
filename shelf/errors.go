// CLAUDE:SUMMARY Sentinel errors for the shelf service: untracked item, shelf-managed set, invalid config or input, telemetry disabled.
package shelf

import "errors"

// ErrNotTracked is returned when removing an item the snapshot does not hold.
var ErrNotTracked = errors.New("shelf: item is not tracked")

// ErrShelfManaged is returned by Track and Untrack in shelf mode, where the
// OPAC shelf listing decides the tracked set.
var ErrShelfManaged = errors.New("shelf: tracked set is managed by the shelf listing")

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("shelf: invalid config")

// ErrInvalidInput is returned when an operation gets no usable identifier.
var ErrInvalidInput = errors.New("shelf: invalid input")

// ErrTelemetryDisabled is returned by Metrics and AuditTrail when no
// telemetry database is configured.
var ErrTelemetryDisabled = errors.New("shelf: telemetry is disabled")
