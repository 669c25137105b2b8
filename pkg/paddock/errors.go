package paddock

import (
	"github.com/dyluth/paddock/internal/registry"
	"github.com/dyluth/paddock/internal/stepper"
	"github.com/dyluth/paddock/internal/supervisor"
	"github.com/dyluth/paddock/pkg/wire"
)

// The full failure taxonomy, re-exported so callers can classify every error
// the contract can return with a single import and errors.Is.
//
// Recoverable: ErrObservationTimeout, ErrResetTimeout (retry or Reset;
// repeated occurrences mean Close and recreate). Programmer errors, never
// retried: ErrSchemaViolation, ErrActionInFlight, ErrDuplicateIdentifier,
// ErrUnknownIdentifier, ErrNotInitialized. Lifecycle: ErrEnvironmentNotReady, ErrCancelled,
// ErrLaunchTimeout.
var (
	ErrLaunchTimeout       = supervisor.ErrLaunchTimeout
	ErrDuplicateIdentifier = registry.ErrDuplicateIdentifier
	ErrUnknownIdentifier   = registry.ErrUnknownIdentifier
	ErrSchemaViolation     = wire.ErrSchemaViolation
	ErrActionInFlight      = wire.ErrActionInFlight
	ErrObservationTimeout  = wire.ErrObservationTimeout
	ErrResetTimeout        = stepper.ErrResetTimeout
	ErrEnvironmentNotReady = stepper.ErrEnvironmentNotReady
	ErrCancelled           = stepper.ErrCancelled
)
