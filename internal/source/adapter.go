package source

import (
	"context"

	"github.com/chronos-sync/chronos/internal/model"
)

// SourceAdapter is the contract every calendar backend implements. The method
// set is intentionally minimal and symmetric across backends: every verb maps
// to exactly one HTTP-level operation per backend, so no caller needs
// multi-step choreography.
//
// Read paths (ListEvents, GetEvent) degrade on network failure: an
// unreachable calendar yields an empty result or nil rather than an error, so
// one dead backend never aborts a multi-calendar sweep. Write paths propagate
// typed errors (model.ConflictError, model.PermissionError,
// model.ValidationError) because the caller must know whether the mutation
// landed.
type SourceAdapter interface {
	// Capabilities is side-effect free and performs no network I/O.
	Capabilities() model.AdapterCapabilities

	// ListCalendars returns the statically provisioned collections.
	// Calendars are never discovered dynamically.
	ListCalendars() []model.CalendarRef

	// ListEvents lists events in one of two mutually exclusive modes:
	// incremental (opts.SyncToken set) or windowed (opts.Since/Until set).
	// Incremental requests fall open to windowed mode when the backend
	// does not support or rejects the token.
	ListEvents(ctx context.Context, cal model.CalendarRef, opts model.ListOptions) (*model.EventListResult, error)

	// GetEvent returns nil (not an error) when the event does not exist.
	GetEvent(ctx context.Context, cal model.CalendarRef, eventID string) (*model.NormalizedEvent, error)

	// PatchEvent applies a partial update and returns the fresh etag.
	// When ifMatchETag is non-empty the write is conditional: a server-side
	// mismatch yields model.ConflictError. Read-only calendars yield
	// model.PermissionError.
	PatchEvent(ctx context.Context, cal model.CalendarRef, eventID string, patch model.EventPatch, ifMatchETag string) (string, error)

	// CreateOverride creates a recurrence exception anchored at
	// recurrenceID (RFC 3339 original occurrence time) and returns the new
	// event id. The created event has RecurrenceID set and is not a
	// series master.
	CreateOverride(ctx context.Context, cal model.CalendarRef, masterID, recurrenceID string, patch model.EventPatch) (string, error)

	// GetSeriesMaster resolves an exception instance back to its master,
	// or returns the event itself if it already is the master.
	GetSeriesMaster(ctx context.Context, cal model.CalendarRef, eventID string) (*model.NormalizedEvent, error)

	// CreateEvent creates a new event and returns its id.
	CreateEvent(ctx context.Context, cal model.CalendarRef, event *model.NormalizedEvent) (string, error)

	// DeleteEvent deletes an event. Deleting an id that is already gone
	// returns true (idempotent delete).
	DeleteEvent(ctx context.Context, cal model.CalendarRef, eventID string) (bool, error)
}

// Validator is implemented by adapters that can cheaply probe their backend
// connection. The manager uses it after a backend switch.
type Validator interface {
	Validate(ctx context.Context) error
}

// Closer is implemented by adapters holding pooled network resources. The
// manager closes the outgoing adapter before activating a new one; sessions
// are never shared across adapters switched mid-flight.
type Closer interface {
	Close() error
}
