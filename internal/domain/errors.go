package domain

import "errors"

// Domain validation failures. These are reported to the admin surface
// and never retried.
var (
	// ErrInvalidRecord rejects a finish that fails one of the record
	// validity rules (spectator, non-positive time, dropped
	// checkpoints, wrong checkpoint count, not an improvement).
	ErrInvalidRecord = errors.New("invalid record")

	// ErrPlaylistEmpty rejects any operation that would leave the
	// playlist without maps.
	ErrPlaylistEmpty = errors.New("operation would empty the playlist")

	// ErrUnknownPlayer is returned for operations on logins the
	// controller has never seen.
	ErrUnknownPlayer = errors.New("unknown player")

	// ErrUnknownMap is returned for operations on map UIDs that are
	// not in the store.
	ErrUnknownMap = errors.New("unknown map")

	// ErrUnsupported is returned when the game mode rejects an
	// operation, f.e. pausing a mode without pause support.
	ErrUnsupported = errors.New("unsupported by current mode")
)
