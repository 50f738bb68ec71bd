package mirror

import "errors"

var (
	// ErrInvalidContent indicates empty, oversized, or malformed record content.
	ErrInvalidContent = errors.New("mirror: invalid content")
	// ErrInvalidID indicates a record id that is not a positive integer.
	ErrInvalidID = errors.New("mirror: invalid record id")
	// ErrAlreadyExists indicates an insert for an id that is already stored.
	ErrAlreadyExists = errors.New("mirror: record already exists")
	// ErrNotFound indicates a lookup or update for an id that is not stored.
	ErrNotFound = errors.New("mirror: record not found")
	// ErrDeleteRaceLost indicates a delete whose row was removed concurrently.
	ErrDeleteRaceLost = errors.New("mirror: delete race lost")
	// ErrInvalidPage indicates a page number outside the available page range.
	ErrInvalidPage = errors.New("mirror: invalid page")
	// ErrSourceUnavailable indicates the upstream channel cannot be resolved.
	ErrSourceUnavailable = errors.New("mirror: source unavailable")
	// ErrIdentityMismatch indicates a store created for a different channel.
	ErrIdentityMismatch = errors.New("mirror: store identity mismatch")
)
