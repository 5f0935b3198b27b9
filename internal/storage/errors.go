package storage

import "errors"

// ErrNotFound is returned when a journal entry with the given ID does not exist
var ErrNotFound = errors.New("journal entry not found")
