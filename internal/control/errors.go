package control

import "errors"

// ErrValidation marks a request rejected before it reaches the engine or
// state store — always a 4xx at the HTTP boundary.
var ErrValidation = errors.New("control: validation failed")

// ErrNotFound marks an unknown scoutId — a 404 at the HTTP boundary.
var ErrNotFound = errors.New("control: scout not found")
