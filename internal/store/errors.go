package store

import "errors"

// ErrNotFound is returned by getConfig when no config has been installed.
var ErrNotFound = errors.New("store: scout config not found")
