package imagestore

import "errors"

// ErrIntegrity is returned when a downloaded image's sha256 digest does
// not match the one the image server publishes, which could indicate a
// tampered cache populated by a previous, possibly compromised, build.
var ErrIntegrity = errors.New("imagestore: local image hash does not match remote")
