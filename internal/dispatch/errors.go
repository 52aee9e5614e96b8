package dispatch

import "errors"

// ErrUpstream wraps any failure returned by the GitHub API.
var ErrUpstream = errors.New("dispatch: upstream error")
