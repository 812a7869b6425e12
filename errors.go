package refshare

import "errors"

// ErrAlreadyClosed is returned when a handle's Close is invoked a second
// time. The first Close consumed the handle's share of the resource; a
// repeat call indicates a usage error in the caller.
var ErrAlreadyClosed = errors.New("refshare: handle already closed")
