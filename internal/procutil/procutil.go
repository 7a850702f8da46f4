// Package procutil inspects and signals the daemon process recorded in an
// instance pid file.
package procutil

import "errors"

var ErrInvalidPID = errors.New("procutil: invalid pid")
