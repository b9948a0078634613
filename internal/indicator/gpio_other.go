//go:build !linux

package indicator

import "errors"

// OpenLine is only supported on Linux.
func OpenLine(string, int, bool) (Line, error) {
	return nil, errors.New("gpio led requires linux")
}
