//go:build !unix && !windows

package setup

import "strings"

// Plan 9 and js report bind failures as text only.
func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
