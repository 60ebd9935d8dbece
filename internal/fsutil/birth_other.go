//go:build !linux

package fsutil

import "time"

func birthTime(string) (time.Time, bool) {
	return time.Time{}, false
}
