package toolkit

import (
	"errors"
	"strings"
)

var ErrSevere = errors.New("toolkit reported a severe error")

// SevereMarker is the tag the toolkit writes on its most serious log lines.
const SevereMarker = "SEVERE"

// ScanLog returns the first line carrying the severe marker.
func ScanLog(lines []string) (string, bool) {
	for _, line := range lines {
		if strings.Contains(line, SevereMarker) {
			return line, true
		}
	}
	return "", false
}
