package executor

import "strings"

// DefaultNoiseMarkers match environment chatter some shells print on stdout.
var DefaultNoiseMarkers = []string{"cygpath"}

// filterNoise drops blank lines and lines containing any marker, then trims.
func filterNoise(s string, markers []string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || containsAny(line, markers) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
