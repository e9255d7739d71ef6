package grbl

import (
	"regexp"
	"strconv"
	"strings"
)

// lineKind is the classification of one inbound line. Every line maps
// to exactly one kind; matchers run in a fixed priority order.
type lineKind int

const (
	lineWelcome lineKind = iota
	lineStatus
	lineBracket
	lineOK
	lineError
	lineAlarm
	lineReset
	lineContinuation
)

func (k lineKind) String() string {
	switch k {
	case lineWelcome:
		return "welcome"
	case lineStatus:
		return "status"
	case lineBracket:
		return "bracket"
	case lineOK:
		return "ok"
	case lineError:
		return "error"
	case lineAlarm:
		return "alarm"
	case lineReset:
		return "reset"
	}
	return "continuation"
}

// Product banners seen from GRBL-family firmware.
var welcomePrefixes = []string{"Grbl", "GrblHAL", "FluidNC", "grblHAL"}

var (
	// bare version banner, e.g. `1.1f ['$' for help]`
	welcomeRe = regexp.MustCompile(`^\d+\.\d+\S*\s+\[`)
	errorRe   = regexp.MustCompile(`(?i)^error:\s*(-?\d+)`)
	resetRe   = regexp.MustCompile(`(?i)(^rst\b|\breset\b|\brestart)`)
)

// classify assigns a trimmed line to a kind. For lineError the returned
// code is the numeric firmware code, or -1 when the error is reported
// as text only (pre-1.1 firmware).
func classify(line string) (kind lineKind, code int) {
	switch {
	case isWelcome(line):
		return lineWelcome, 0
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return lineStatus, 0
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return lineBracket, 0
	case strings.EqualFold(line, "ok"):
		return lineOK, 0
	case hasErrorPrefix(line):
		if m := errorRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return lineError, n
			}
		}
		return lineError, -1
	case strings.Contains(line, "ALARM"):
		return lineAlarm, 0
	case resetRe.MatchString(line):
		return lineReset, 0
	}
	return lineContinuation, 0
}

func isWelcome(line string) bool {
	for _, p := range welcomePrefixes {
		if line == p || strings.HasPrefix(line, p+" ") {
			return true
		}
	}
	return welcomeRe.MatchString(line)
}

func hasErrorPrefix(line string) bool {
	return len(line) > 6 && strings.EqualFold(line[:6], "error:")
}
