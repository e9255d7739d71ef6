package grbl

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cncio/grblink/coord"
)

// Overrides are the firmware's feed/rapid/spindle override percentages.
type Overrides struct {
	Feed    int `json:"feed"`
	Rapid   int `json:"rapid"`
	Spindle int `json:"spindle"`
}

// Snapshot is one parsed status report. It is replaced wholesale on
// every report and never mutated afterwards, so callers may hold it
// without locking.
type Snapshot struct {
	State string `json:"state"`

	MPos *coord.Point `json:"mpos,omitempty"`
	WPos *coord.Point `json:"wpos,omitempty"`
	WCO  *coord.Point `json:"wco,omitempty"`

	FeedRate     *int `json:"feedRate,omitempty"`
	SpindleSpeed *int `json:"spindleSpeed,omitempty"`

	Overrides   *Overrides `json:"overrides,omitempty"`
	Accessories string     `json:"accessories,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func parsePoint(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return p, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

func parseInt(data string) (int, error) {
	// some builds report feed/speed with a decimal part
	f, err := strconv.ParseFloat(data, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// parseStatus decodes a `<...>` report into a Snapshot. Unknown fields
// are skipped rather than failing the whole report.
func parseStatus(line string) (*Snapshot, error) {
	data := strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	parts := strings.Split(data, "|")
	if parts[0] == "" {
		return nil, errors.New("empty status report")
	}

	snap := &Snapshot{State: parts[0], Timestamp: time.Now()}
	var err error
	for _, s := range parts[1:] {
		kv := strings.SplitN(s, ":", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "MPos":
			var p coord.Point
			p, err = parsePoint(kv[1])
			snap.MPos = &p
		case "WPos":
			var p coord.Point
			p, err = parsePoint(kv[1])
			snap.WPos = &p
		case "WCO":
			var p coord.Point
			p, err = parsePoint(kv[1])
			snap.WCO = &p
		case "FS":
			fs := strings.SplitN(kv[1], ",", 2)
			if len(fs) != 2 {
				err = errors.New("invalid FS field")
				break
			}
			var f, sp int
			if f, err = parseInt(fs[0]); err != nil {
				break
			}
			if sp, err = parseInt(fs[1]); err != nil {
				break
			}
			snap.FeedRate, snap.SpindleSpeed = &f, &sp
		case "F":
			var f int
			f, err = parseInt(kv[1])
			snap.FeedRate = &f
		case "S":
			var sp int
			sp, err = parseInt(kv[1])
			snap.SpindleSpeed = &sp
		case "Ov":
			ov := strings.Split(kv[1], ",")
			if len(ov) != 3 {
				err = errors.New("invalid Ov field")
				break
			}
			var o Overrides
			if o.Feed, err = parseInt(ov[0]); err != nil {
				break
			}
			if o.Rapid, err = parseInt(ov[1]); err != nil {
				break
			}
			if o.Spindle, err = parseInt(ov[2]); err != nil {
				break
			}
			snap.Overrides = &o
		case "A":
			snap.Accessories = kv[1]
		}
		if err != nil {
			return nil, err
		}
	}

	// firmware reports one of MPos/WPos per report; derive the other
	// from the work coordinate offset when we have it
	if snap.WCO != nil {
		if snap.MPos != nil && snap.WPos == nil {
			p := snap.MPos.Sub(*snap.WCO)
			snap.WPos = &p
		} else if snap.WPos != nil && snap.MPos == nil {
			p := snap.WPos.Add(*snap.WCO)
			snap.MPos = &p
		}
	}

	return snap, nil
}

// parseBufferSize extracts the RX buffer size from an `[OPT:...]` build
// report (`[OPT:flags,plannerBlocks,rxBytes]`).
func parseBufferSize(line string) (int, bool) {
	body := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	if !strings.HasPrefix(body, "OPT:") {
		return 0, false
	}
	fields := strings.Split(strings.TrimPrefix(body, "OPT:"), ",")
	if len(fields) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
