package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type flowRecord struct {
	Profile  string  `json:"profileid"`
	Window   string  `json:"twid"`
	UID      string  `json:"uid"`
	STime    float64 `json:"stime"`
	SrcIP    string  `json:"saddr"`
	DstIP    string  `json:"daddr"`
	DstPort  int     `json:"dport"`
	Protocol string  `json:"proto"`
	State    string  `json:"state"`
	Role     string  `json:"role"`
	Pkts     int     `json:"pkts"`
}

// ReadFlows decodes one JSON flow per line. Blank lines are skipped.
func ReadFlows(r io.Reader) ([]Flow, error) {
	var flows []Flow
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec flowRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Profile == "" || rec.Window == "" || rec.DstIP == "" {
			return nil, fmt.Errorf("line %d: profileid, twid and daddr are required", line)
		}
		sec := int64(rec.STime)
		flows = append(flows, Flow{
			Profile:  rec.Profile,
			Window:   rec.Window,
			UID:      rec.UID,
			STime:    time.Unix(sec, int64((rec.STime-float64(sec))*1e9)).UTC(),
			SrcIP:    rec.SrcIP,
			DstIP:    rec.DstIP,
			DstPort:  rec.DstPort,
			Protocol: ParseProtocol(rec.Protocol),
			State:    State(rec.State),
			Role:     Role(rec.Role),
			Pkts:     rec.Pkts,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading flows: %w", err)
	}
	return flows, nil
}

// Windows returns the distinct profile/window pairs of flows in first-seen
// order, formatted as tw_modified payloads.
func Windows(flows []Flow) []string {
	seen := make(map[windowKey]bool)
	var out []string
	for _, f := range flows {
		k := windowKey{f.Profile, f.Window}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f.Profile+":"+f.Window)
	}
	return out
}
