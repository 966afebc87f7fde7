package portscan

import (
	"context"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

// ICMP sweep confidence is linear in the number of hosts: 5 hosts or fewer
// is 0, a full /24 (255 hosts) or more is 1.
const (
	icmpMinHosts  = 5
	icmpFullHosts = 255
)

func icmpConfidence(hosts int) float64 {
	c := float64(hosts-icmpFullHosts)/float64(icmpFullHosts-icmpMinHosts) + 1
	return core.ClampConfidence(c)
}

// CheckICMPSweep raises evidence for a supported ICMP sweep notice. Notices
// of unknown kind are ignored. There is no deduplication: every notice is a
// separate sweep report.
func (d *Detector) CheckICMPSweep(ctx context.Context, n *Notice) (*core.Evidence, error) {
	if n == nil || n.Kind == NoticeUnknown {
		return nil, nil
	}

	profile, err := core.ParseProfile(n.Profile, d.separator)
	if err != nil {
		return nil, err
	}

	ev := core.NewEvidence(ModuleName, n.Kind.EvidenceType(), profile.Address(), core.ThreatMedium, icmpConfidence(n.Hosts), n.Msg, n.STime)
	ev.SourceTargetTag = core.TagRecon
	ev.ConnCount = n.Hosts
	ev.Proto = "ICMP"
	ev.Profile = n.Profile
	ev.TimeWindow = n.Window
	ev.UID = n.UID

	if err := d.emit(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
