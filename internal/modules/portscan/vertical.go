package portscan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

// CheckVertical looks for one source probing many ports of the same
// destination IP with connections that were never established.
func (d *Detector) CheckVertical(ctx context.Context, profile core.ProfileID, window string) ([]*core.Evidence, error) {
	var emitted []*core.Evidence
	for _, proto := range d.protocols {
		agg, err := d.store.QueryByDestination(ctx, store.Query{
			Profile:   profile.Raw,
			Window:    window,
			Direction: store.Dst,
			State:     store.NotEstablished,
			Protocol:  proto,
			Role:      store.Client,
		})
		if err != nil {
			return emitted, fmt.Errorf("querying destinations of %s: %w", profile, err)
		}

		ips := make([]string, 0, len(agg))
		for ip := range agg {
			ips = append(ips, ip)
		}
		sort.Strings(ips)

		for _, ip := range ips {
			ev, err := d.checkDestination(ctx, profile, window, proto, ip, agg[ip])
			if err != nil {
				return emitted, err
			}
			if ev != nil {
				emitted = append(emitted, ev)
			}
		}
	}
	return emitted, nil
}

func (d *Detector) checkDestination(ctx context.Context, profile core.ProfileID, window string, proto store.Protocol, ip string, dst store.DestinationStats) (*core.Evidence, error) {
	n := len(dst.DstPorts)
	if n == 0 {
		return nil, nil
	}

	key := CacheKey{
		Profile: profile.Raw,
		Window:  window,
		Subject: fmt.Sprintf("dstip:%s:%s", ip, EvidenceVertical),
	}
	if !shouldFire(n, d.cache.Get(key), d.threshold) {
		return nil, nil
	}

	pkts := 0
	for _, p := range dst.DstPorts {
		pkts += p
	}
	// Ports that were touched without a single packet are not a scan.
	if pkts == 0 {
		return nil, nil
	}
	confidence := confidenceFromPackets(pkts)

	protoName := strings.ToUpper(string(proto))
	description := fmt.Sprintf(
		"new vertical port scan to IP %s from %s. Total %d dst ports of protocol %s. Not Established. Tot pkts sent all ports: %d. Confidence: %.2f",
		ip, profile.Address(), n, protoName, pkts, confidence)

	ev := core.NewEvidence(ModuleName, EvidenceVertical, profile.Address(), core.ThreatMedium, confidence, description, dst.STime)
	ev.SourceTargetTag = core.TagRecon
	ev.ConnCount = pkts
	ev.Proto = protoName
	ev.Profile = profile.Raw
	ev.TimeWindow = window
	ev.UID = dst.UID

	if err := d.emit(ctx, ev); err != nil {
		return nil, err
	}
	d.cache.Set(key, n)
	d.label(ctx, profile.Raw, window, EvidenceVertical)

	d.logger.Debug().Str("profile", profile.Raw).Str("dst_ip", ip).Int("dst_ports", n).Msg(description)
	return ev, nil
}
