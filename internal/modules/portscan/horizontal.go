package portscan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

var wellKnownPorts = map[string]string{
	"21/tcp":   "ftp",
	"22/tcp":   "ssh",
	"23/tcp":   "telnet",
	"25/tcp":   "smtp",
	"53/udp":   "dns",
	"80/tcp":   "http",
	"123/udp":  "ntp",
	"137/udp":  "netbios-ns",
	"139/tcp":  "netbios-ssn",
	"161/udp":  "snmp",
	"443/tcp":  "https",
	"445/tcp":  "microsoft-ds",
	"1433/tcp": "ms-sql",
	"1900/udp": "ssdp",
	"3306/tcp": "mysql",
	"3389/tcp": "rdp",
	"5060/udp": "sip",
	"5900/tcp": "vnc",
	"6379/tcp": "redis",
	"8080/tcp": "http-alt",
}

// CheckHorizontal looks for one source contacting many destination IPs on
// the same port with connections that were never established. Destinations
// that were the answer of a DNS query are not counted.
func (d *Detector) CheckHorizontal(ctx context.Context, profile core.ProfileID, window string) ([]*core.Evidence, error) {
	if profile.IsBroadcastOrMulticast() {
		return nil, nil
	}

	var emitted []*core.Evidence
	for _, proto := range d.protocols {
		agg, err := d.store.QueryByPort(ctx, store.Query{
			Profile:   profile.Raw,
			Window:    window,
			Direction: store.Dst,
			State:     store.NotEstablished,
			Protocol:  proto,
			Role:      store.Client,
		})
		if err != nil {
			return emitted, fmt.Errorf("querying ports of %s: %w", profile, err)
		}

		ports := make([]int, 0, len(agg))
		for port := range agg {
			ports = append(ports, port)
		}
		sort.Ints(ports)

		for _, port := range ports {
			ev, err := d.checkPort(ctx, profile, window, proto, port, agg[port])
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

func (d *Detector) checkPort(ctx context.Context, profile core.ProfileID, window string, proto store.Protocol, port int, targets store.PortTargets) (*core.Evidence, error) {
	survivors := make([]string, 0, len(targets.DstIPs))
	for ip := range targets.DstIPs {
		resolved, err := d.store.HasDNSResolution(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("checking dns resolution of %s: %w", ip, err)
		}
		if !resolved {
			survivors = append(survivors, ip)
		}
	}

	n := len(survivors)
	if n == 0 {
		return nil, nil
	}

	key := CacheKey{
		Profile: profile.Raw,
		Window:  window,
		Subject: fmt.Sprintf("dport:%d:%s", port, EvidenceHorizontal),
	}
	if !shouldFire(n, d.cache.Get(key), d.threshold) {
		return nil, nil
	}

	// The representative flow is the earliest one; ties go to the lowest IP.
	sort.Slice(survivors, func(i, j int) bool {
		a, b := targets.DstIPs[survivors[i]], targets.DstIPs[survivors[j]]
		if !a.STime.Equal(b.STime) {
			return a.STime.Before(b.STime)
		}
		return survivors[i] < survivors[j]
	})

	pkts := 0
	for _, ip := range survivors {
		pkts += targets.DstIPs[ip].Pkts
	}
	confidence := confidenceFromPackets(pkts)
	first := targets.DstIPs[survivors[0]]

	protoName := strings.ToUpper(string(proto))
	portProto := fmt.Sprintf("%d/%s", port, protoName)
	service := wellKnownPorts[fmt.Sprintf("%d/%s", port, proto)]
	if service != "" {
		service += " "
	}
	description := fmt.Sprintf(
		"horizontal port scan to port %s%s. From %s to %d unique dst IPs. Tot pkts: %d. Threat Level: %s. Confidence: %.2f",
		service, portProto, profile.Address(), n, pkts, core.ThreatMedium, confidence)

	ev := core.NewEvidence(ModuleName, EvidenceHorizontal, profile.Address(), core.ThreatMedium, confidence, description, first.STime)
	ev.SourceTargetTag = core.TagRecon
	ev.ConnCount = pkts
	ev.Port = port
	ev.Proto = protoName
	ev.Profile = profile.Raw
	ev.TimeWindow = window
	ev.UID = first.UID

	if err := d.emit(ctx, ev); err != nil {
		return nil, err
	}
	d.cache.Set(key, n)
	d.label(ctx, profile.Raw, window, EvidenceHorizontal)

	d.logger.Debug().Str("profile", profile.Raw).Int("port", port).Int("dst_ips", n).Msg(description)
	return ev, nil
}
