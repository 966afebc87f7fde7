// Package portscan detects horizontal and vertical port scans from the
// per-window aggregates in the store, and ICMP sweeps from notices.
package portscan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

// ModuleName is the name workers announce on shutdown.
const ModuleName = "portscan"

// DefaultThreshold is the number of distinct targets per detection step.
const DefaultThreshold = 6

// Evidence types.
const (
	EvidenceHorizontal = "PortScanType2"
	EvidenceVertical   = "PortScanType1"
)

// Detector implements core.Module.
type Detector struct {
	store     store.AggregateStore
	cache     *DetectionCache
	pipeline  *core.EvidencePipeline
	logger    zerolog.Logger
	threshold int
	protocols []store.Protocol
	separator string
}

// New creates a Detector reading from st. A nil cache gets a fresh one.
func New(st store.AggregateStore, cache *DetectionCache) *Detector {
	if cache == nil {
		cache = NewDetectionCache()
	}
	return &Detector{
		store:     st,
		cache:     cache,
		logger:    zerolog.Nop(),
		threshold: DefaultThreshold,
		protocols: []store.Protocol{store.TCP, store.UDP},
		separator: core.DefaultProfileSeparator,
	}
}

func (d *Detector) Name() string { return ModuleName }
func (d *Detector) Description() string {
	return "Detect horizontal, vertical and ICMP scans"
}

// Channels returns tw_modified before new_notice: window updates are
// checked first on every pass.
func (d *Detector) Channels() []string {
	return []string{core.ChannelTWModified, core.ChannelNewNotice}
}

func (d *Detector) Start(_ context.Context, pipeline *core.EvidencePipeline, cfg *core.Config, logger zerolog.Logger) error {
	if d.store == nil {
		return errors.New("portscan: no aggregate store")
	}
	if pipeline == nil {
		return errors.New("portscan: no evidence pipeline")
	}
	d.pipeline = pipeline
	d.logger = logger

	if cfg != nil {
		d.threshold = cfg.GetModuleInt(ModuleName, "threshold", DefaultThreshold)
		if d.threshold <= 0 {
			d.threshold = DefaultThreshold
		}
		if names := cfg.GetModuleStrings(ModuleName, "protocols", nil); len(names) > 0 {
			d.protocols = d.protocols[:0]
			for _, n := range names {
				d.protocols = append(d.protocols, store.ParseProtocol(n))
			}
		}
		if cfg.Store.ProfileSeparator != "" {
			d.separator = cfg.Store.ProfileSeparator
		}
	}

	d.logger.Info().Int("threshold", d.threshold).Interface("protocols", d.protocols).Msg("portscan detector started")
	return nil
}

func (d *Detector) Stop() error { return nil }

// HandleMessage dispatches one message from either channel.
func (d *Detector) HandleMessage(ctx context.Context, msg core.Message) error {
	switch msg.Channel {
	case core.ChannelTWModified:
		profileID, window, err := core.ParseWindowUpdate(msg.Data)
		if err != nil {
			return err
		}
		profile, err := core.ParseProfile(profileID, d.separator)
		if err != nil {
			return err
		}
		d.logger.Debug().Str("profile", profileID).Str("twid", window).Msg("checking window")
		if _, err := d.CheckHorizontal(ctx, profile, window); err != nil {
			return err
		}
		if _, err := d.CheckVertical(ctx, profile, window); err != nil {
			return err
		}
		return nil
	case core.ChannelNewNotice:
		n, err := DecodeNotice(msg.Data)
		if err != nil {
			return err
		}
		_, err = d.CheckICMPSweep(ctx, n)
		return err
	default:
		return fmt.Errorf("%w: unexpected channel %q", core.ErrMalformed, msg.Channel)
	}
}

// Cache returns the detector's cache.
func (d *Detector) Cache() *DetectionCache { return d.cache }

func (d *Detector) emit(ctx context.Context, ev *core.Evidence) error {
	if err := d.pipeline.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emitting %s evidence: %w", ev.Type, err)
	}
	return nil
}

// label marks the profile malicious when the store supports labels. Failure
// to label does not affect the evidence that was already emitted.
func (d *Detector) label(ctx context.Context, profile, window, evidenceType string) {
	labeler, ok := d.store.(store.ProfileLabeler)
	if !ok {
		return
	}
	if err := labeler.SetProfileLabel(ctx, profile, window, store.LabelMalicious, evidenceType); err != nil {
		d.logger.Warn().Err(err).Str("profile", profile).Msg("failed to label profile")
	}
}
