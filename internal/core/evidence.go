package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThreatLevel grades how dangerous an evidence is.
type ThreatLevel int

const (
	ThreatInfo ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatInfo:
		return "info"
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (t ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ThreatLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "info":
		*t = ThreatInfo
	case "low":
		*t = ThreatLow
	case "medium":
		*t = ThreatMedium
	case "high":
		*t = ThreatHigh
	case "critical":
		*t = ThreatCritical
	default:
		*t = ThreatInfo
	}
	return nil
}

// Evidence categories and tags used by the scan detectors.
const (
	CategoryReconScanning = "Recon.Scanning"
	TagRecon              = "Recon"
	DetectionSrcIP        = "srcip"
)

// Evidence is a single scored observation raised by a detector. It is built
// once with NewEvidence and never mutated after it is emitted.
type Evidence struct {
	ID              string      `json:"id"`
	Module          string      `json:"module"`
	Type            string      `json:"type"`
	DetectionKind   string      `json:"detection_kind"`
	DetectionInfo   string      `json:"detection_info"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	Confidence      float64     `json:"confidence"`
	Description     string      `json:"description"`
	Timestamp       time.Time   `json:"timestamp"`
	Category        string      `json:"category"`
	SourceTargetTag string      `json:"source_target_tag,omitempty"`
	ConnCount       int         `json:"conn_count,omitempty"`
	Port            int         `json:"port,omitempty"`
	Proto           string      `json:"proto,omitempty"`
	Profile         string      `json:"profile,omitempty"`
	TimeWindow      string      `json:"twid,omitempty"`
	UID             string      `json:"uid,omitempty"`
}

// NewEvidence creates an Evidence with a generated ID. Confidence is clamped
// to [0, 1]; a zero timestamp is replaced with the current time.
func NewEvidence(module, evidenceType, detectionInfo string, level ThreatLevel, confidence float64, description string, ts time.Time) *Evidence {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Evidence{
		ID:            uuid.New().String(),
		Module:        module,
		Type:          evidenceType,
		DetectionKind: DetectionSrcIP,
		DetectionInfo: detectionInfo,
		ThreatLevel:   level,
		Confidence:    ClampConfidence(confidence),
		Description:   description,
		Timestamp:     ts,
		Category:      CategoryReconScanning,
	}
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Marshal serializes the evidence to JSON.
func (e *Evidence) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvidence deserializes an Evidence from JSON.
func UnmarshalEvidence(data []byte) (*Evidence, error) {
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: evidence: %v", ErrMalformed, err)
	}
	return &ev, nil
}
