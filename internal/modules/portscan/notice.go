package portscan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

// NoticeKind is the ICMP sweep variant named by a notice's note field.
type NoticeKind int

const (
	NoticeUnknown NoticeKind = iota
	NoticeTimestampScan
	NoticeAddressScan
	NoticeAddressMaskScan
)

// EvidenceType returns the evidence type raised for the kind, or "" for
// NoticeUnknown.
func (k NoticeKind) EvidenceType() string {
	switch k {
	case NoticeTimestampScan:
		return "ICMP-Timestamp-Scan"
	case NoticeAddressScan:
		return "ICMP-AddressScan"
	case NoticeAddressMaskScan:
		return "ICMP-AddressMaskScan"
	default:
		return ""
	}
}

func (k NoticeKind) String() string {
	if t := k.EvidenceType(); t != "" {
		return t
	}
	return "unknown"
}

// ParseNoticeKind maps a note to its kind. The checks run in this order, so
// a note mentioning several variants gets the first.
func ParseNoticeKind(note string) NoticeKind {
	switch {
	case strings.Contains(note, "TimestampScan"):
		return NoticeTimestampScan
	case strings.Contains(note, "ICMPAddressScan"):
		return NoticeAddressScan
	case strings.Contains(note, "AddressMaskScan"):
		return NoticeAddressMaskScan
	default:
		return NoticeUnknown
	}
}

// Notice is a decoded new_notice payload.
type Notice struct {
	Profile string
	Window  string
	UID     string
	STime   time.Time
	Msg     string
	Note    string
	Kind    NoticeKind
	// Hosts is the number of scanned hosts taken from Msg. It is only set
	// for known kinds.
	Hosts int
}

type noticeEnvelope struct {
	ProfileID string `json:"profileid" validate:"required"`
	TWID      string `json:"twid" validate:"required"`
	UID       string `json:"uid"`
	Flow      string `json:"flow" validate:"required"`
}

type noticeFlow struct {
	STime json.RawMessage `json:"stime"`
	Msg   string          `json:"msg"`
	Note  string          `json:"note"`
}

var (
	noticeValidator = validator.New(validator.WithRequiredStructEnabled())
	hostsPattern    = regexp.MustCompile(`on (\d+) hosts`)
)

// DecodeNotice parses a new_notice payload. The flow field is itself a JSON
// document encoded as a string. Every failure wraps core.ErrMalformed.
func DecodeNotice(data string) (*Notice, error) {
	var env noticeEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("%w: notice envelope: %v", core.ErrMalformed, err)
	}
	if err := noticeValidator.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: notice envelope: %v", core.ErrMalformed, err)
	}

	var flow noticeFlow
	if err := json.Unmarshal([]byte(env.Flow), &flow); err != nil {
		return nil, fmt.Errorf("%w: notice flow: %v", core.ErrMalformed, err)
	}

	stime, err := parseSTime(flow.STime)
	if err != nil {
		return nil, fmt.Errorf("%w: notice stime: %v", core.ErrMalformed, err)
	}

	n := &Notice{
		Profile: env.ProfileID,
		Window:  env.TWID,
		UID:     env.UID,
		STime:   stime,
		Msg:     flow.Msg,
		Note:    flow.Note,
		Kind:    ParseNoticeKind(flow.Note),
	}
	if n.Kind == NoticeUnknown {
		return n, nil
	}

	m := hostsPattern.FindStringSubmatch(flow.Msg)
	if m == nil {
		return nil, fmt.Errorf("%w: no host count in notice message %q", core.ErrMalformed, flow.Msg)
	}
	hosts, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: host count %q: %v", core.ErrMalformed, m[1], err)
	}
	n.Hosts = hosts
	return n, nil
}

// parseSTime accepts an epoch in seconds as a JSON number or numeric string,
// or an RFC 3339 string. A missing value is the zero time.
func parseSTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		return epochToTime(epoch), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(f), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errors.New("unrecognized time " + strconv.Quote(s))
}

func epochToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
