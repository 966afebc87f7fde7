package core

import (
	"fmt"
	"net"
	"strings"
)

// DefaultProfileSeparator joins the "profile" prefix and the address.
const DefaultProfileSeparator = "_"

// ProfileID identifies a monitored endpoint, e.g. "profile_10.0.0.1".
type ProfileID struct {
	Raw     string
	address string
	ip      net.IP
}

// ParseProfile splits id on sep. The address part must be non-empty. An
// address that is not an IP is kept as an opaque string.
func ParseProfile(id, sep string) (ProfileID, error) {
	if sep == "" {
		sep = DefaultProfileSeparator
	}
	parts := strings.SplitN(id, sep, 2)
	if len(parts) != 2 || parts[1] == "" {
		return ProfileID{}, fmt.Errorf("%w: profile id %q has no address", ErrMalformed, id)
	}
	return ProfileID{
		Raw:     id,
		address: parts[1],
		ip:      net.ParseIP(parts[1]),
	}, nil
}

// Address returns the endpoint address.
func (p ProfileID) Address() string { return p.address }

// IP returns the parsed address, or nil for an opaque address.
func (p ProfileID) IP() net.IP { return p.ip }

func (p ProfileID) String() string { return p.Raw }

// IsBroadcastOrMulticast reports whether the address is the limited
// broadcast address or a multicast group. Such profiles are not scanners.
func (p ProfileID) IsBroadcastOrMulticast() bool {
	if p.ip == nil {
		return false
	}
	return p.ip.Equal(net.IPv4bcast) || p.ip.IsMulticast()
}

// ParseWindowUpdate decodes a tw_modified payload "<profile-id>:<window-id>".
// The split is on the last colon because IPv6 profile ids contain colons.
func ParseWindowUpdate(data string) (profile, window string, err error) {
	i := strings.LastIndex(data, ":")
	if i <= 0 || i == len(data)-1 {
		return "", "", fmt.Errorf("%w: window update %q", ErrMalformed, data)
	}
	return data[:i], data[i+1:], nil
}
