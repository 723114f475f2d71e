package state

import (
	"cmp"
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

type AddressKind uint8

const (
	KindNetwork AddressKind = iota + 1
	KindOverlay
	KindSphinx
	KindPublic
)

func (k AddressKind) String() string {
	switch k {
	case KindNetwork:
		return "net"
	case KindOverlay:
		return "overlay"
	case KindSphinx:
		return "sphinx"
	case KindPublic:
		return "public"
	}
	return "unknown"
}

// Address identifies a participant of the network. The set of implementations is closed,
// every implementation is a comparable value type and can be used as a map key.
type Address interface {
	Kind() AddressKind
	String() string
	isAddress()
}

// NetworkAddress is a transport-layer identifier
type NetworkAddress struct {
	Id int64
}

// OverlayAddress references an overlay identity by the hash of its public key
type OverlayAddress struct {
	Id SecureHash
}

// SphinxAddress is an onion routing identity bound to a forward-secure version
type SphinxAddress struct {
	Identity PublicKey
	Version  uint64
}

// PublicAddress is an externally reachable transport endpoint
type PublicAddress struct {
	Host string
	Port uint16
}

func (NetworkAddress) Kind() AddressKind { return KindNetwork }
func (OverlayAddress) Kind() AddressKind { return KindOverlay }
func (SphinxAddress) Kind() AddressKind  { return KindSphinx }
func (PublicAddress) Kind() AddressKind  { return KindPublic }

func (NetworkAddress) isAddress() {}
func (OverlayAddress) isAddress() {}
func (SphinxAddress) isAddress()  {}
func (PublicAddress) isAddress()  {}

func (a NetworkAddress) String() string {
	return fmt.Sprintf("net:%d", a.Id)
}

func (a OverlayAddress) String() string {
	return "overlay:" + base64.RawURLEncoding.EncodeToString(a.Id[:])
}

func (a SphinxAddress) String() string {
	return fmt.Sprintf("sphinx:%s@%d", base64.RawURLEncoding.EncodeToString(a.Identity[:]), a.Version)
}

func (a PublicAddress) String() string {
	return "public:" + netJoin(a.Host, a.Port)
}

func netJoin(host string, port uint16) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Addr returns the host as an ip address, if it is one
func (a PublicAddress) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// CompareAddress orders addresses by kind, then by their fields. A nil address sorts first.
func CompareAddress(a, b Address) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if c := cmp.Compare(a.Kind(), b.Kind()); c != 0 {
		return c
	}
	switch x := a.(type) {
	case NetworkAddress:
		return cmp.Compare(x.Id, b.(NetworkAddress).Id)
	case OverlayAddress:
		return x.Id.Compare(b.(OverlayAddress).Id)
	case SphinxAddress:
		y := b.(SphinxAddress)
		if c := x.Identity.Compare(y.Identity); c != 0 {
			return c
		}
		return cmp.Compare(x.Version, y.Version)
	case PublicAddress:
		y := b.(PublicAddress)
		if c := strings.Compare(x.Host, y.Host); c != 0 {
			return c
		}
		return cmp.Compare(x.Port, y.Port)
	}
	return 0
}

// ParseAddress parses the text form produced by Address.String
func ParseAddress(s string) (Address, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("invalid address %q: missing kind", s)
	}
	switch kind {
	case "net":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid network address %q: %w", s, err)
		}
		return NetworkAddress{Id: id}, nil
	case "overlay":
		var h SecureHash
		if err := decodeFixed(rest, h[:]); err != nil {
			return nil, fmt.Errorf("invalid overlay address %q: %w", s, err)
		}
		return OverlayAddress{Id: h}, nil
	case "sphinx":
		key, ver, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("invalid sphinx address %q: missing version", s)
		}
		var pk PublicKey
		if err := decodeFixed(key, pk[:]); err != nil {
			return nil, fmt.Errorf("invalid sphinx address %q: %w", s, err)
		}
		v, err := strconv.ParseUint(ver, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sphinx address %q: %w", s, err)
		}
		return SphinxAddress{Identity: pk, Version: v}, nil
	case "public":
		ap, err := netip.ParseAddrPort(rest)
		if err == nil {
			return PublicAddress{Host: ap.Addr().Unmap().String(), Port: ap.Port()}, nil
		}
		host, port, ok := cutLast(rest, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid public address %q: expected host:port", s)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid public address %q: %w", s, err)
		}
		return PublicAddress{Host: host, Port: uint16(p)}, nil
	}
	return nil, fmt.Errorf("invalid address %q: unknown kind %s", s, kind)
}

func cutLast(s, sep string) (string, string, bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func decodeFixed(s string, out []byte) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(data) != len(out) {
		return fmt.Errorf("expected %d bytes, got %d", len(out), len(data))
	}
	copy(out, data)
	return nil
}

// AddressText wraps an Address so it can be used in yaml/text encoded configuration
type AddressText struct {
	Address
}

func (a AddressText) MarshalText() ([]byte, error) {
	if a.Address == nil {
		return nil, fmt.Errorf("cannot marshal empty address")
	}
	return []byte(a.Address.String()), nil
}

func (a *AddressText) UnmarshalText(text []byte) error {
	addr, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	a.Address = addr
	return nil
}

func Addresses(texts []AddressText) []Address {
	out := make([]Address, 0, len(texts))
	for _, t := range texts {
		if t.Address != nil {
			out = append(out, t.Address)
		}
	}
	return out
}
