package protocol

import (
	"fmt"

	"github.com/encodeous/weft/state"
)

// Address is the wire form of state.Address
type Address struct {
	Kind    uint8  `cbor:"1,keyasint"`
	Id      int64  `cbor:"2,keyasint,omitempty"`
	Key     []byte `cbor:"3,keyasint,omitempty"`
	Version uint64 `cbor:"4,keyasint,omitempty"`
	Host    string `cbor:"5,keyasint,omitempty"`
	Port    uint16 `cbor:"6,keyasint,omitempty"`
}

func FromAddress(addr state.Address) Address {
	switch a := addr.(type) {
	case state.NetworkAddress:
		return Address{Kind: uint8(state.KindNetwork), Id: a.Id}
	case state.OverlayAddress:
		return Address{Kind: uint8(state.KindOverlay), Key: a.Id[:]}
	case state.SphinxAddress:
		return Address{Kind: uint8(state.KindSphinx), Key: a.Identity[:], Version: a.Version}
	case state.PublicAddress:
		return Address{Kind: uint8(state.KindPublic), Host: a.Host, Port: a.Port}
	}
	panic(fmt.Sprintf("unknown address type %T", addr))
}

func (a Address) ToAddress() (state.Address, error) {
	switch state.AddressKind(a.Kind) {
	case state.KindNetwork:
		return state.NetworkAddress{Id: a.Id}, nil
	case state.KindOverlay:
		if len(a.Key) != state.HashSize {
			return nil, fmt.Errorf("overlay address has %d bytes, expected %d", len(a.Key), state.HashSize)
		}
		return state.OverlayAddress{Id: state.SecureHash(a.Key)}, nil
	case state.KindSphinx:
		if len(a.Key) != state.PublicKeySize {
			return nil, fmt.Errorf("sphinx address has %d bytes, expected %d", len(a.Key), state.PublicKeySize)
		}
		return state.SphinxAddress{Identity: state.PublicKey(a.Key), Version: a.Version}, nil
	case state.KindPublic:
		if a.Host == "" {
			return nil, fmt.Errorf("public address without host")
		}
		return state.PublicAddress{Host: a.Host, Port: a.Port}, nil
	}
	return nil, fmt.Errorf("unknown address kind %d", a.Kind)
}

func FromRouteState(rs state.RouteState) RouteState {
	return RouteState{
		From:    FromAddress(rs.Route.From),
		To:      FromAddress(rs.Route.To),
		Version: rs.Version,
		Status:  uint8(rs.Status),
	}
}

func (r RouteState) ToRouteState() (state.RouteState, error) {
	from, err := r.From.ToAddress()
	if err != nil {
		return state.RouteState{}, err
	}
	to, err := r.To.ToAddress()
	if err != nil {
		return state.RouteState{}, err
	}
	status := state.LinkStatus(r.Status)
	if status > state.LinkUpPassive {
		return state.RouteState{}, fmt.Errorf("unknown link status %d", r.Status)
	}
	if from == to {
		return state.RouteState{}, fmt.Errorf("route %s loops onto itself", from)
	}
	return state.RouteState{
		Route:   state.Route{From: from, To: to},
		Version: r.Version,
		Status:  status,
	}, nil
}
