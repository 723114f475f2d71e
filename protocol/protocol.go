// Package protocol defines the frames exchanged over a link.
// Frames are CBOR encoded, every frame is an Envelope with exactly one field set.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Envelope struct {
	Hello  *Hello   `cbor:"1,keyasint,omitempty"`
	Ping   *Ping    `cbor:"2,keyasint,omitempty"`
	Pong   *Pong    `cbor:"3,keyasint,omitempty"`
	Gossip *Gossip  `cbor:"4,keyasint,omitempty"`
	Data   []byte   `cbor:"5,keyasint,omitempty"`
	Bye    *Goodbye `cbor:"6,keyasint,omitempty"`
}

// Hello authenticates the sender of a link. Signature covers SignedBytes().
type Hello struct {
	From       Address `cbor:"1,keyasint"`
	To         Address `cbor:"2,keyasint"`
	SigningKey []byte  `cbor:"3,keyasint"`
	Timestamp  int64   `cbor:"4,keyasint"`
	Signature  []byte  `cbor:"5,keyasint"`
	Link       []byte  `cbor:"6,keyasint"` // id of the link the hello was sent on
}

type Ping struct {
	Nonce  uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"`
}

type Pong struct {
	Nonce  uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"`
}

type Goodbye struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

type RouteState struct {
	From    Address `cbor:"1,keyasint"`
	To      Address `cbor:"2,keyasint"`
	Version uint64  `cbor:"3,keyasint"`
	Status  uint8   `cbor:"4,keyasint"`
}

type Gossip struct {
	States    []RouteState `cbor:"1,keyasint"`
	WantReply bool         `cbor:"2,keyasint,omitempty"`
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

var decMode, _ = cbor.DecOptions{
	MaxArrayElements: 1 << 16,
	MaxMapPairs:      1 << 8,
	MaxNestedLevels:  8,
}.DecMode()

func Marshal(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	err := decMode.Unmarshal(data, env)
	if err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

var ErrEmptyEnvelope = errors.New("empty envelope")

func (e *Envelope) validate() error {
	n := 0
	if e.Hello != nil {
		n++
	}
	if e.Ping != nil {
		n++
	}
	if e.Pong != nil {
		n++
	}
	if e.Gossip != nil {
		n++
	}
	if e.Data != nil {
		n++
	}
	if e.Bye != nil {
		n++
	}
	if n == 0 {
		return ErrEmptyEnvelope
	}
	if n > 1 {
		return fmt.Errorf("envelope carries %d frames, expected 1", n)
	}
	return nil
}

// SignedBytes is the canonical encoding of the hello fields covered by the signature
func (h *Hello) SignedBytes() []byte {
	data, err := encMode.Marshal([]any{"weft-hello", h.From, h.To, h.SigningKey, h.Timestamp, h.Link})
	if err != nil {
		panic(err)
	}
	return data
}
