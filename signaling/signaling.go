// Package signaling implements the one-shot signaling blob codec. Because
// there is no signaling server, a whole negotiation side (session description
// with all gathered ICE candidates merged in) is serialized into a single
// text blob that travels out-of-band via QR code or clipboard paste.
package signaling

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v3"
)

var (
	ErrMalformedData = errors.New("malformed signaling data")
)

// Envelope kinds.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
)

// Envelope holds exactly one of an offer or an answer description.
// An envelope is never reused across sessions.
type Envelope struct {
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

// Kind reports which half of the exchange this envelope carries.
func (e *Envelope) Kind() string {
	if e.Offer != nil {
		return KindOffer
	}
	return KindAnswer
}

// Description returns the carried session description.
func (e *Envelope) Description() *webrtc.SessionDescription {
	if e.Offer != nil {
		return e.Offer
	}
	return e.Answer
}

// EncodeOffer serializes a local offer description into a transferable blob.
// The description must already contain all gathered candidates.
func EncodeOffer(desc *webrtc.SessionDescription) (string, error) {
	return encode(&Envelope{Offer: desc})
}

// EncodeAnswer serializes a local answer description into a transferable blob.
func EncodeAnswer(desc *webrtc.SessionDescription) (string, error) {
	return encode(&Envelope{Answer: desc})
}

func encode(env *Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", errors.Join(ErrMalformedData, err)
	}
	return string(b), nil
}

// Decode parses a blob back into an envelope. It fails with ErrMalformedData
// when the text is not valid JSON or carries no description. The caller
// decides how to surface the failure; there is no meaningful automatic retry
// for a hand-typed blob.
func Decode(text string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, errors.Join(ErrMalformedData, err)
	}
	if env.Offer == nil && env.Answer == nil {
		return nil, errors.Join(ErrMalformedData, errors.New("no description present"))
	}
	if env.Offer != nil && env.Answer != nil {
		// exactly one of offer/answer per blob
		return nil, errors.Join(ErrMalformedData, errors.New("both offer and answer present"))
	}
	if env.Offer != nil && env.Offer.SDP == "" {
		return nil, errors.Join(ErrMalformedData, errors.New("empty offer description"))
	}
	if env.Answer != nil && env.Answer.SDP == "" {
		return nil, errors.Join(ErrMalformedData, errors.New("empty answer description"))
	}
	return &env, nil
}
