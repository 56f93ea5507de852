// message.go implements the discv5 message set: the message-id byte prefix
// and RLP payload carried as the plaintext inside a session-encrypted
// packet. This is a strictly separate concern from packet.go's framing —
// by the time a Message reaches this codec, the session layer has already
// decrypted it; message.go never sees a tag, an auth_tag, or a ciphertext.
package packet

import (
	"errors"
	"net"

	"github.com/ethereum/go-ethereum/rlp"
)

// Message-id byte prefixes.
const (
	MsgIDPing     byte = 0x01
	MsgIDPong     byte = 0x02
	MsgIDFindNode byte = 0x03
	MsgIDNodes    byte = 0x04
	MsgIDTalkReq  byte = 0x05
	MsgIDTalkResp byte = 0x06
)

// MaxFindNodeDistances is the maximum number of distances a FINDNODE
// request may carry.
const MaxFindNodeDistances = 9

// MaxNodesMessageTotal bounds the "total" field of a NODES message (the
// dispatcher rejects anything larger as UnexpectedMessage).
const MaxNodesMessageTotal = 16

// ErrMessageDecodeFailure is returned for a malformed or unrecognized
// message-id/payload combination.
var ErrMessageDecodeFailure = errors.New("packet: message decode failure")

// Message is implemented by every discv5 message payload type.
type Message interface {
	// MessageID returns this message's wire byte prefix.
	MessageID() byte
	// RequestID returns the request-id this message carries, used by the
	// dispatcher to correlate requests and responses.
	RequestID() uint64
}

// Ping is message 0x01: [request_id, enr_seq].
type Ping struct {
	ReqID  uint64
	ENRSeq uint64
}

func (m *Ping) MessageID() byte   { return MsgIDPing }
func (m *Ping) RequestID() uint64 { return m.ReqID }

// Pong is message 0x02: [request_id, enr_seq, packet_ip, packet_port].
// PacketIP/PacketPort are the sender's own endpoint as observed by the
// recipient, which is what endpoint voting tallies.
type Pong struct {
	ReqID      uint64
	ENRSeq     uint64
	PacketIP   net.IP
	PacketPort uint16
}

func (m *Pong) MessageID() byte   { return MsgIDPong }
func (m *Pong) RequestID() uint64 { return m.ReqID }

// FindNode is message 0x03: [request_id, distances[]]. distances must each
// be in [0, 256] and number at most MaxFindNodeDistances.
type FindNode struct {
	ReqID     uint64
	Distances []int
}

func (m *FindNode) MessageID() byte   { return MsgIDFindNode }
func (m *FindNode) RequestID() uint64 { return m.ReqID }

// Nodes is message 0x04: [request_id, total, enrs[]]. A single logical
// response may be fragmented across up to Total messages sharing ReqID.
type Nodes struct {
	ReqID uint64
	Total uint64
	ENRs  [][]byte // RLP-encoded ENR records, opaque at this layer
}

func (m *Nodes) MessageID() byte   { return MsgIDNodes }
func (m *Nodes) RequestID() uint64 { return m.ReqID }

// TalkRequest is message 0x05: an opaque extension-channel request. Payload
// semantics live above discv5; this type only carries the bytes to and
// from a registered handler.
type TalkRequest struct {
	ReqID    uint64
	Protocol string
	Payload  []byte
}

func (m *TalkRequest) MessageID() byte   { return MsgIDTalkReq }
func (m *TalkRequest) RequestID() uint64 { return m.ReqID }

// TalkResponse is message 0x06: the reply to a TalkRequest.
type TalkResponse struct {
	ReqID   uint64
	Payload []byte
}

func (m *TalkResponse) MessageID() byte   { return MsgIDTalkResp }
func (m *TalkResponse) RequestID() uint64 { return m.ReqID }

// EncodeMessage serializes a Message to its wire form: message-id byte
// followed by the RLP-encoded payload list.
func EncodeMessage(m Message) ([]byte, error) {
	var body []byte
	var err error

	switch v := m.(type) {
	case *Ping:
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, v.ENRSeq})
	case *Pong:
		ip := v.PacketIP.To4()
		if ip == nil {
			ip = v.PacketIP.To16()
		}
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, v.ENRSeq, []byte(ip), v.PacketPort})
	case *FindNode:
		if len(v.Distances) > MaxFindNodeDistances {
			return nil, ErrMessageDecodeFailure
		}
		dists := make([]uint64, len(v.Distances))
		for i, d := range v.Distances {
			dists[i] = uint64(d)
		}
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, dists})
	case *Nodes:
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, v.Total, v.ENRs})
	case *TalkRequest:
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, v.Protocol, v.Payload})
	case *TalkResponse:
		body, err = rlp.EncodeToBytes([]interface{}{v.ReqID, v.Payload})
	default:
		return nil, ErrMessageDecodeFailure
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, m.MessageID())
	out = append(out, body...)
	return out, nil
}

// DecodeMessage parses a message-id-prefixed plaintext payload into a
// typed Message.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, ErrMessageDecodeFailure
	}
	id, body := data[0], data[1:]

	switch id {
	case MsgIDPing:
		var payload struct {
			ReqID  uint64
			ENRSeq uint64
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		return &Ping{ReqID: payload.ReqID, ENRSeq: payload.ENRSeq}, nil

	case MsgIDPong:
		var payload struct {
			ReqID      uint64
			ENRSeq     uint64
			PacketIP   []byte
			PacketPort uint16
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		return &Pong{
			ReqID:      payload.ReqID,
			ENRSeq:     payload.ENRSeq,
			PacketIP:   net.IP(payload.PacketIP),
			PacketPort: payload.PacketPort,
		}, nil

	case MsgIDFindNode:
		var payload struct {
			ReqID     uint64
			Distances []uint64
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		if len(payload.Distances) > MaxFindNodeDistances {
			return nil, ErrMessageDecodeFailure
		}
		distances := make([]int, len(payload.Distances))
		for i, d := range payload.Distances {
			if d > 256 {
				return nil, ErrMessageDecodeFailure
			}
			distances[i] = int(d)
		}
		return &FindNode{ReqID: payload.ReqID, Distances: distances}, nil

	case MsgIDNodes:
		var payload struct {
			ReqID uint64
			Total uint64
			ENRs  [][]byte
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		return &Nodes{ReqID: payload.ReqID, Total: payload.Total, ENRs: payload.ENRs}, nil

	case MsgIDTalkReq:
		var payload struct {
			ReqID    uint64
			Protocol string
			Payload  []byte
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		return &TalkRequest{ReqID: payload.ReqID, Protocol: payload.Protocol, Payload: payload.Payload}, nil

	case MsgIDTalkResp:
		var payload struct {
			ReqID   uint64
			Payload []byte
		}
		if err := rlp.DecodeBytes(body, &payload); err != nil {
			return nil, ErrMessageDecodeFailure
		}
		return &TalkResponse{ReqID: payload.ReqID, Payload: payload.Payload}, nil

	default:
		return nil, ErrMessageDecodeFailure
	}
}
