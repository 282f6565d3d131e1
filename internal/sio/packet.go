// Package sio encodes and decodes the Engine.IO v4 / Socket.IO v5 text packets spoken
// by Flask-SocketIO and compatible servers over a websocket.
package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrUnsupported     = errors.New("unsupported packet")
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// PacketType is a Socket.IO packet type.
type PacketType byte

const (
	Connect      PacketType = '0'
	Disconnect   PacketType = '1'
	Event        PacketType = '2'
	Ack          PacketType = '3'
	ConnectError PacketType = '4'
	BinaryEvent  PacketType = '5'
	BinaryAck    PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Event:
		return "EVENT"
	case Ack:
		return "ACK"
	case ConnectError:
		return "CONNECT_ERROR"
	case BinaryEvent:
		return "BINARY_EVENT"
	case BinaryAck:
		return "BINARY_ACK"
	}
	return fmt.Sprintf("PacketType(%q)", byte(t))
}

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is one Socket.IO packet. Namespace "/" is the default namespace.
type Packet struct {
	Type      PacketType
	Namespace string
	ID        int64
	HasID     bool
	Data      json.RawMessage
}

// DecodeEngine splits an Engine.IO frame into its type and payload.
func DecodeEngine(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("%w: empty engine frame", ErrMalformedPacket)
	}
	if msg[0] < EngineOpen || msg[0] > EngineNoop {
		return 0, nil, fmt.Errorf("%w: engine type %q", ErrMalformedPacket, msg[0])
	}
	return msg[0], msg[1:], nil
}

// Encode renders p as a complete Engine.IO message frame.
func (p Packet) Encode() []byte {
	var b strings.Builder
	b.WriteByte(EngineMessage)
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasID {
		b.WriteString(strconv.FormatInt(p.ID, 10))
	}
	if len(p.Data) > 0 {
		b.Write(p.Data)
	}
	return []byte(b.String())
}

// Decode parses the payload of an Engine.IO message frame.
func Decode(payload []byte) (Packet, error) {
	s := string(payload)
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	p := Packet{Type: PacketType(s[0]), Namespace: "/"}
	if p.Type < Connect || p.Type > BinaryAck {
		return Packet{}, fmt.Errorf("%w: packet type %q", ErrMalformedPacket, s[0])
	}
	if p.Type == BinaryEvent || p.Type == BinaryAck {
		return Packet{}, fmt.Errorf("%w: %s", ErrUnsupported, p.Type)
	}
	rest := s[1:]

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			rest = ""
		} else {
			p.Namespace = rest[:end]
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.ID = id
		p.HasID = true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid json body", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// NewEvent builds an EVENT packet carrying name and args.
func NewEvent(namespace, name string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: Event, Namespace: namespace, Data: data}, nil
}

// NewAck builds an ACK packet answering id.
func NewAck(namespace string, id int64, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: Ack, Namespace: namespace, ID: id, HasID: true, Data: data}, nil
}

// NewConnect builds a namespace CONNECT packet.
func NewConnect(namespace string) Packet {
	return Packet{Type: Connect, Namespace: namespace}
}

// EventArgs splits an EVENT packet body into the event name and its arguments.
func (p Packet) EventArgs() (string, []json.RawMessage, error) {
	if p.Type != Event {
		return "", nil, fmt.Errorf("%w: %s is not an event", ErrMalformedPacket, p.Type)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(p.Data, &items); err != nil || len(items) == 0 {
		return "", nil, fmt.Errorf("%w: event body must be a non-empty array", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name must be a string", ErrMalformedPacket)
	}
	return name, items[1:], nil
}

// ErrorMessage extracts the message of a CONNECT_ERROR packet.
func (p Packet) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.Trim(string(p.Data), `"`)
}
