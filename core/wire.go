package core

import (
	"fmt"
	"net"

	"github.com/fxamacker/cbor/v2"
)

// MaxDatagramSize is the largest encoded message the RPC layer will send or
// accept, chosen to stay below common MTUs.
const MaxDatagramSize = 1200

// Method names the six RPC methods carried by the wire protocol.
type Method string

const (
	MethodPing          Method = "ping"
	MethodFindNode      Method = "find_node"
	MethodFindValue     Method = "find_value"
	MethodStoreValue    Method = "store_value"
	MethodFindPeer      Method = "find_peer"
	MethodAnnouncePeer  Method = "announce_peer"
)

// MessageType is the envelope's "y" discriminator.
type MessageType string

const (
	TypeQuery    MessageType = "q"
	TypeResponse MessageType = "r"
	TypeError    MessageType = "e"
)

// NodeInfo identifies a routable peer in the overlay by id and socket
// address. Equality is by id only.
type NodeInfo struct {
	Id   Id     `cbor:"id"`
	IP   net.IP `cbor:"ip"`
	Port uint16 `cbor:"port"`
}

func (n NodeInfo) Addr() *net.UDPAddr { return &net.UDPAddr{IP: n.IP, Port: int(n.Port)} }

// PeerInfo describes a signed peer advertisement. PrivateKey is never
// put on the wire; it exists only for locally-owned peers.
type PeerInfo struct {
	PeerId         Id     `cbor:"peerId,omitempty"`
	NodeId         Id     `cbor:"nodeId"`
	Origin         *Id    `cbor:"origin,omitempty"`
	Port           uint16 `cbor:"port"`
	AltEndpoint    string `cbor:"alt,omitempty"`
	Signature      []byte `cbor:"sig"`
	SequenceNumber uint32 `cbor:"seq"`
	PrivateKey     []byte `cbor:"-"`
}

// IsLocallyOwned reports whether this PeerInfo was produced with a private
// key the local node holds.
func (p PeerInfo) IsLocallyOwned() bool { return len(p.PrivateKey) > 0 }

// Value is the DHT's stored-value type. It represents one of three
// variants: immutable (Id = sha256(Data)), mutable signed (Id =
// PublicKey, carries SequenceNumber/Nonce/Signature), or encrypted (adds
// Recipient on top of mutable).
type Value struct {
	Id             Id     `cbor:"id"`
	PublicKey      []byte `cbor:"k,omitempty"`
	Recipient      []byte `cbor:"rec,omitempty"`
	Nonce          []byte `cbor:"n,omitempty"`
	Signature      []byte `cbor:"sig,omitempty"`
	SequenceNumber int64  `cbor:"seq,omitempty"`
	Data           []byte `cbor:"v"`
	PrivateKey     []byte `cbor:"-"`
}

func (v Value) IsMutable() bool   { return len(v.PublicKey) > 0 }
func (v Value) IsEncrypted() bool { return len(v.Recipient) > 0 }
func (v Value) IsLocallyOwned() bool { return len(v.PrivateKey) > 0 }

// Request bodies, one per method.

type PingRequest struct{}

type FindNodeRequest struct {
	Target    Id   `cbor:"t"`
	Want4     bool `cbor:"w4"`
	Want6     bool `cbor:"w6"`
	WantToken bool `cbor:"wt"`
}

type FindValueRequest struct {
	Target Id    `cbor:"t"`
	Want4  bool  `cbor:"w4"`
	Want6  bool  `cbor:"w6"`
	Seq    int64 `cbor:"seq"`
}

// NoCas is the Cas sentinel meaning "perform an ordinary monotonic write,
// not a compare-and-swap": no valid sequence_number is negative, so -1
// can never collide with a real expected value.
const NoCas int64 = -1

type StoreValueRequest struct {
	Token uint32 `cbor:"tok"`
	// Cas is the sequence_number the sender last observed stored for this
	// id, or NoCas to skip the compare-and-swap check entirely.
	Cas   int64 `cbor:"cas"`
	Value Value `cbor:"v"`
}

type FindPeerRequest struct {
	Target Id    `cbor:"t"`
	Want4  bool  `cbor:"w4"`
	Want6  bool  `cbor:"w6"`
	Seq    int64 `cbor:"seq"`
	Count  int   `cbor:"cnt"`
}

type AnnouncePeerRequest struct {
	Token uint32 `cbor:"tok"`
	// Cas is the sequence_number the sender last observed stored for this
	// peer, or NoCas to skip the compare-and-swap check entirely.
	Cas  int64    `cbor:"cas"`
	Peer PeerInfo `cbor:"p"`
}

// Response bodies.

type PingResponse struct{}

type FindNodeResponse struct {
	Nodes4 []NodeInfo `cbor:"n4,omitempty"`
	Nodes6 []NodeInfo `cbor:"n6,omitempty"`
	Token  *uint32    `cbor:"tok,omitempty"`
}

type FindValueResponse struct {
	Value  *Value     `cbor:"v,omitempty"`
	Nodes4 []NodeInfo `cbor:"n4,omitempty"`
	Nodes6 []NodeInfo `cbor:"n6,omitempty"`
}

type StoreValueResponse struct{}

// peerInfoWire is PeerInfo with the peer id elided, used inside
// FindPeerResponse.Peers: the shared peer id is carried once in the
// response's own PeerId field.
type peerInfoWire struct {
	NodeId         Id     `cbor:"nodeId"`
	Origin         *Id    `cbor:"origin,omitempty"`
	Port           uint16 `cbor:"port"`
	AltEndpoint    string `cbor:"alt,omitempty"`
	Signature      []byte `cbor:"sig"`
	SequenceNumber uint32 `cbor:"seq"`
}

type FindPeerResponse struct {
	Peers  []PeerInfo `cbor:"-"`
	PeerId *Id        `cbor:"peerId,omitempty"`
	Nodes4 []NodeInfo `cbor:"n4,omitempty"`
	Nodes6 []NodeInfo `cbor:"n6,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler, eliding the per-entry peer id.
func (r FindPeerResponse) MarshalCBOR() ([]byte, error) {
	type alias struct {
		Peers  []peerInfoWire `cbor:"p,omitempty"`
		PeerId *Id            `cbor:"peerId,omitempty"`
		Nodes4 []NodeInfo     `cbor:"n4,omitempty"`
		Nodes6 []NodeInfo     `cbor:"n6,omitempty"`
	}
	a := alias{PeerId: r.PeerId, Nodes4: r.Nodes4, Nodes6: r.Nodes6}
	for _, p := range r.Peers {
		a.Peers = append(a.Peers, peerInfoWire{
			NodeId: p.NodeId, Origin: p.Origin, Port: p.Port,
			AltEndpoint: p.AltEndpoint, Signature: p.Signature, SequenceNumber: p.SequenceNumber,
		})
	}
	return cbor.Marshal(a)
}

// UnmarshalCBOR implements cbor.Unmarshaler, reattaching the shared peer id.
func (r *FindPeerResponse) UnmarshalCBOR(data []byte) error {
	type alias struct {
		Peers  []peerInfoWire `cbor:"p,omitempty"`
		PeerId *Id            `cbor:"peerId,omitempty"`
		Nodes4 []NodeInfo     `cbor:"n4,omitempty"`
		Nodes6 []NodeInfo     `cbor:"n6,omitempty"`
	}
	var a alias
	if err := cbor.Unmarshal(data, &a); err != nil {
		return err
	}
	r.PeerId = a.PeerId
	r.Nodes4 = a.Nodes4
	r.Nodes6 = a.Nodes6
	r.Peers = nil
	for _, w := range a.Peers {
		pid := Id{}
		if a.PeerId != nil {
			pid = *a.PeerId
		}
		r.Peers = append(r.Peers, PeerInfo{
			PeerId: pid, NodeId: w.NodeId, Origin: w.Origin, Port: w.Port,
			AltEndpoint: w.AltEndpoint, Signature: w.Signature, SequenceNumber: w.SequenceNumber,
		})
	}
	return nil
}

type AnnouncePeerResponse struct{}

// ErrorCode enumerates the wire-level error codes.
type ErrorCode int

const (
	ErrGeneric                   ErrorCode = 1
	ErrServer                    ErrorCode = 201
	ErrProtocol                  ErrorCode = 202
	ErrMethodUnknown             ErrorCode = 203
	ErrInvalidToken              ErrorCode = 301
	ErrInvalidValue              ErrorCode = 302
	ErrInvalidPeer               ErrorCode = 303
	ErrSequenceNotMonotonic      ErrorCode = 304
	ErrSequenceNotExpected       ErrorCode = 305
	ErrImmutableSubstitutionFail ErrorCode = 306
)

// ErrorBody is the payload of an "e" message.
type ErrorBody struct {
	Code    ErrorCode `cbor:"c"`
	Message string    `cbor:"m"`
}

func (e *ErrorBody) Error() string { return fmt.Sprintf("boson: rpc error %d: %s", e.Code, e.Message) }

// Message is the fully decoded form of a datagram, independent of its wire
// representation.
type Message struct {
	Type      MessageType
	Method    Method
	Txid      uint64
	Version   []byte
	SenderId  Id
	Request   interface{}
	Response  interface{}
	Error     *ErrorBody
}

// wireEnvelope is the CBOR shape of every datagram.
type wireEnvelope struct {
	Y  string          `cbor:"y"`
	Q  string          `cbor:"q,omitempty"`
	A  cbor.RawMessage `cbor:"a,omitempty"`
	R  cbor.RawMessage `cbor:"r,omitempty"`
	E  *ErrorBody      `cbor:"e,omitempty"`
	T  uint64          `cbor:"t"`
	V  []byte          `cbor:"v,omitempty"`
	Id Id              `cbor:"id"`
}

// newRequestBody allocates the zero value of the request struct for method.
func newRequestBody(m Method) (interface{}, error) {
	switch m {
	case MethodPing:
		return &PingRequest{}, nil
	case MethodFindNode:
		return &FindNodeRequest{}, nil
	case MethodFindValue:
		return &FindValueRequest{}, nil
	case MethodStoreValue:
		return &StoreValueRequest{}, nil
	case MethodFindPeer:
		return &FindPeerRequest{}, nil
	case MethodAnnouncePeer:
		return &AnnouncePeerRequest{}, nil
	default:
		return nil, &ErrorBody{Code: ErrMethodUnknown, Message: string(m)}
	}
}

// newResponseBody allocates the zero value of the response struct for method.
func newResponseBody(m Method) (interface{}, error) {
	switch m {
	case MethodPing:
		return &PingResponse{}, nil
	case MethodFindNode:
		return &FindNodeResponse{}, nil
	case MethodFindValue:
		return &FindValueResponse{}, nil
	case MethodStoreValue:
		return &StoreValueResponse{}, nil
	case MethodFindPeer:
		return &FindPeerResponse{}, nil
	case MethodAnnouncePeer:
		return &AnnouncePeerResponse{}, nil
	default:
		return nil, &ErrorBody{Code: ErrMethodUnknown, Message: string(m)}
	}
}

// EncodeQuery encodes a request message.
func EncodeQuery(senderId Id, txid uint64, version []byte, method Method, body interface{}) ([]byte, error) {
	a, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode query body: %w", err)
	}
	env := wireEnvelope{Y: string(TypeQuery), Q: string(method), A: a, T: txid, V: version, Id: senderId}
	return marshalEnvelope(env)
}

// EncodeResponse encodes a response message.
func EncodeResponse(senderId Id, txid uint64, version []byte, body interface{}) ([]byte, error) {
	r, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode response body: %w", err)
	}
	env := wireEnvelope{Y: string(TypeResponse), R: r, T: txid, V: version, Id: senderId}
	return marshalEnvelope(env)
}

// EncodeError encodes an error message.
func EncodeError(senderId Id, txid uint64, version []byte, code ErrorCode, message string) ([]byte, error) {
	env := wireEnvelope{Y: string(TypeError), E: &ErrorBody{Code: code, Message: message}, T: txid, V: version, Id: senderId}
	return marshalEnvelope(env)
}

func marshalEnvelope(env wireEnvelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("boson: encoded message %d bytes exceeds max datagram size %d", len(data), MaxDatagramSize)
	}
	return data, nil
}

// DecodeEnvelope performs the first decode pass: it recovers the message
// type, txid, sender id, version and — for queries — the concrete request
// body. Response and error bodies are left raw because a response's
// concrete type depends on the method of the originating call, which only
// the caller (matching by txid) knows; finish decoding a response with
// DecodeResponseBody.
func DecodeEnvelope(data []byte) (*Message, cbor.RawMessage, error) {
	var env wireEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, nil, &ErrorBody{Code: ErrProtocol, Message: "malformed envelope"}
	}
	msg := &Message{
		Type:     MessageType(env.Y),
		Txid:     env.T,
		Version:  env.V,
		SenderId: env.Id,
	}
	switch msg.Type {
	case TypeQuery:
		msg.Method = Method(env.Q)
		body, err := newRequestBody(msg.Method)
		if err != nil {
			return nil, nil, err
		}
		if len(env.A) > 0 {
			if err := cbor.Unmarshal(env.A, body); err != nil {
				return nil, nil, &ErrorBody{Code: ErrProtocol, Message: "malformed query body"}
			}
		}
		msg.Request = body
		return msg, nil, nil
	case TypeResponse:
		return msg, env.R, nil
	case TypeError:
		msg.Error = env.E
		if msg.Error == nil {
			return nil, nil, &ErrorBody{Code: ErrProtocol, Message: "missing error body"}
		}
		return msg, nil, nil
	default:
		return nil, nil, &ErrorBody{Code: ErrProtocol, Message: "unknown message type"}
	}
}

// DecodeResponseBody finishes decoding a response envelope once the
// originating call's method is known.
func DecodeResponseBody(method Method, raw cbor.RawMessage) (interface{}, error) {
	body, err := newResponseBody(method)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := cbor.Unmarshal(raw, body); err != nil {
			return nil, &ErrorBody{Code: ErrProtocol, Message: "malformed response body"}
		}
	}
	return body, nil
}

// TruncateNodes bounds a node list to k entries; it is applied to each
// address family's list before encoding FIND_NODE/FIND_PEER responses.
func TruncateNodes(nodes []NodeInfo, k int) []NodeInfo {
	if len(nodes) <= k {
		return nodes
	}
	return nodes[:k]
}
