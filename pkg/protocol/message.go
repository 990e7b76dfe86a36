package protocol

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/types"
)

type MessageType uint8

const (
	Hello MessageType = iota + 1
	FindClosestPeers
	StoreSupplier
	GetSuppliers
	Ping
)

var (
	ErrUnknownType      = errors.New("protocol: unknown message type")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
	ErrMalformed        = errors.New("protocol: malformed message")
	ErrInvalidSignature = errors.New("protocol: invalid hello signature")
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "hello"
	case FindClosestPeers:
		return "find_closest_peers"
	case StoreSupplier:
		return "store_supplier"
	case GetSuppliers:
		return "get_suppliers"
	case Ping:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	return t >= Hello && t <= Ping
}

// PeerInfo is a routing entry as it travels on the wire.
type PeerInfo struct {
	ID   types.PeerID
	Addr ma.Multiaddr
}

// Message is the single envelope for every request and response. Which
// fields are set depends on Type:
//
//	Hello             PublicKey, ListenAddr, Signature
//	FindClosestPeers  Key (request), Peers (response)
//	StoreSupplier     Key, Supplier, TTL (request), Error (response)
//	GetSuppliers      Key (request), Suppliers (response)
//	Ping              nothing
//
// A response echoes the request ID.
type Message struct {
	ID         string
	Type       MessageType
	Key        types.Key
	Peers      []PeerInfo
	Supplier   *types.SupplierInfo
	Suppliers  []types.SupplierInfo
	TTL        time.Duration
	Error      string
	PublicKey  ed25519.PublicKey
	ListenAddr ma.Multiaddr
	Signature  []byte
}

func NewMessage(msgType MessageType, key types.Key) *Message {
	return &Message{
		ID:   uuid.NewString(),
		Type: msgType,
		Key:  key,
	}
}

// Reply builds the response skeleton for m.
func (m *Message) Reply() *Message {
	return &Message{
		ID:   m.ID,
		Type: m.Type,
		Key:  m.Key,
	}
}

// NewHello builds the signed greeting each side sends before multiplexing.
func NewHello(kp *crypto.KeyPair, listenAddr ma.Multiaddr) (*Message, error) {
	msg := &Message{
		ID:         uuid.NewString(),
		Type:       Hello,
		PublicKey:  kp.PublicKey,
		ListenAddr: listenAddr,
	}
	sig, err := kp.Sign(msg.helloDigest())
	if err != nil {
		return nil, fmt.Errorf("failed to sign hello: %w", err)
	}
	msg.Signature = sig
	return msg, nil
}

// VerifyHello checks the hello signature and returns the sender's id.
func (m *Message) VerifyHello() (types.PeerID, error) {
	if m.Type != Hello {
		return types.PeerID{}, fmt.Errorf("%w: expected hello, got %s", ErrMalformed, m.Type)
	}
	if len(m.PublicKey) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return types.PeerID{}, ErrInvalidSignature
	}
	if !crypto.VerifyFrom(m.PublicKey, m.helloDigest(), m.Signature) {
		return types.PeerID{}, ErrInvalidSignature
	}
	return types.PeerIDFromPublicKey(m.PublicKey), nil
}

func (m *Message) helloDigest() []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("marketdht/hello/1")
	buf.WriteString(m.ID)
	buf.Write(m.PublicKey)
	if m.ListenAddr != nil {
		buf.Write(m.ListenAddr.Bytes())
	}
	return buf.Bytes()
}
