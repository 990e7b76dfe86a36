package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/busybox42/marketdht/pkg/types"
)

// MaxMessageSize bounds a single encoded frame.
const MaxMessageSize = 1 << 20

// Message fields.
const (
	fieldType       protowire.Number = 1
	fieldKey        protowire.Number = 2
	fieldPeers      protowire.Number = 3
	fieldSupplier   protowire.Number = 4
	fieldSuppliers  protowire.Number = 5
	fieldTTL        protowire.Number = 6
	fieldError      protowire.Number = 7
	fieldPublicKey  protowire.Number = 8
	fieldListenAddr protowire.Number = 9
	fieldSignature  protowire.Number = 10
	fieldID         protowire.Number = 11
)

// PeerInfo fields.
const (
	peerFieldID   protowire.Number = 1
	peerFieldAddr protowire.Number = 2
)

// SupplierInfo fields.
const (
	supplierFieldPeer   protowire.Number = 1
	supplierFieldIP     protowire.Number = 2
	supplierFieldPort   protowire.Number = 3
	supplierFieldPrice  protowire.Number = 4
	supplierFieldName   protowire.Number = 5
	supplierFieldExpiry protowire.Number = 6
)

// Marshal encodes m with the protobuf wire format.
func Marshal(m *Message) ([]byte, error) {
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}

	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.ID != "" {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, m.ID)
	}
	if m.Key != (types.Key{}) {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key[:])
	}
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, fieldPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPeer(p))
	}
	if m.Supplier != nil {
		b = protowire.AppendTag(b, fieldSupplier, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSupplier(*m.Supplier))
	}
	for _, s := range m.Suppliers {
		b = protowire.AppendTag(b, fieldSuppliers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSupplier(s))
	}
	if m.TTL > 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TTL.Milliseconds()))
	}
	if m.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	if len(m.PublicKey) > 0 {
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PublicKey)
	}
	if m.ListenAddr != nil {
		b = protowire.AppendTag(b, fieldListenAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ListenAddr.Bytes())
	}
	if len(m.Signature) > 0 {
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Signature)
	}

	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	return b, nil
}

func marshalPeer(p PeerInfo) []byte {
	b := protowire.AppendTag(nil, peerFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID[:])
	if p.Addr != nil {
		b = protowire.AppendTag(b, peerFieldAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Addr.Bytes())
	}
	return b
}

func marshalSupplier(s types.SupplierInfo) []byte {
	var b []byte
	if !s.PeerID.IsZero() {
		b = protowire.AppendTag(b, supplierFieldPeer, protowire.BytesType)
		b = protowire.AppendBytes(b, s.PeerID[:])
	}
	if s.IP.IsValid() {
		b = protowire.AppendTag(b, supplierFieldIP, protowire.BytesType)
		b = protowire.AppendBytes(b, s.IP.AsSlice())
	}
	b = protowire.AppendTag(b, supplierFieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Port))
	b = protowire.AppendTag(b, supplierFieldPrice, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.Price))
	if s.Name != "" {
		b = protowire.AppendTag(b, supplierFieldName, protowire.BytesType)
		b = protowire.AppendString(b, s.Name)
	}
	if !s.Expiry.IsZero() {
		b = protowire.AppendTag(b, supplierFieldExpiry, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.Expiry.UnixMilli()))
	}
	return b
}

// fields walks a protobuf-encoded buffer, calling fn with each field's
// number, wire type and the remaining bytes starting at its value. fn
// returns how many bytes the value used, or a negative protowire code.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(used))
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	m := &Message{}
	err := fields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldType:
				m.Type = MessageType(v)
			case fieldTTL:
				m.TTL = time.Duration(v) * time.Millisecond
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return -1, nil
		}

		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldID:
			m.ID = string(v)
		case fieldKey:
			k, err := types.KeyFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: key: %v", ErrMalformed, err)
			}
			m.Key = k
		case fieldPeers:
			p, err := unmarshalPeer(v)
			if err != nil {
				return 0, err
			}
			m.Peers = append(m.Peers, p)
		case fieldSupplier:
			s, err := unmarshalSupplier(v)
			if err != nil {
				return 0, err
			}
			m.Supplier = &s
		case fieldSuppliers:
			s, err := unmarshalSupplier(v)
			if err != nil {
				return 0, err
			}
			m.Suppliers = append(m.Suppliers, s)
		case fieldError:
			m.Error = string(v)
		case fieldPublicKey:
			m.PublicKey = append([]byte(nil), v...)
		case fieldListenAddr:
			addr, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: listen addr: %v", ErrMalformed, err)
			}
			m.ListenAddr = addr
		case fieldSignature:
			m.Signature = append([]byte(nil), v...)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}

	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	return m, nil
}

func unmarshalPeer(data []byte) (PeerInfo, error) {
	var p PeerInfo
	var haveID bool
	err := fields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case peerFieldID:
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: peer id: %v", ErrMalformed, err)
			}
			p.ID, haveID = id, true
		case peerFieldAddr:
			addr, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: peer addr: %v", ErrMalformed, err)
			}
			p.Addr = addr
		}
		return n, nil
	})
	if err == nil && !haveID {
		err = fmt.Errorf("%w: peer without id", ErrMalformed)
	}
	return p, err
}

func unmarshalSupplier(data []byte) (types.SupplierInfo, error) {
	var s types.SupplierInfo
	err := fields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case supplierFieldPort:
				if v > 0xffff {
					return 0, fmt.Errorf("%w: port %d", ErrMalformed, v)
				}
				s.Port = uint16(v)
			case supplierFieldPrice:
				s.Price = protowire.DecodeZigZag(v)
			case supplierFieldExpiry:
				s.Expiry = time.UnixMilli(protowire.DecodeZigZag(v))
			}
			return n, nil
		case protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case supplierFieldPeer:
				id, err := types.PeerIDFromBytes(v)
				if err != nil {
					return 0, fmt.Errorf("%w: supplier peer: %v", ErrMalformed, err)
				}
				s.PeerID = id
			case supplierFieldIP:
				ip, ok := netip.AddrFromSlice(v)
				if !ok {
					return 0, fmt.Errorf("%w: supplier ip", ErrMalformed)
				}
				s.IP = ip
			case supplierFieldName:
				s.Name = string(v)
			}
			return n, nil
		}
		return -1, nil
	})
	return s, err
}

// WriteFrame writes m as a uvarint length prefix followed by its encoding.
func WriteFrame(w io.Writer, m *Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	frame := append(varint.ToUvarint(uint64(len(payload))), payload...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) (*Message, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return Unmarshal(payload)
}
