package protocol

import (
	"encoding/binary"
	"fmt"

	"Replicert/internal/encoding"
	"Replicert/internal/identity"
)

// Message tags.
const (
	tagHelloReplica = 0x01 // Replica handshake carrying its public key
	tagHelloClient  = 0x02 // Client handshake
	tagAck          = 0x03 // Server acknowledgement carrying the aggregate key
	tagStoreFile    = 0x04 // Store the next N bytes of the stream
	tagFileStored   = 0x05 // Attestation or final certificate
)

// HashSize is the size of a SHA3-256 content hash.
const HashSize = 32

// Hash is a content hash; it doubles as the storage key.
type Hash [HashSize]byte

// String returns the base-58 text of the hash, which is also its file name.
func (h Hash) String() string { return encoding.ToBase58(h[:]) }

// Message is one of the protocol variants below.
type Message interface {
	encode() []byte
}

// HelloReplica is the first message on a replica connection.
type HelloReplica struct {
	PublicKey identity.PublicKey // PublicKey is the replica's identity
}

// HelloClient is the first message on a client connection.
type HelloClient struct{}

// Ack announces the aggregate identity to a client.
type Ack struct {
	AggregateKey identity.PublicKey // AggregateKey combines the server and participating replicas
}

// StoreFile tells the recipient to store the next Length bytes of chunk frames.
type StoreFile struct {
	Length uint64 // Length is the total payload size, never zero
}

// FileStored confirms storage: a replica attestation, or the final certificate to a client.
type FileStored struct {
	Hash      Hash               // Hash is the SHA3-256 of the payload
	Signature identity.Signature // Signature is a single or aggregate signature over Hash
}

// Format: [1B tag] [96B pubkey]
func (m *HelloReplica) encode() []byte {
	buf := make([]byte, 1+identity.PublicKeySize)
	buf[0] = tagHelloReplica
	copy(buf[1:], m.PublicKey[:])

	return buf
}

// Format: [1B tag]
func (m *HelloClient) encode() []byte {
	return []byte{tagHelloClient}
}

// Format: [1B tag] [96B aggregate pubkey]
func (m *Ack) encode() []byte {
	buf := make([]byte, 1+identity.PublicKeySize)
	buf[0] = tagAck
	copy(buf[1:], m.AggregateKey[:])

	return buf
}

// Format: [1B tag] [8B big-endian length]
func (m *StoreFile) encode() []byte {
	buf := make([]byte, 9)
	buf[0] = tagStoreFile
	binary.BigEndian.PutUint64(buf[1:], m.Length)

	return buf
}

// Format: [1B tag] [32B hash] [48B signature]
func (m *FileStored) encode() []byte {
	buf := make([]byte, 1+HashSize+identity.SignatureSize)
	buf[0] = tagFileStored
	copy(buf[1:1+HashSize], m.Hash[:])
	copy(buf[1+HashSize:], m.Signature[:])

	return buf
}

// Encode serializes a message to its wire form.
func Encode(m Message) []byte {
	return m.encode()
}

// Decode parses a wire frame into a message. Public keys and signatures are
// length-checked here; group-element validity is checked by the consumer.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, violation("empty message")
	}

	body := data[1:]

	switch data[0] {
	case tagHelloReplica:
		if len(body) != identity.PublicKeySize {
			return nil, violation("HelloReplica size %d", len(body))
		}
		m := &HelloReplica{}
		copy(m.PublicKey[:], body)
		return m, nil

	case tagHelloClient:
		if len(body) != 0 {
			return nil, violation("HelloClient size %d", len(body))
		}
		return &HelloClient{}, nil

	case tagAck:
		if len(body) != identity.PublicKeySize {
			return nil, violation("Ack size %d", len(body))
		}
		m := &Ack{}
		copy(m.AggregateKey[:], body)
		return m, nil

	case tagStoreFile:
		if len(body) != 8 {
			return nil, violation("StoreFile size %d", len(body))
		}
		return &StoreFile{Length: binary.BigEndian.Uint64(body)}, nil

	case tagFileStored:
		if len(body) != HashSize+identity.SignatureSize {
			return nil, violation("FileStored size %d", len(body))
		}
		m := &FileStored{}
		copy(m.Hash[:], body[:HashSize])
		copy(m.Signature[:], body[HashSize:])
		return m, nil

	default:
		return nil, violation("unknown message tag 0x%02x", data[0])
	}
}

// Name returns the variant name for logs and errors.
func Name(m Message) string {
	switch m.(type) {
	case *HelloReplica:
		return "HelloReplica"
	case *HelloClient:
		return "HelloClient"
	case *Ack:
		return "Ack"
	case *StoreFile:
		return "StoreFile"
	case *FileStored:
		return "FileStored"
	default:
		return fmt.Sprintf("%T", m)
	}
}
