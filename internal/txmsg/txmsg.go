// Package txmsg builds and parses the exact message byte sequence a
// Solana-style ledger expects its signers to sign: compact-u16-prefixed
// account/instruction vectors, a fixed account-key header, and little-endian
// fixed-width instruction data.
package txmsg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Errors returned by the message builder.
var (
	ErrInvalidRequest = errors.New("txmsg: invalid request")
	ErrMalformed      = errors.New("txmsg: malformed message bytes")
)

// SystemProgramID is the all-zero 32-byte account ID for the native System
// Program, the target of every native transfer instruction.
var SystemProgramID = [32]byte{}

// systemTransferDiscriminant is the little-endian u32 instruction index for
// SystemInstruction::Transfer.
const systemTransferDiscriminant uint32 = 2

// Header describes the signer/readonly partitioning of the account list, the
// first three bytes of every message.
type Header struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Instruction references accounts by index into the message's account list.
type Instruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// Message is the canonical, ledger-signable transaction message: everything
// the signature is computed over.
type Message struct {
	Header          Header
	AccountKeys     [][32]byte
	RecentBlockhash [32]byte
	Instructions    []Instruction
}

// NativeTransfer builds the message for a single lamport transfer from
// feePayer to recipient, paid for and signed by feePayer, using blockhash as
// the recent blockhash. feePayer is the aggregate MuSig2 public key.
func NativeTransfer(feePayer, recipient [32]byte, lamports uint64, blockhash [32]byte) *Message {
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data[:4], systemTransferDiscriminant)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	accountKeys := [][32]byte{feePayer, recipient, SystemProgramID}

	return &Message{
		Header: Header{
			NumRequiredSignatures:       1,
			NumReadonlySignedAccounts:   0,
			NumReadonlyUnsignedAccounts: 1, // the system program account
		},
		AccountKeys:     accountKeys,
		RecentBlockhash: blockhash,
		Instructions: []Instruction{
			{
				ProgramIDIndex: 2,
				AccountIndexes: []uint8{0, 1},
				Data:           data,
			},
		},
	}
}

// FeePayer returns the message's designated fee payer: account index 0, the
// sole signer for a 2-of-2 custodial transfer.
func (m *Message) FeePayer() [32]byte {
	if len(m.AccountKeys) == 0 {
		return [32]byte{}
	}
	return m.AccountKeys[0]
}

// Serialize writes the message in the ledger's canonical wire encoding:
// header, compact-u16 account key count + keys, blockhash, compact-u16
// instruction count + instructions (each with compact-u16-prefixed account
// index and data vectors).
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer

	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	writeCompactU16(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}

	buf.Write(m.RecentBlockhash[:])

	writeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writeCompactU16(&buf, len(ix.AccountIndexes))
		buf.Write(ix.AccountIndexes)
		writeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}

	return buf.Bytes()
}

// ParseMessage decodes a message from its canonical wire encoding, the
// inverse of Serialize. Used for the PrebuiltTransaction path, where the
// caller supplies the full message bytes and C3 only needs to inspect the
// fee payer.
func ParseMessage(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	var hdr Header
	var err error
	if hdr.NumRequiredSignatures, err = readByte(r); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if hdr.NumReadonlySignedAccounts, err = readByte(r); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if hdr.NumReadonlyUnsignedAccounts, err = readByte(r); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	numKeys, err := readCompactU16(r)
	if err != nil {
		return nil, fmt.Errorf("%w: account key count: %v", ErrMalformed, err)
	}
	keys := make([][32]byte, numKeys)
	for i := range keys {
		if _, err := io.ReadFull(r, keys[i][:]); err != nil {
			return nil, fmt.Errorf("%w: account key %d: %v", ErrMalformed, i, err)
		}
	}

	var blockhash [32]byte
	if _, err := io.ReadFull(r, blockhash[:]); err != nil {
		return nil, fmt.Errorf("%w: blockhash: %v", ErrMalformed, err)
	}

	numIx, err := readCompactU16(r)
	if err != nil {
		return nil, fmt.Errorf("%w: instruction count: %v", ErrMalformed, err)
	}
	instructions := make([]Instruction, numIx)
	for i := range instructions {
		progIdx, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d program index: %v", ErrMalformed, i, err)
		}
		numAccts, err := readCompactU16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d account count: %v", ErrMalformed, i, err)
		}
		accts := make([]uint8, numAccts)
		if _, err := io.ReadFull(r, accts); err != nil {
			return nil, fmt.Errorf("%w: instruction %d accounts: %v", ErrMalformed, i, err)
		}
		dataLen, err := readCompactU16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d data length: %v", ErrMalformed, i, err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: instruction %d data: %v", ErrMalformed, i, err)
		}
		instructions[i] = Instruction{ProgramIDIndex: progIdx, AccountIndexes: accts, Data: data}
	}

	return &Message{
		Header:          hdr,
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    instructions,
	}, nil
}

// ValidateFeePayer checks that a prebuilt message's fee payer equals the
// expected aggregate public key, returning ErrInvalidRequest if not.
func ValidateFeePayer(m *Message, expected [32]byte) error {
	if m.FeePayer() != expected {
		return fmt.Errorf("%w: fee payer does not match aggregate public key", ErrInvalidRequest)
	}
	return nil
}

// BuildTransaction wraps a serialized message with its signature(s) in the
// ledger's wire transaction format: compact-u16 signature count followed by
// the 64-byte signatures, then the message bytes. This service only ever
// produces single-signature transactions (fee payer == aggregate key).
func BuildTransaction(sig []byte, messageBytes []byte) []byte {
	var buf bytes.Buffer
	writeCompactU16(&buf, 1)
	buf.Write(sig)
	buf.Write(messageBytes)
	return buf.Bytes()
}

func readByte(r *bytes.Reader) (uint8, error) {
	return r.ReadByte()
}

// writeCompactU16 encodes n using the ledger's variable-length "short vec"
// format: 7 bits per byte, high bit set while more bytes follow.
func writeCompactU16(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

// readCompactU16 decodes the short-vec length format written by writeCompactU16.
func readCompactU16(r *bytes.Reader) (int, error) {
	var result int
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift > 21 {
			return 0, errors.New("txmsg: compact-u16 overflow")
		}
	}
}
