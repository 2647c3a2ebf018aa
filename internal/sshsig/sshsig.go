// Package sshsig encodes and decodes the signature blob an ssh-agent returns
// in SSH_AGENT_SIGN_RESPONSE.
//
// The blob is two length-prefixed strings:
//
//	uint32 len(type) | type | uint32 len(blob) | blob
//
// Lengths are big-endian. Security-key signatures append flags and a counter
// after the blob; those bytes are carried in [Signature.Rest] so that
// [Encode] reproduces the input exactly.
package sshsig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/ssh"
)

// ErrMalformedSignature is matched by every decoding failure.
var ErrMalformedSignature = errors.New("malformed signature")

// MalformedSignatureError describes where decoding stopped.
type MalformedSignatureError struct {
	Offset int
	Reason string
}

func (e *MalformedSignatureError) Error() string {
	return fmt.Sprintf("malformed signature at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedSignatureError) Unwrap() error {
	return ErrMalformedSignature
}

// Identity is the key a Signature was made with. The identity package's
// variants satisfy it.
type Identity interface {
	PublicKey() ssh.PublicKey
	Comment() string
}

// Signature is a decoded signature. Type is the key-type string the blob was
// framed with (e.g. "ssh-ed25519"), Blob the raw signature bytes.
type Signature struct {
	Type     string
	Blob     []byte
	Rest     []byte
	Identity Identity
}

// SSH returns the signature in the form ssh.PublicKey.Verify expects.
func (s Signature) SSH() *ssh.Signature {
	return &ssh.Signature{Format: s.Type, Blob: s.Blob, Rest: s.Rest}
}

// FromSSH converts a signature produced by an ssh.Signer.
func FromSSH(sig *ssh.Signature, id Identity) Signature {
	return Signature{Type: sig.Format, Blob: sig.Blob, Rest: sig.Rest, Identity: id}
}

// Decode parses an agent signature blob.
func Decode(buf []byte) (Signature, error) {
	typ, off, err := readString(buf, 0)
	if err != nil {
		return Signature{}, err
	}
	blob, off, err := readString(buf, off)
	if err != nil {
		return Signature{}, err
	}
	sig := Signature{Type: string(typ), Blob: blob}
	if off < len(buf) {
		sig.Rest = append([]byte(nil), buf[off:]...)
	}
	return sig, nil
}

// Encode is the inverse of Decode. Identity is not part of the encoding.
func Encode(s Signature) []byte {
	buf := make([]byte, 0, 8+len(s.Type)+len(s.Blob)+len(s.Rest))
	buf = appendString(buf, []byte(s.Type))
	buf = appendString(buf, s.Blob)
	return append(buf, s.Rest...)
}

func readString(buf []byte, off int) ([]byte, int, error) {
	if len(buf)-off < 4 {
		return nil, off, &MalformedSignatureError{Offset: off, Reason: fmt.Sprintf("need 4 length bytes, have %d", len(buf)-off)}
	}
	n := int32(binary.BigEndian.Uint32(buf[off:]))
	if n < 0 {
		return nil, off, &MalformedSignatureError{Offset: off, Reason: fmt.Sprintf("negative length %d", n)}
	}
	off += 4
	if int(n) > len(buf)-off {
		return nil, off, &MalformedSignatureError{Offset: off, Reason: fmt.Sprintf("declared length %d exceeds remaining %d bytes", n, len(buf)-off)}
	}
	out := make([]byte, n)
	copy(out, buf[off:off+int(n)])
	return out, off + int(n), nil
}

func appendString(buf, s []byte) []byte {
	if len(s) > math.MaxInt32 {
		panic("sshsig: field longer than 2^31-1 bytes")
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
