package keyauth

import (
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"golang.org/x/crypto/ssh"
)

// SignatureSet is what Verify checks: raw signature blobs or decoded
// signatures. Build one with OneSignature, ManySignatures or
// StructuredSignatures.
type SignatureSet struct {
	raw        [][]byte
	structured []sshsig.Signature
}

// OneSignature is a set holding a single raw signature blob.
func OneSignature(raw []byte) SignatureSet {
	return SignatureSet{raw: [][]byte{raw}}
}

// ManySignatures is a set of raw signature blobs.
func ManySignatures(raw ...[]byte) SignatureSet {
	return SignatureSet{raw: raw}
}

// StructuredSignatures is a set of decoded signatures, as returned by
// Signer.Sign.
func StructuredSignatures(sigs ...sshsig.Signature) SignatureSet {
	return SignatureSet{structured: sigs}
}

// Len returns the number of signatures.
func (s SignatureSet) Len() int {
	if s.structured != nil {
		return len(s.structured)
	}
	return len(s.raw)
}

func (s SignatureSet) blob(i int) []byte {
	if s.structured != nil {
		return s.structured[i].Blob
	}
	return s.raw[i]
}

// candidate frames signature i for checking against id. Decoded
// signatures keep their own type; raw blobs are framed with the key type.
func (s SignatureSet) candidate(i int, id identity.Identity) *ssh.Signature {
	if s.structured != nil {
		return s.structured[i].SSH()
	}
	return &ssh.Signature{Format: id.PublicKey().Type(), Blob: s.raw[i]}
}
