package keyauth

import "github.com/gluk-w/sshkeyauth/internal/identity"

// Reason explains a verification outcome.
type Reason string

const (
	ReasonVerified     Reason = "verified"
	ReasonNotVerified  Reason = "not-verified"
	ReasonNoIdentities Reason = "no-identities"
	ReasonNoSignatures Reason = "no-signatures"
)

// Result is the outcome for one (signature, identity) pair.
type Result struct {
	// Signature is the index into the SignatureSet.
	Signature int
	Blob      []byte
	Identity  identity.Identity
	Verified  bool
}

// Results holds every checked pair, signature-major: all identities for
// signature 0, then signature 1, and so on.
type Results struct {
	Reason  Reason
	Results []Result
}

// Verified reports whether any pair verified.
func (r Results) Verified() bool {
	return r.Reason == ReasonVerified
}

// Matches returns the pairs that verified.
func (r Results) Matches() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Verified {
			out = append(out, res)
		}
	}
	return out
}
