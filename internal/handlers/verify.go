package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"github.com/gluk-w/sshkeyauth/internal/middleware"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxVerifyBody = 1 << 20

// Signature encodings accepted by POST /api/v1/verify.
const (
	// FormatRaw: base64 of the bare signature bytes.
	FormatRaw = "raw"
	// FormatWire: base64 of the agent wire blob (type and signature).
	FormatWire = "wire"
)

type verifyRequest struct {
	Original string `json:"original"`
	// OriginalBase64 is used instead of Original when set.
	OriginalBase64 string   `json:"original_base64,omitempty"`
	Signatures     []string `json:"signatures"`
	Format         string   `json:"format,omitempty"`
}

type verifyResult struct {
	Signature   int    `json:"signature"`
	Fingerprint string `json:"fingerprint"`
	Comment     string `json:"comment,omitempty"`
	Source      string `json:"source"`
	Verified    bool   `json:"verified"`
}

type verifyResponse struct {
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason"`
	Results  []verifyResult `json:"results"`
}

// Verify checks signatures over an original message.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerifyBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	original := []byte(req.Original)
	if req.OriginalBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(req.OriginalBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid original_base64")
			return
		}
		original = b
	}

	set, err := signatureSet(req.Signatures, req.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := a.Verifier.Verify(set, original)
	log.Printf("[verify-api] request=%s signatures=%d reason=%s",
		chimw.GetReqID(r.Context()), set.Len(), res.Reason)
	if a.Limiter != nil {
		// Only a signature that fails to verify counts against the client.
		switch client := middleware.ClientIP(r); res.Reason {
		case keyauth.ReasonVerified:
			a.Limiter.RecordSuccess(client)
		case keyauth.ReasonNotVerified:
			a.Limiter.RecordFailure(client)
		}
	}

	resp := verifyResponse{
		Verified: res.Verified(),
		Reason:   string(res.Reason),
		Results:  make([]verifyResult, 0, len(res.Results)),
	}
	for _, rr := range res.Results {
		resp.Results = append(resp.Results, verifyResult{
			Signature:   rr.Signature,
			Fingerprint: rr.Identity.Fingerprint(),
			Comment:     rr.Identity.Comment(),
			Source:      string(rr.Identity.Source()),
			Verified:    rr.Verified,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func signatureSet(encoded []string, format string) (keyauth.SignatureSet, error) {
	switch format {
	case "", FormatRaw:
		raw := make([][]byte, 0, len(encoded))
		for i, s := range encoded {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return keyauth.SignatureSet{}, fmt.Errorf("Invalid base64 in signature %d", i)
			}
			raw = append(raw, b)
		}
		return keyauth.ManySignatures(raw...), nil
	case FormatWire:
		sigs := make([]sshsig.Signature, 0, len(encoded))
		for i, s := range encoded {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return keyauth.SignatureSet{}, fmt.Errorf("Invalid base64 in signature %d", i)
			}
			sig, err := sshsig.Decode(b)
			if err != nil {
				return keyauth.SignatureSet{}, fmt.Errorf("Invalid signature %d: %v", i, err)
			}
			sigs = append(sigs, sig)
		}
		return keyauth.StructuredSignatures(sigs...), nil
	default:
		return keyauth.SignatureSet{}, fmt.Errorf("Unknown signature format %q", logutil.SanitizeForLog(format))
	}
}

type identityView struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Comment     string `json:"comment,omitempty"`
	Source      string `json:"source"`
}

// ListIdentities returns the identities signatures are checked against.
func (a *API) ListIdentities(w http.ResponseWriter, r *http.Request) {
	ids := a.Verifier.VerifyingIdentities()
	out := make([]identityView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewOf(id))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":    a.Verifier.Account(),
		"identities": out,
	})
}

func viewOf(id identity.Identity) identityView {
	return identityView{
		Type:        id.PublicKey().Type(),
		Fingerprint: id.Fingerprint(),
		Comment:     id.Comment(),
		Source:      string(id.Source()),
	}
}

type invalidateRequest struct {
	Path string `json:"path"`
}

// InvalidateKnownHosts drops cached known_hosts parses: the given path, or
// all of them when no path is sent.
func (a *API) InvalidateKnownHosts(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	cache := a.Verifier.Cache()
	if req.Path != "" {
		cache.Invalidate(req.Path)
		log.Printf("[verify-api] invalidated known_hosts cache for %s", logutil.SanitizeForLog(req.Path))
		writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": []string{req.Path}})
		return
	}
	n := cache.InvalidateAll()
	log.Printf("[verify-api] invalidated %d known_hosts cache entries", n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated_count": n})
}
