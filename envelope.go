package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"github.com/google/uuid"
)

// envelope is the JSON line printed by "sign" and read by "verify". Signed
// data that is not valid UTF-8 travels in OriginalBase64 instead of Original.
type envelope struct {
	ID             string `json:"id"`
	Original       string `json:"original"`
	OriginalBase64 string `json:"original_base64,omitempty"`
	Type           string `json:"type"`
	Signature      string `json:"signature"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	Comment        string `json:"comment,omitempty"`
}

func newEnvelope(original []byte, sig sshsig.Signature) envelope {
	env := envelope{
		ID:        uuid.NewString(),
		Type:      sig.Type,
		Signature: base64.StdEncoding.EncodeToString(sshsig.Encode(sig)),
	}
	if utf8.Valid(original) {
		env.Original = string(original)
	} else {
		env.OriginalBase64 = base64.StdEncoding.EncodeToString(original)
	}
	if id, ok := sig.Identity.(interface{ Fingerprint() string }); ok {
		env.Fingerprint = id.Fingerprint()
	}
	if sig.Identity != nil {
		env.Comment = sig.Identity.Comment()
	}
	return env
}

// originalData returns the signed bytes carried by env.
func (env envelope) originalData() ([]byte, error) {
	if env.OriginalBase64 == "" {
		return []byte(env.Original), nil
	}
	data, err := base64.StdEncoding.DecodeString(env.OriginalBase64)
	if err != nil {
		return nil, fmt.Errorf("decode original_base64: %w", err)
	}
	return data, nil
}

// parseEnvelope decodes one envelope line. An envelope without a type whose
// signature is not a wire blob is treated as a bare signature.
func parseEnvelope(line []byte) (envelope, keyauth.SignatureSet, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return envelope{}, keyauth.SignatureSet{}, fmt.Errorf("parse envelope: %w", err)
	}
	if _, err := env.originalData(); err != nil {
		return envelope{}, keyauth.SignatureSet{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return envelope{}, keyauth.SignatureSet{}, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := sshsig.Decode(raw)
	if err != nil {
		if env.Type == "" {
			return env, keyauth.OneSignature(raw), nil
		}
		return envelope{}, keyauth.SignatureSet{}, err
	}
	if env.Type != "" && env.Type != sig.Type {
		return envelope{}, keyauth.SignatureSet{}, fmt.Errorf("envelope type %q does not match signature type %q", env.Type, sig.Type)
	}
	return env, keyauth.StructuredSignatures(sig), nil
}
