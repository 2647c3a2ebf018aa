package handlers

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshkeyauth/internal/audit"
	"github.com/gluk-w/sshkeyauth/internal/database"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/middleware"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"github.com/gluk-w/sshkeyauth/internal/testkeys"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	api     *API
	handler http.Handler
	pair    testkeys.Pair
}

func setupAuditor(t *testing.T) *audit.Auditor {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return audit.NewAuditor(db, 90)
}

func newTestServer(t *testing.T, withAudit bool) *testServer {
	t.Helper()
	pair := testkeys.Ed25519(t, "trusted@example")

	var auditor *audit.Auditor
	cfg := keyauth.VerifierConfig{Account: "tester", DisableAgent: true, DisableAuthorizedKeys: true}
	if withAudit {
		auditor = setupAuditor(t)
		cfg.Recorder = auditor
	}
	v := keyauth.NewVerifier(cfg)
	t.Cleanup(func() { v.Close() })
	v.AddIdentity(identity.NewPublicKey(pair.Signer.PublicKey(), "trusted@example", identity.SourcePublicKeyData))

	api := &API{Verifier: v, Auditor: auditor}
	return &testServer{api: api, handler: api.Router(), pair: pair}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) sign(t *testing.T, msg string) *ssh.Signature {
	t.Helper()
	sig, err := s.pair.Signer.Sign(rand.Reader, []byte(msg))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "healthy" || body["account"] != "tester" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestVerify_RawSignature(t *testing.T) {
	s := newTestServer(t, false)
	sig := s.sign(t, "hello")

	w := s.do(t, http.MethodPost, "/api/v1/verify", verifyRequest{
		Original:   "hello",
		Signatures: []string{base64.StdEncoding.EncodeToString(sig.Blob)},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp verifyResponse
	decode(t, w, &resp)
	if !resp.Verified || resp.Reason != "verified" {
		t.Errorf("expected verified, got %+v", resp)
	}
	if len(resp.Results) != 1 || resp.Results[0].Comment != "trusted@example" {
		t.Errorf("results: %+v", resp.Results)
	}
}

func TestVerify_WireSignatureBadMessage(t *testing.T) {
	s := newTestServer(t, false)
	sig := s.sign(t, "hello")
	wire := sshsig.Encode(sshsig.FromSSH(sig, nil))

	w := s.do(t, http.MethodPost, "/api/v1/verify", verifyRequest{
		OriginalBase64: base64.StdEncoding.EncodeToString([]byte("hellobad")),
		Signatures:     []string{base64.StdEncoding.EncodeToString(wire)},
		Format:         FormatWire,
	})
	var resp verifyResponse
	decode(t, w, &resp)
	if resp.Verified || resp.Reason != "not-verified" {
		t.Errorf("expected not-verified, got %+v", resp)
	}
}

func TestVerify_BadRequests(t *testing.T) {
	s := newTestServer(t, false)
	tests := []struct {
		name string
		body interface{}
	}{
		{"bad base64", verifyRequest{Original: "x", Signatures: []string{"!!!"}}},
		{"bad original", verifyRequest{OriginalBase64: "!!!", Signatures: []string{}}},
		{"truncated wire", verifyRequest{Original: "x", Signatures: []string{base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 9})}, Format: FormatWire}},
		{"unknown format", verifyRequest{Original: "x", Format: "pgp"}},
		{"not json", "plain string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, http.MethodPost, "/api/v1/verify", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestVerify_NoSignatures(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodPost, "/api/v1/verify", verifyRequest{Original: "hello"})
	var resp verifyResponse
	decode(t, w, &resp)
	if resp.Reason != "no-signatures" {
		t.Errorf("reason = %q, want no-signatures", resp.Reason)
	}
}

func TestListIdentities(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodGet, "/api/v1/identities", nil)
	var body struct {
		Account    string         `json:"account"`
		Identities []identityView `json:"identities"`
	}
	decode(t, w, &body)
	if len(body.Identities) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(body.Identities))
	}
	id := body.Identities[0]
	if id.Type != "ssh-ed25519" || !strings.HasPrefix(id.Fingerprint, "SHA256:") || id.Source != "public-key-data" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestGetAuditLogs(t *testing.T) {
	s := newTestServer(t, true)
	sig := s.sign(t, "hello")
	s.do(t, http.MethodPost, "/api/v1/verify", verifyRequest{
		Original:   "hello",
		Signatures: []string{base64.StdEncoding.EncodeToString(sig.Blob)},
	})

	w := s.do(t, http.MethodGet, "/api/v1/audit?event_type=verify&success=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var result audit.QueryResult
	decode(t, w, &result)
	if result.Total != 1 {
		t.Errorf("expected 1 audit entry, got %d", result.Total)
	}

	for _, q := range []string{"success=maybe", "since=yesterday", "limit=0", "offset=-1"} {
		if w := s.do(t, http.MethodGet, "/api/v1/audit?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestGetAuditLogs_Disabled(t *testing.T) {
	s := newTestServer(t, false)
	if w := s.do(t, http.MethodGet, "/api/v1/audit", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestInvalidateKnownHosts(t *testing.T) {
	s := newTestServer(t, false)
	host := testkeys.Ed25519(t, "")
	path := testkeys.WriteFile(t, t.TempDir(), "known_hosts",
		"build01 "+strings.TrimSpace(string(ssh.MarshalAuthorizedKey(host.Signer.PublicKey())))+"\n")
	if _, _, err := s.api.Verifier.Cache().Lookup(path, "build01"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	w := s.do(t, http.MethodPost, "/api/v1/known-hosts/invalidate", invalidateRequest{Path: path})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if s.api.Verifier.Cache().Len() != 0 {
		t.Error("path should be invalidated")
	}

	s.api.Verifier.Cache().Lookup(path, "build01")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/known-hosts/invalidate", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	var body map[string]int
	decode(t, rec, &body)
	if body["invalidated_count"] != 1 {
		t.Errorf("invalidated_count = %d, want 1", body["invalidated_count"])
	}
}

func TestGetServerLogs_NoLogFile(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, http.MethodGet, "/api/v1/logs?lines=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if _, ok := body["logs"]; !ok {
		t.Error("expected logs key")
	}
}

func TestVerify_FailuresBlockClient(t *testing.T) {
	s := newTestServer(t, false)
	s.api.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{MaxConsecFailures: 2})
	s.handler = s.api.Router()

	sig := s.sign(t, "hello")
	bad := verifyRequest{
		Original:   "hellobad",
		Signatures: []string{base64.StdEncoding.EncodeToString(sig.Blob)},
	}
	for i := 0; i < 2; i++ {
		if w := s.do(t, http.MethodPost, "/api/v1/verify", bad); w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i+1, w.Code)
		}
	}

	good := verifyRequest{
		Original:   "hello",
		Signatures: []string{base64.StdEncoding.EncodeToString(sig.Blob)},
	}
	if w := s.do(t, http.MethodPost, "/api/v1/verify", good); w.Code != http.StatusTooManyRequests {
		t.Errorf("blocked client: status = %d, want 429", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/identities", nil); w.Code != http.StatusOK {
		t.Errorf("identities are not rate limited: status = %d", w.Code)
	}
}

func TestVerify_NoIdentitiesDoesNotBlockClient(t *testing.T) {
	v := keyauth.NewVerifier(keyauth.VerifierConfig{Account: "tester", DisableAgent: true, DisableAuthorizedKeys: true})
	t.Cleanup(func() { v.Close() })
	api := &API{
		Verifier: v,
		Limiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{MaxConsecFailures: 1}),
	}
	s := &testServer{api: api, handler: api.Router(), pair: testkeys.Ed25519(t, "")}

	req := verifyRequest{
		Original:   "hello",
		Signatures: []string{base64.StdEncoding.EncodeToString(s.sign(t, "hello").Blob)},
	}
	for i := 0; i < 3; i++ {
		w := s.do(t, http.MethodPost, "/api/v1/verify", req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want 200", i+1, w.Code)
		}
		var resp verifyResponse
		decode(t, w, &resp)
		if resp.Reason != string(keyauth.ReasonNoIdentities) {
			t.Errorf("attempt %d: reason = %q", i+1, resp.Reason)
		}
	}
	if st := api.Limiter.Status("192.0.2.1"); st.ConsecFailures != 0 || st.Blocked {
		t.Errorf("status = %+v, want no failures", st)
	}
}

func TestRateLimitStatusAndReset(t *testing.T) {
	s := newTestServer(t, false)
	s.api.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{MaxConsecFailures: 1})
	s.handler = s.api.Router()

	bad := verifyRequest{
		Original:   "hellobad",
		Signatures: []string{base64.StdEncoding.EncodeToString(s.sign(t, "hello").Blob)},
	}
	s.do(t, http.MethodPost, "/api/v1/verify", bad)

	w := s.do(t, http.MethodGet, "/api/v1/rate-limit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Client string                     `json:"client"`
		Status middleware.RateLimitStatus `json:"status"`
	}
	decode(t, w, &body)
	if body.Client != "192.0.2.1" || !body.Status.Blocked || body.Status.ConsecFailures != 1 {
		t.Errorf("unexpected status: %+v", body)
	}

	if w := s.do(t, http.MethodDelete, "/api/v1/rate-limit", nil); w.Code != http.StatusBadRequest {
		t.Errorf("reset without client: status = %d, want 400", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/api/v1/rate-limit?client=192.0.2.1", nil); w.Code != http.StatusOK {
		t.Fatalf("reset: status = %d", w.Code)
	}
	if st := s.api.Limiter.Status("192.0.2.1"); st.Blocked || st.ConsecFailures != 0 {
		t.Errorf("status after reset = %+v", st)
	}
}

func TestRateLimitStatus_Disabled(t *testing.T) {
	s := newTestServer(t, false)
	if w := s.do(t, http.MethodGet, "/api/v1/rate-limit", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAllowedIPs(t *testing.T) {
	s := newTestServer(t, false)
	networks, err := middleware.ParseAllowedIPs("10.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseAllowedIPs() error: %v", err)
	}
	s.api.AllowedIPs = networks
	s.handler = s.api.Router()

	// httptest requests come from 192.0.2.1.
	if w := s.do(t, http.MethodGet, "/api/v1/identities", nil); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health is not restricted: status = %d", w.Code)
	}
}
