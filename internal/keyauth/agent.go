package keyauth

import (
	"fmt"
	"log"

	"github.com/gluk-w/sshkeyauth/internal/agentconn"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// agentIdentities lists the agent's keys. A listing failure disables the
// agent until it is re-enabled.
func agentIdentities(conn *agentconn.Conn) []identity.Identity {
	if !conn.EnsureConnected() {
		return nil
	}
	keys, err := conn.Identities()
	if err != nil {
		conn.Disable(fmt.Sprintf("list identities: %v", err))
		return nil
	}
	ids := make([]identity.Identity, 0, len(keys))
	for _, k := range keys {
		pub, err := ssh.ParsePublicKey(k.Blob)
		if err != nil {
			log.Printf("[agent] skipping key %s: %v", logutil.SanitizeForLog(k.Comment), err)
			continue
		}
		ids = append(ids, identity.NewAgentKey(pub, k.Comment, conn))
	}
	return ids
}
