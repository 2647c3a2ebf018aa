package testkeys

import (
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh/agent"
)

// ServeAgent starts an in-process ssh-agent holding pairs on a unix socket
// and returns the socket path. The agent stops when the test ends.
func ServeAgent(t testing.TB, pairs ...Pair) string {
	t.Helper()
	keyring := agent.NewKeyring()
	for _, p := range pairs {
		if err := keyring.Add(agent.AddedKey{PrivateKey: p.Key, Comment: p.Comment}); err != nil {
			t.Fatalf("add key to agent: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen on agent socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				agent.ServeAgent(keyring, c)
			}()
		}
	}()
	return path
}
