// Package keyauth signs messages with SSH keys and verifies those signatures
// against a trust set.
//
// A [Signer] signs with every key it can reach: each identity held by the
// ssh-agent followed by any private key files added to it. A [Verifier]
// checks signatures against the agent's identities, the account's
// authorized_keys file and any keys added explicitly (public key files,
// inline key data, known_hosts entries).
//
// Verification never fails with an error. A signature that cannot be
// checked is simply not verified; [Results.Reason] tells the cases apart.
package keyauth
