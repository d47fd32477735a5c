package sshmux

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// newServerConfig builds an ssh.ServerConfig that accepts any offered
// client public key. Spec §4.4: "Authentication accepts any offered client
// key; the security boundary is the socket's file-system permissions
// (owner-only)." The offered SSH username is taken verbatim as the
// ContainerName by the caller.
func newServerConfig() (*ssh.ServerConfig, error) {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}

	signer, err := newEphemeralHostKey()
	if err != nil {
		return nil, fmt.Errorf("sshmux: generate host key: %w", err)
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

// newEphemeralHostKey generates a fresh ed25519 host key for the listener's
// lifetime. The daemon holds no persistent state (spec §1 non-goals), so
// there is no host key to load from disk; containers never verify it since
// authentication is socket-permission based, not cryptographic.
func newEphemeralHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
