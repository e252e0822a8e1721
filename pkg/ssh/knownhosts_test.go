package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newTestKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newTestKey(t)

	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	// Unknown host is added
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Fatalf("Auto-add failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "127.0.0.1 ssh-ed25519 ") {
		t.Errorf("known_hosts not updated: %q", data)
	}

	// Known host with same key
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Verification failed for existing key: %v", err)
	}

	// Known host with a different key
	err = v.Verify("127.0.0.1:22", addr, newTestKey(t))
	if !errors.Is(err, ErrHostKeyChanged) {
		t.Errorf("expected ErrHostKeyChanged, got %v", err)
	}

	// Strict mode rejects unknown hosts
	strict, err := NewKnownHostsVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	err = strict.Verify("192.168.1.100:22", other, key)
	if !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("expected ErrHostKeyUnknown, got %v", err)
	}

	// Strict mode still accepts the key recorded earlier
	if err := strict.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("strict verifier rejected a known key: %v", err)
	}
}

func TestKnownHostsNonStandardPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := newTestKey(t)

	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 2222}
	if err := v.Verify("cam-07:2222", addr, key); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[cam-07]:2222") {
		t.Errorf("expected bracketed host with port, got %q", data)
	}
}
