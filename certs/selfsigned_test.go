package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"
)

func TestNew_Identity(t *testing.T) {
	t.Parallel()

	cert, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if leaf.Subject.CommonName != "serialwarp-dev-link" {
		t.Errorf("CommonName = %q", leaf.Subject.CommonName)
	}

	// The lifetime is fixed, not caller-chosen: one listener session
	// plus the skew backdate, nothing configurable.
	validity := leaf.NotAfter.Sub(leaf.NotBefore)
	if validity != ephemeralValidity {
		t.Errorf("validity %v, want %v", validity, ephemeralValidity)
	}
	if leaf.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if !leaf.NotBefore.Before(time.Now()) {
		t.Error("cert not yet valid despite skew backdate")
	}
	if cert.NotAfter != leaf.NotAfter {
		t.Error("NotAfter field disagrees with the certificate")
	}
}

// TestNew_EachListenerGetsItsOwn pins the ephemeral design: two listener
// sessions must never share an identity.
func TestNew_EachListenerGetsItsOwn(t *testing.T) {
	t.Parallel()

	a, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("two sessions minted the same certificate")
	}
}

// TestNew_PeerObservedFingerprint performs a real TLS handshake against
// the minted identity, the way a QUIC dialer does, and checks that the
// leaf certificate the peer observes hashes to FingerprintBase64 — the
// value an operator compares against the listener's log line.
func TestNew_PeerObservedFingerprint(t *testing.T) {
	t.Parallel()

	cert, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	server := tls.Server(serverConn, &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Handshake()
	}()

	var observed []byte
	client := tls.Client(clientConn, &tls.Config{
		// Mirrors the dev link's dialer: no chain verification, the
		// raw leaf is all a peer can pin.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			observed = rawCerts[0]
			return nil
		},
	})
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	if observed == nil {
		t.Fatal("peer observed no certificate")
	}
	if sha256.Sum256(observed) != cert.Fingerprint {
		t.Error("peer-observed leaf does not hash to the recorded fingerprint")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
}
