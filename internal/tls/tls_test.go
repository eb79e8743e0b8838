package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("leaf certificate is nil")
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}

	foundIP := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			foundIP = true
			break
		}
	}
	if !foundIP {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, cert, err := ServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestServerConfig_ServesReturnedCertificate(t *testing.T) {
	t.Parallel()

	tlsConfig, cert, err := ServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	served := tlsConfig.Certificates[0].Certificate[0]
	if string(served) != string(cert.Certificate[0]) {
		t.Error("config must serve the certificate it returns")
	}

	_, other, err := ServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(other.Certificate[0]) == string(cert.Certificate[0]) {
		t.Error("each call must generate a fresh certificate")
	}
}

func TestClientConfig_NoCAFile(t *testing.T) {
	t.Parallel()

	cfg, err := ClientConfig("smtp.example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerName != "smtp.example.com" {
		t.Errorf("ServerName: got %q", cfg.ServerName)
	}
	if cfg.RootCAs != nil {
		t.Error("RootCAs: expected system pool (nil)")
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify must never be set")
	}
}

func TestClientConfig_CAFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		caFile string
	}{
		{name: "missing file", caFile: filepath.Join(dir, "missing.pem")},
		{name: "no certificates", caFile: garbage},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ClientConfig("localhost", tt.caFile); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestClientConfig_VerifiesAgainstCAFile(t *testing.T) {
	t.Parallel()

	serverCfg, cert, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, EncodeCertPEM(cert), 0o644); err != nil {
		t.Fatal(err)
	}

	ln, err := standardtls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.(*standardtls.Conn).Handshake()
			conn.Close()
		}
	}()

	trusted, err := ClientConfig("localhost", caFile)
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if err := handshake(ln.Addr().String(), trusted); err != nil {
		t.Errorf("handshake with CA file: %v", err)
	}

	untrusted, err := ClientConfig("localhost", "")
	if err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if err := handshake(ln.Addr().String(), untrusted); err == nil {
		t.Error("expected handshake to fail without the CA file")
	}
}

func handshake(addr string, cfg *standardtls.Config) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := standardtls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}
