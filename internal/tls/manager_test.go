package tls

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"phone-auth-service/internal/config"
)

func TestSelfSignedFallbackOutsideProduction(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(config.ServerConfig{EnableTLS: true, AutoCertDir: dir, Domain: "auth.local"}, false)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil || len(cert.Certificate) == 0 {
		t.Fatal("expected a certificate")
	}
	if _, err := os.Stat(filepath.Join(dir, "dev-cert.pem")); err != nil {
		t.Fatalf("certificate not written: %v", err)
	}

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || again != cert {
		t.Fatal("expected the cached certificate")
	}
}

func TestNoSelfSignedInProduction(t *testing.T) {
	m := NewManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, true)

	if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"}); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("err = %v, want ErrNoCertificate", err)
	}
}

func TestDevCertReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	second, err := gen.GenerateCert([]string{"localhost"})
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatal("expected the stored certificate to be reused")
	}
}

func TestFileCertErrorSurfaces(t *testing.T) {
	m := NewManager(config.ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}, false)
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatal("expected an error for a missing key pair")
	}
}
