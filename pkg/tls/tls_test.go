package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	if err := GenerateSelfSignedCert(certFile, keyFile, "coordinator", "10.0.0.1", "coordinator.local"); err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}

	pemBytes, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing cert: %v", err)
	}

	if err := cert.VerifyHostname("coordinator.local"); err != nil {
		t.Errorf("extra DNS name missing from SANs: %v", err)
	}
	if err := cert.VerifyHostname("10.0.0.1"); err != nil {
		t.Errorf("extra IP missing from SANs: %v", err)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost should always be included: %v", err)
	}
}

func TestEnsureServerCertKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	if err := EnsureServerCert(certFile, keyFile, "coordinator"); err != nil {
		t.Fatalf("EnsureServerCert failed: %v", err)
	}
	before, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}

	if err := EnsureServerCert(certFile, keyFile, "coordinator"); err != nil {
		t.Fatalf("second EnsureServerCert failed: %v", err)
	}
	after, _ := os.ReadFile(certFile)
	if string(before) != string(after) {
		t.Error("EnsureServerCert must not regenerate an existing pair")
	}
}
