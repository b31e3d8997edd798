package tlsutil

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateConfigReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := GenerateConfig(validity, "")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "callroom" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "callroom")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
}

func TestGenerateConfigUsesHostnameAsCN(t *testing.T) {
	_, _, err := GenerateConfig(time.Hour, "node1")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	tlsCfg, _, err := GenerateConfig(time.Hour, "node1")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "node1" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "node1")
	}
	found := false
	for _, name := range leaf.DNSNames {
		if name == "node1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected node1 in DNS names, got %v", leaf.DNSNames)
	}
}

func TestGenerateConfigUniqueCerts(t *testing.T) {
	_, fp1, err := GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	_, fp2, err := GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateConfigSelfSigned(t *testing.T) {
	tlsCfg, _, err := GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate config: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("expected self-signed cert: issuer=%q subject=%q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}

	found := false
	for _, name := range leaf.DNSNames {
		if name == "localhost" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected localhost in DNS names, got %v", leaf.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   pool,
	})
	if err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}
