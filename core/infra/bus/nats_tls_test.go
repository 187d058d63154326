package bus

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSignedPair writes a throwaway CA certificate and its EC key.
func selfSignedPair(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "crossctx-nats-test"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certPath = filepath.Join(dir, "nats.crt")
	keyPath = filepath.Join(dir, "nats.key")
	writePEM(t, certPath, "CERTIFICATE", der)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)
	return certPath, keyPath
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNATSTLSConfigFromEnv(t *testing.T) {
	certPath, keyPath := selfSignedPair(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	cases := []struct {
		name    string
		env     map[string]string
		wantNil bool
		wantErr bool
		check   func(t *testing.T, certs int, roots, insecure bool)
	}{
		{name: "unset", wantNil: true},
		{
			name: "insecure only",
			env:  map[string]string{envNATSTLSInsecure: "yes"},
			check: func(t *testing.T, certs int, roots, insecure bool) {
				if !insecure || roots || certs != 0 {
					t.Fatalf("unexpected config certs=%d roots=%v insecure=%v", certs, roots, insecure)
				}
			},
		},
		{
			name: "mutual tls",
			env:  map[string]string{envNATSTLSCA: certPath, envNATSTLSCert: certPath, envNATSTLSKey: keyPath},
			check: func(t *testing.T, certs int, roots, insecure bool) {
				if insecure || !roots || certs != 1 {
					t.Fatalf("unexpected config certs=%d roots=%v insecure=%v", certs, roots, insecure)
				}
			},
		},
		{name: "cert without key", env: map[string]string{envNATSTLSCert: certPath}, wantErr: true},
		{name: "key without cert", env: map[string]string{envNATSTLSKey: keyPath}, wantErr: true},
		{name: "ca not pem", env: map[string]string{envNATSTLSCA: garbage}, wantErr: true},
		{name: "ca missing", env: map[string]string{envNATSTLSCA: filepath.Join(t.TempDir(), "absent.pem")}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{envNATSTLSCA, envNATSTLSCert, envNATSTLSKey, envNATSTLSInsecure} {
				t.Setenv(k, tc.env[k])
			}
			cfg, err := natsTLSConfigFromEnv()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantNil {
				if cfg != nil {
					t.Fatalf("expected no TLS config")
				}
				return
			}
			if cfg == nil {
				t.Fatalf("expected TLS config")
			}
			tc.check(t, len(cfg.Certificates), cfg.RootCAs != nil, cfg.InsecureSkipVerify)
		})
	}
}
