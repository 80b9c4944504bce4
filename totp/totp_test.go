package totp

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestVerifyRFC6238Vectors(t *testing.T) {
	vectors := []struct {
		algorithm string
		secret    string
		codes     map[int64]string
	}{
		{
			algorithm: "SHA1",
			secret:    "12345678901234567890",
			codes: map[int64]string{
				59: "94287082", 1111111109: "07081804", 1111111111: "14050471",
				1234567890: "89005924", 2000000000: "69279037", 20000000000: "65353130",
			},
		},
		{
			algorithm: "SHA256",
			secret:    "12345678901234567890123456789012",
			codes: map[int64]string{
				59: "46119246", 1111111109: "68084774", 1111111111: "67062674",
				1234567890: "91819424", 2000000000: "90698825", 20000000000: "77737706",
			},
		},
		{
			algorithm: "SHA512",
			secret:    "1234567890123456789012345678901234567890123456789012345678901234",
			codes: map[int64]string{
				59: "90693936", 1111111109: "25091201", 1111111111: "99943326",
				1234567890: "93441116", 2000000000: "38618901", 20000000000: "47863826",
			},
		},
	}

	for _, v := range vectors {
		g := New(Config{Issuer: "tenantauth", Digits: 8, Period: 30, Algorithm: v.algorithm})
		for ts, code := range v.codes {
			ok, counter, err := g.Verify([]byte(v.secret), code, time.Unix(ts, 0))
			if err != nil || !ok {
				t.Fatalf("%s vector failed at t=%d, ok=%v err=%v", v.algorithm, ts, ok, err)
			}
			if counter != ts/30 {
				t.Fatalf("%s: expected counter %d, got %d", v.algorithm, ts/30, counter)
			}
		}
	}
}

func TestVerifySkewWindow(t *testing.T) {
	g := New(Config{Issuer: "tenantauth", Skew: 1})
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	base := g.Counter(now)

	for _, step := range []int64{-1, 0, 1} {
		code, err := g.Code(secret, base+step)
		if err != nil {
			t.Fatalf("code: %v", err)
		}
		ok, counter, err := g.Verify(secret, code, now)
		if err != nil || !ok || counter != base+step {
			t.Fatalf("step %d: ok=%v counter=%d err=%v", step, ok, counter, err)
		}
	}

	code, _ := g.Code(secret, base+2)
	if ok, _, _ := g.Verify(secret, code, now); ok {
		t.Fatal("code two steps ahead must be rejected")
	}
}

func TestVerifyRejectsMalformedCodes(t *testing.T) {
	g := New(Config{Issuer: "tenantauth", Skew: 1})
	secret := []byte("12345678901234567890")
	for _, code := range []string{"", "12345", "1234567", "12a456", "abcdef"} {
		if ok, _, err := g.Verify(secret, code, time.Now()); ok || err != nil {
			t.Fatalf("code %q: ok=%v err=%v", code, ok, err)
		}
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	g := New(Config{Algorithm: "MD5"})
	if _, err := g.Code([]byte("secret"), 1); err != ErrUnsupportedAlgorithm {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestSecretRoundTripAndURI(t *testing.T) {
	g := New(Config{Issuer: "Acme Corp", Digits: 6, Period: 30})
	raw, encoded, err := g.GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(raw) != SecretBytes || strings.Contains(encoded, "=") {
		t.Fatalf("unexpected secret %d bytes, %q", len(raw), encoded)
	}
	decoded, err := DecodeSecret(strings.ToLower(encoded))
	if err != nil || string(decoded) != string(raw) {
		t.Fatalf("decode mismatch: %v", err)
	}

	uri := g.ProvisioningURI(encoded, "jane@example.com")
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	if parsed.Scheme != "otpauth" || parsed.Host != "totp" {
		t.Fatalf("unexpected uri %q", uri)
	}
	q := parsed.Query()
	if q.Get("secret") != encoded || q.Get("issuer") != "Acme Corp" || q.Get("digits") != "6" || q.Get("algorithm") != "SHA1" {
		t.Fatalf("unexpected query %v", q)
	}
}
