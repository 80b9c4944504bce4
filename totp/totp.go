package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SecretBytes is the size of generated shared secrets (160 bits).
const SecretBytes = 20

var (
	ErrUnsupportedAlgorithm = errors.New("totp: unsupported algorithm")
	ErrEmptySecret          = errors.New("totp: empty secret")
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config describes the RFC 6238 parameters shared with authenticator apps.
type Config struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	// Skew is the number of periods accepted on each side of the current one.
	Skew int
}

// Generator creates and checks time-based codes.
type Generator struct {
	config Config
}

// New returns a Generator. Zero fields fall back to 6 digits, 30 second
// periods and SHA1.
func New(cfg Config) *Generator {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	return &Generator{config: cfg}
}

// GenerateSecret returns a random secret and its unpadded base32 form.
func (g *Generator) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, SecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, EncodeSecret(raw), nil
}

// EncodeSecret renders a raw secret the way authenticator apps expect it.
func EncodeSecret(secret []byte) string {
	return secretEncoding.EncodeToString(secret)
}

// DecodeSecret accepts upper or lower case, with or without padding.
func DecodeSecret(encoded string) ([]byte, error) {
	clean := strings.ToUpper(strings.TrimRight(strings.TrimSpace(encoded), "="))
	return secretEncoding.DecodeString(clean)
}

// ProvisioningURI builds the otpauth:// URI rendered as a QR code.
func (g *Generator) ProvisioningURI(secretBase32, account string) string {
	issuer := g.config.Issuer
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(g.config.Period))
	v.Set("digits", strconv.Itoa(g.config.Digits))
	v.Set("algorithm", strings.ToUpper(g.config.Algorithm))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Counter is the time step containing now.
func (g *Generator) Counter(now time.Time) int64 {
	return now.Unix() / int64(g.config.Period)
}

// Code returns the code for one time step.
func (g *Generator) Code(secret []byte, counter int64) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	return hotp(secret, counter, g.config.Digits, g.config.Algorithm)
}

// Verify checks code against every step within the skew window and returns
// the matching counter. Callers reject counters at or below the last accepted
// one to stop replays.
func (g *Generator) Verify(secret []byte, code string, now time.Time) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != g.config.Digits || !numeric(trimmed) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, ErrEmptySecret
	}

	base := g.Counter(now)
	for step := -g.config.Skew; step <= g.config.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotp(secret, counter, g.config.Digits, g.config.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

func hotp(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	// RFC 4226 dynamic truncation.
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func numeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
