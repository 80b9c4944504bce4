package stores

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const maxCASRetries = 4

var errFieldTooLong = errors.New("record field length exceeded")

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errFieldTooLong
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// remaining is the Redis TTL for a record expiring at the unix second
// expiresAt, or zero when it already expired. Records stay readable through
// the whole expiry second, so the key outlives it by the same margin.
func remaining(now time.Time, expiresAt int64) time.Duration {
	ttl := time.Unix(expiresAt+1, 0).Sub(now)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
