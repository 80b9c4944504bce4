package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	loginSessionVersionV1 = 1
)

var (
	ErrLoginSessionNotFound = errors.New("login session not found")
	ErrLoginSessionExpired  = errors.New("login session expired")
	ErrLoginSessionBackend  = errors.New("login session backend unavailable")
)

// LoginSession is the pending second-factor state between a successful
// password check and token issuance.
type LoginSession struct {
	IdentityID string
	TenantID   string
	ExpiresAt  int64
	Attempts   uint16
}

type LoginSessionStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewLoginSessionStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *LoginSessionStore {
	if prefix == "" {
		prefix = "als"
	}
	if now == nil {
		now = time.Now
	}
	return &LoginSessionStore{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *LoginSessionStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *LoginSessionStore) Save(ctx context.Context, sessionID string, record *LoginSession) error {
	ttl := remaining(s.now(), record.ExpiresAt)
	if ttl <= 0 {
		return ErrLoginSessionExpired
	}
	encoded, err := encodeLoginSession(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(sessionID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginSessionBackend, err)
	}
	return nil
}

func (s *LoginSessionStore) Get(ctx context.Context, sessionID string) (*LoginSession, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrLoginSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLoginSessionBackend, err)
	}

	record, err := decodeLoginSession(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(sessionID)).Result()
		return nil, ErrLoginSessionExpired
	}
	return record, nil
}

// Delete removes the session and reports whether this caller removed it.
// Concurrent verifications race here; only one sees true.
func (s *LoginSessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLoginSessionBackend, err)
	}
	return n > 0, nil
}

// RecordFailure counts one wrong second factor. When maxAttempts is reached
// the session is dropped and exceeded is true.
func (s *LoginSessionStore) RecordFailure(ctx context.Context, sessionID string, maxAttempts int) (bool, error) {
	key := s.key(sessionID)

	for i := 0; i < maxCASRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeLoginSession(data)
			if err != nil {
				return err
			}

			now := s.now()
			ttl := remaining(now, record.ExpiresAt)
			if now.Unix() > record.ExpiresAt || ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrLoginSessionExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeLoginSession(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrLoginSessionNotFound
			}
			if errors.Is(err, ErrLoginSessionExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrLoginSessionBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrLoginSessionNotFound
}

func encodeLoginSession(record *LoginSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(loginSessionVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.IdentityID); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.TenantID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeLoginSession(data []byte) (*LoginSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != loginSessionVersionV1 {
		return nil, errors.New("invalid login session version")
	}

	record := &LoginSession{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.IdentityID, err = readString(reader); err != nil {
		return nil, err
	}
	if record.TenantID, err = readString(reader); err != nil {
		return nil, err
	}
	return record, nil
}
