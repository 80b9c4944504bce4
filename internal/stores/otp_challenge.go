package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpChallengeVersionV1 = 1
)

var (
	ErrOTPChallengeNotFound = errors.New("otp challenge not found")
	ErrOTPChallengeExpired  = errors.New("otp challenge expired")
	ErrOTPChallengeMismatch = errors.New("otp challenge mismatch")
	ErrOTPChallengeExceeded = errors.New("otp challenge attempts exceeded")
	ErrOTPChallengeBackend  = errors.New("otp challenge backend unavailable")
)

// OTPChallenge binds one mobile number of a tenant to the hash of the code
// last sent to it.
type OTPChallenge struct {
	IdentityID string
	CodeHash   [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

// OTPChallengeStore keeps exactly one challenge slot per tenant and mobile.
type OTPChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewOTPChallengeStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *OTPChallengeStore {
	if prefix == "" {
		prefix = "otp"
	}
	if now == nil {
		now = time.Now
	}
	return &OTPChallengeStore{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *OTPChallengeStore) key(tenantID, mobile string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + mobile
}

// Save writes record into the slot, replacing any previous challenge.
func (s *OTPChallengeStore) Save(ctx context.Context, tenantID, mobile string, record *OTPChallenge) error {
	ttl := remaining(s.now(), record.ExpiresAt)
	if ttl <= 0 {
		return ErrOTPChallengeExpired
	}
	encoded, err := encodeOTPChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(tenantID, mobile), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	return nil
}

// Get returns the live challenge without touching its attempt counter.
func (s *OTPChallengeStore) Get(ctx context.Context, tenantID, mobile string) (*OTPChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID, mobile)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrOTPChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	record, err := decodeOTPChallenge(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tenantID, mobile)).Result()
		return nil, ErrOTPChallengeExpired
	}
	return record, nil
}

// Consume checks providedHash against the stored code. A match deletes the
// slot and returns the record; a mismatch counts one attempt. Once
// maxAttempts wrong codes were recorded every further call returns
// ErrOTPChallengeExceeded without comparing, until the slot expires or is
// replaced by a resend.
func (s *OTPChallengeStore) Consume(
	ctx context.Context,
	tenantID, mobile string,
	providedHash [32]byte,
	maxAttempts int,
) (*OTPChallenge, error) {
	key := s.key(tenantID, mobile)

	for i := 0; i < maxCASRetries; i++ {
		var matched *OTPChallenge

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOTPChallenge(data)
			if err != nil {
				return err
			}

			now := s.now()
			if now.Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrOTPChallengeExpired
			}

			if int(record.Attempts) >= maxAttempts {
				return ErrOTPChallengeExceeded
			}

			if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
				record.Attempts++
				ttl := remaining(now, record.ExpiresAt)
				if ttl <= 0 {
					ttl = time.Second
				}
				updated, err := encodeOTPChallenge(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrOTPChallengeMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}
			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrOTPChallengeNotFound
			case errors.Is(err, ErrOTPChallengeExpired),
				errors.Is(err, ErrOTPChallengeMismatch),
				errors.Is(err, ErrOTPChallengeExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
			}
		}
		return matched, nil
	}

	// Every retry lost to a concurrent writer; the winner consumed or
	// replaced the slot.
	return nil, ErrOTPChallengeNotFound
}

func (s *OTPChallengeStore) Delete(ctx context.Context, tenantID, mobile string) error {
	if err := s.redis.Del(ctx, s.key(tenantID, mobile)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPChallengeBackend, err)
	}
	return nil
}

func encodeOTPChallenge(record *OTPChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(otpChallengeVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeString(&buf, record.IdentityID); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeOTPChallenge(data []byte) (*OTPChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpChallengeVersionV1 {
		return nil, errors.New("invalid otp challenge version")
	}

	record := &OTPChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.IdentityID, err = readString(reader); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	return record, nil
}
