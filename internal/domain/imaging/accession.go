package imaging

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// AccessionLength is the DICOM SH maximum and the length of generated
	// numbers.
	AccessionLength = 16

	accessionTimeWidth = 7
	accessionRandWidth = AccessionLength - accessionTimeWidth
	accessionAttempts  = 8
)

const base36Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var base36Max = big.NewInt(int64(len(base36Digits)))

// NewAccessionNumber builds a 16 character number: the Unix time in
// zero-padded base36, which sorts chronologically, followed by nine random
// base36 characters.
func NewAccessionNumber(now time.Time, rnd io.Reader) (string, error) {
	ts := strings.ToUpper(strconv.FormatInt(now.Unix(), 36))
	if len(ts) < accessionTimeWidth {
		ts = strings.Repeat("0", accessionTimeWidth-len(ts)) + ts
	}

	var b strings.Builder
	b.Grow(AccessionLength)
	b.WriteString(ts)
	for i := 0; i < accessionRandWidth; i++ {
		n, err := rand.Int(rnd, base36Max)
		if err != nil {
			return "", fmt.Errorf("accession random: %w", err)
		}
		b.WriteByte(base36Digits[n.Int64()])
	}
	return b.String(), nil
}

// ValidateAccessionNumber checks a manually entered number against the DICOM
// SH value rules. Numbers are never trimmed or truncated to make them fit.
func ValidateAccessionNumber(number string) error {
	if number == "" {
		return NewValidationError("accessionNumber", "is required")
	}
	if len(number) > AccessionLength {
		return NewValidationError("accessionNumber", "must be at most %d characters, got %d", AccessionLength, len(number))
	}
	if strings.TrimSpace(number) != number {
		return NewValidationError("accessionNumber", "must not start or end with spaces")
	}
	for _, r := range number {
		if r < 0x20 || r > 0x7e || r == '\\' {
			return NewValidationError("accessionNumber", "contains a character not allowed in a DICOM short string: %q", r)
		}
	}
	return nil
}

// GenerateAccessionNumber returns a fresh number reserved for archiveID.
func (s *Service) GenerateAccessionNumber(ctx context.Context, archiveID int) (string, error) {
	if _, err := s.archives.Get(archiveID); err != nil {
		return "", err
	}
	for attempt := 0; attempt < accessionAttempts; attempt++ {
		number, err := NewAccessionNumber(s.now(), rand.Reader)
		if err != nil {
			return "", err
		}
		ok, err := s.reserver.Reserve(ctx, archiveID, number)
		if err != nil {
			return "", fmt.Errorf("reserve accession number: %w", err)
		}
		if ok {
			return number, nil
		}
	}
	return "", fmt.Errorf("could not reserve a unique accession number for archive %d after %d attempts", archiveID, accessionAttempts)
}

// checkManualAccession rejects a number that is malformed or already used by a
// request of the archive, then reserves it so the generator cannot hand it
// out later.
func (s *Service) checkManualAccession(ctx context.Context, archiveID int, number string) error {
	if err := ValidateAccessionNumber(number); err != nil {
		return err
	}
	existing, err := s.registry.RequestsByArchive(ctx, archiveID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.AccessionNumber == number {
			return NewValidationError("accessionNumber", "%s is already used in archive %d", number, archiveID)
		}
	}
	// A false result means the number came from GenerateAccessionNumber.
	// Claim decides whether it is still free.
	if _, err := s.reserver.Reserve(ctx, archiveID, number); err != nil {
		return fmt.Errorf("reserve accession number: %w", err)
	}
	return nil
}

// claimAccession takes number for a request about to be saved. Two requests
// racing for the same number get one winner.
func (s *Service) claimAccession(ctx context.Context, archiveID int, number string) error {
	ok, err := s.reserver.Claim(ctx, archiveID, number)
	if err != nil {
		return fmt.Errorf("claim accession number: %w", err)
	}
	if !ok {
		return NewValidationError("accessionNumber", "%s is already used in archive %d", number, archiveID)
	}
	return nil
}

func (s *Service) releaseAccession(ctx context.Context, archiveID int, number string) {
	if err := s.reserver.Release(context.WithoutCancel(ctx), archiveID, number); err != nil {
		s.logger.Warn().Err(err).Int("archive", archiveID).Str("accession", number).Msg("accession number not released")
	}
}

type numberSet map[int]map[string]struct{}

func (n numberSet) add(archiveID int, number string) bool {
	set, ok := n[archiveID]
	if !ok {
		set = make(map[string]struct{})
		n[archiveID] = set
	}
	if _, dup := set[number]; dup {
		return false
	}
	set[number] = struct{}{}
	return true
}

// MemoryReserver keeps reservations in process memory.
type MemoryReserver struct {
	mu    sync.Mutex
	taken numberSet
	used  numberSet
}

func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{taken: make(numberSet), used: make(numberSet)}
}

func (m *MemoryReserver) Reserve(_ context.Context, archiveID int, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taken.add(archiveID, number), nil
}

func (m *MemoryReserver) Claim(_ context.Context, archiveID int, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used.add(archiveID, number), nil
}

func (m *MemoryReserver) Release(_ context.Context, archiveID int, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used[archiveID], number)
	return nil
}

// RedisClient is the part of the Redis client RedisReserver needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisReserver shares reservations between service instances with SETNX.
type RedisReserver struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisReserver creates a reserver. A zero ttl keeps reservations forever.
func NewRedisReserver(client RedisClient, ttl time.Duration) *RedisReserver {
	return &RedisReserver{client: client, prefix: "imaging:accession", ttl: ttl}
}

func (r *RedisReserver) key(kind string, archiveID int, number string) string {
	return fmt.Sprintf("%s%s:%d:%s", r.prefix, kind, archiveID, number)
}

func (r *RedisReserver) Reserve(ctx context.Context, archiveID int, number string) (bool, error) {
	return r.client.SetNX(ctx, r.key("", archiveID, number), time.Now().Unix(), r.ttl).Result()
}

func (r *RedisReserver) Claim(ctx context.Context, archiveID int, number string) (bool, error) {
	return r.client.SetNX(ctx, r.key("-used", archiveID, number), time.Now().Unix(), r.ttl).Result()
}

func (r *RedisReserver) Release(ctx context.Context, archiveID int, number string) error {
	return r.client.Del(ctx, r.key("-used", archiveID, number)).Err()
}
