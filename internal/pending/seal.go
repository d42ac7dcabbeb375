package pending

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// DefaultSealTTL is how long a pending action can be confirmed.
const DefaultSealTTL = 24 * time.Hour

// Sealer signs the dispatch payloads a Gate builds. The dispatcher only
// performs payloads whose seal verifies, so recipients, subject and body
// cannot be changed or invented between confirmation and dispatch.
type Sealer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSealer creates a sealer. A ttl of zero uses DefaultSealTTL.
func NewSealer(secret []byte, ttl time.Duration) *Sealer {
	if ttl <= 0 {
		ttl = DefaultSealTTL
	}
	return &Sealer{secret: secret, ttl: ttl, now: time.Now}
}

type sealClaims struct {
	Kind   string `json:"knd"`
	Digest string `json:"dig"`
	jwt.RegisteredClaims
}

// Seal returns a token binding the payload to tenantID.
func (s *Sealer) Seal(tenantID string, payload map[string]any) (string, error) {
	dig, err := digest(payload)
	if err != nil {
		return "", err
	}
	kind, _ := payload[model.PayloadKind].(string)
	key, _ := payload[model.PayloadIdempotencyKey].(string)
	now := s.now()
	claims := sealClaims{
		Kind:   kind,
		Digest: dig,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        key,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks that payload carries a valid seal for tenantID and was not
// altered after sealing.
func (s *Sealer) Verify(tenantID string, payload map[string]any) error {
	if s == nil {
		return fmt.Errorf("%w: dispatch sealing is not configured", ErrInvalidPayload)
	}
	raw, _ := payload[model.PayloadSeal].(string)
	if raw == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, model.PayloadSeal)
	}

	var claims sealClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", ErrInvalidPayload, err)
	}
	if claims.Subject != tenantID {
		return fmt.Errorf("%w: sealed for another tenant", ErrInvalidPayload)
	}
	key, _ := payload[model.PayloadIdempotencyKey].(string)
	if claims.ID != key {
		return fmt.Errorf("%w: idempotency key does not match its seal", ErrInvalidPayload)
	}
	dig, err := digest(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dig != claims.Digest {
		return fmt.Errorf("%w: payload does not match its seal", ErrInvalidPayload)
	}
	return nil
}

// digest hashes the payload without its seal. The payload is passed through
// a JSON round trip first so that the Go values a handler builds and the
// decoded values a client sends back hash the same.
func digest(payload map[string]any) (string, error) {
	unsealed := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != model.PayloadSeal {
			unsealed[k] = v
		}
	}
	b, err := json.Marshal(unsealed)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if b, err = json.Marshal(norm); err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
