package verification

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "attestor/pkg/domain-errors"
)

// CallbackTokens mints and validates the signed state tokens carried by
// vendor webhooks. A callback is only trusted after its token verifies and
// its transaction claim matches a known scan.
type CallbackTokens struct {
	key []byte
	ttl time.Duration
}

type callbackClaims struct {
	TransactionID int64 `json:"txn"`
	jwt.RegisteredClaims
}

func NewCallbackTokens(key string, ttl time.Duration) *CallbackTokens {
	return &CallbackTokens{key: []byte(key), ttl: ttl}
}

func (t *CallbackTokens) Mint(txID int64) (string, error) {
	now := time.Now()
	claims := callbackClaims{
		TransactionID: txID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Validate returns the transaction id bound into a token.
func (t *CallbackTokens) Validate(token string) (int64, error) {
	var claims callbackClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return 0, dErrors.New(dErrors.CodeUnauthorized, "invalid callback token")
	}
	if claims.TransactionID <= 0 {
		return 0, dErrors.New(dErrors.CodeUnauthorized, "callback token carries no transaction")
	}
	return claims.TransactionID, nil
}
