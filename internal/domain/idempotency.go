package domain

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// HeaderIdempotencyKey is the outbound header carrying the idempotency key on
// POST/PUT calls to the remote API.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// MaxIdempotencyKeyLen caps accepted caller-supplied keys.
const MaxIdempotencyKeyLen = 200

// idempotencyKeyPattern is a conservative RFC7230-like token pattern.
var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// NewIdempotencyKey mints a fresh key for a brand-new user-initiated action.
func NewIdempotencyKey() string { return uuid.NewString() }

// ValidIdempotencyKey reports whether key is acceptable as an idempotency key.
func ValidIdempotencyKey(key string) bool {
	return key != "" && len(key) <= MaxIdempotencyKeyLen && idempotencyKeyPattern.MatchString(key)
}

// CarriesIdempotencyKey reports whether requests with method get the
// idempotency header attached.
func CarriesIdempotencyKey(method string) bool {
	return method == http.MethodPost || method == http.MethodPut
}
