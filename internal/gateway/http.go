package gateway

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/apiverse/apiverse/internal/ratelimit"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// Window quota headers. Reset values are unix timestamps.
const (
	headerLimitHour     = "X-Ratelimit-Limit-Hour"
	headerRemainingHour = "X-Ratelimit-Remaining-Hour"
	headerResetHour     = "X-Ratelimit-Reset-Hour"
	headerLimitDay      = "X-Ratelimit-Limit-Day"
	headerRemainingDay  = "X-Ratelimit-Remaining-Day"
	headerResetDay      = "X-Ratelimit-Reset-Day"
)

var rateLimitHeaders = map[string]struct{}{
	headerLimitHour:     {},
	headerRemainingHour: {},
	headerResetHour:     {},
	headerLimitDay:      {},
	headerRemainingDay:  {},
	headerResetDay:      {},
}

// requestIDRng is a CSPRNG seeded from crypto/rand. ChaCha8 avoids a
// syscall per ID.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Allowed characters: alphanumeric, hyphens, underscores, dots,
// colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by the gateway.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. Headers already
// set on w, such as the window quota headers, are kept.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// setRateLimitHeaders writes the quota headers of every enabled window.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	if d.LimitHour > 0 {
		h.Set(headerLimitHour, strconv.FormatInt(d.LimitHour, 10))
		h.Set(headerRemainingHour, strconv.FormatInt(d.RemainingHour, 10))
		h.Set(headerResetHour, strconv.FormatInt(d.ResetHour.Unix(), 10))
	}
	if d.LimitDay > 0 {
		h.Set(headerLimitDay, strconv.FormatInt(d.LimitDay, 10))
		h.Set(headerRemainingDay, strconv.FormatInt(d.RemainingDay, 10))
		h.Set(headerResetDay, strconv.FormatInt(d.ResetDay.Unix(), 10))
	}
}

func serveRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	secs := int64(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", float64(secs))
}
