package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RequestSigner holds the credentials for HMAC-authenticated exchange
// requests. The secret is kept as bytes so it can be wiped on shutdown.
type RequestSigner struct {
	key    string
	secret []byte
}

// NewRequestSigner creates a signer for the given API key and secret.
func NewRequestSigner(key, secret string) *RequestSigner {
	return &RequestSigner{key: key, secret: []byte(secret)}
}

// APIKey returns the API key sent in the request header.
func (s *RequestSigner) APIKey() string {
	return s.key
}

// HasCredentials reports whether both key and secret are present.
func (s *RequestSigner) HasCredentials() bool {
	return s != nil && s.key != "" && len(s.secret) > 0
}

// SignParams adds timestamp and recvWindow to params and returns the encoded
// query with its signature appended. The signature is hex
// HMAC-SHA256(secret, canonical query) where the canonical query is the
// parameters sorted by key.
func (s *RequestSigner) SignParams(params url.Values, recvWindowMs int64) string {
	return s.SignParamsAt(params, recvWindowMs, time.Now().UnixMilli())
}

// SignParamsAt is like SignParams but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (s *RequestSigner) SignParamsAt(params url.Values, recvWindowMs int64, unixMs int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(unixMs, 10))
	if recvWindowMs > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindowMs, 10))
	}
	query := CanonicalQuery(params)
	return query + "&signature=" + hmacSHA256Hex(s.secret, query)
}

// Verify recomputes the signature of a signed query and reports whether it
// matches. Any change to a parameter after signing is detected.
func (s *RequestSigner) Verify(signedQuery string) bool {
	idx := strings.LastIndex(signedQuery, "&signature=")
	if idx < 0 {
		return false
	}
	payload, sig := signedQuery[:idx], signedQuery[idx+len("&signature="):]
	expected := hmacSHA256Hex(s.secret, payload)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Wipe zeroes the secret. The signer is unusable afterwards.
func (s *RequestSigner) Wipe() {
	if s == nil {
		return
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
}

// CanonicalQuery encodes params sorted by key. Multi-valued keys keep their
// insertion order.
func CanonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result hex-encoded.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *RequestSigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("RequestSigner{key=%s, secret=****}", redact(s.key))
}
