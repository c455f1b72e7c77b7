package pow

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Engine searches for proof-of-work nonces accepted by the key-issuing
// upstream. The upstream verifies cheaply: it recomputes one MD5 and checks
// the difficulty prefix, so the whole scheme is an anti-automation tax rather
// than real security. Parameters come from configuration because the upstream
// changes them without notice.
type Engine struct {
	Threshold     int64 // accept when the first 4 hex chars parse below this
	MaxIterations int   // nonce search ceiling
}

// Result carries the found nonce and how hard it was to find. Iterations
// feeds the metrics histogram. Exhausted means the ceiling was hit and the
// last attempted nonce was returned anyway; the upstream will reject it and
// the caller treats that as a retryable failure.
type Result struct {
	Nonce      int
	Hash       string
	Iterations int
	Exhausted  bool
}

// ComputeNonce finds the first nonce from 0 upward whose challenge hash
// clears the difficulty target.
//
// The challenge hash for nonce n is
//
//	MD5(hex(HMAC-SHA256(secretKey, resource)) || resource || keyNumber || timestamp || n)
//
// with every component rendered in decimal/lowercase-hex string form and the
// first 4 hex characters of the digest parsed as an integer. The HMAC is
// computed once per call; only the trailing nonce varies inside the loop.
// This routine is pure and must stay bit-for-bit reproducible: same
// primitives, same concatenation order, same threshold semantics.
func (e *Engine) ComputeNonce(secretKey, resource, keyNumber string, timestamp int64) Result {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(resource))
	macHex := hex.EncodeToString(mac.Sum(nil))

	prefix := macHex + resource + keyNumber + strconv.FormatInt(timestamp, 10)

	var last Result
	for nonce := 0; nonce < e.MaxIterations; nonce++ {
		sum := md5.Sum([]byte(prefix + strconv.Itoa(nonce)))
		digest := hex.EncodeToString(sum[:])

		value, err := strconv.ParseInt(digest[:4], 16, 64)
		if err != nil {
			// hex digest prefix always parses; kept for completeness
			continue
		}

		last = Result{Nonce: nonce, Hash: digest, Iterations: nonce + 1}
		if value < e.Threshold {
			return last
		}
	}

	// Ceiling hit: hand back the last attempt rather than failing. The
	// upstream rejects bad nonces anyway, which callers treat as retryable.
	last.Exhausted = true
	return last
}
