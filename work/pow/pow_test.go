package pow

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
)

func TestComputeNonceDeterministic(t *testing.T) {
	engine := &Engine{Threshold: 0x1000, MaxIterations: 100000}

	first := engine.ComputeNonce("secret-token", "premium123", "1", 1700000000)
	second := engine.ComputeNonce("secret-token", "premium123", "1", 1700000000)

	if first.Nonce != second.Nonce {
		t.Fatalf("nonce not deterministic: %d vs %d", first.Nonce, second.Nonce)
	}
	if first.Hash != second.Hash {
		t.Fatalf("hash not deterministic: %s vs %s", first.Hash, second.Hash)
	}
	if first.Exhausted {
		t.Fatalf("search exhausted at threshold 0x1000 within %d iterations", engine.MaxIterations)
	}
}

func TestComputeNonceSatisfiesThreshold(t *testing.T) {
	engine := &Engine{Threshold: 0x1000, MaxIterations: 100000}
	result := engine.ComputeNonce("bearer", "premium51", "2", 1700000016)

	// recompute the challenge hash independently and check the difficulty
	mac := hmac.New(sha256.New, []byte("bearer"))
	mac.Write([]byte("premium51"))
	prefix := hex.EncodeToString(mac.Sum(nil)) + "premium51" + "2" + strconv.FormatInt(1700000016, 10)

	sum := md5.Sum([]byte(prefix + strconv.Itoa(result.Nonce)))
	digest := hex.EncodeToString(sum[:])
	if digest != result.Hash {
		t.Fatalf("hash mismatch: engine %s, recomputed %s", result.Hash, digest)
	}

	value, err := strconv.ParseInt(digest[:4], 16, 64)
	if err != nil {
		t.Fatalf("digest prefix failed to parse: %v", err)
	}
	if value >= engine.Threshold {
		t.Fatalf("hash prefix %#x not below threshold %#x", value, engine.Threshold)
	}
}

func TestComputeNonceEarlierNoncesFail(t *testing.T) {
	engine := &Engine{Threshold: 0x1000, MaxIterations: 100000}
	result := engine.ComputeNonce("tok", "premium7", "1", 1699999999)

	mac := hmac.New(sha256.New, []byte("tok"))
	mac.Write([]byte("premium7"))
	prefix := hex.EncodeToString(mac.Sum(nil)) + "premium7" + "1" + strconv.FormatInt(1699999999, 10)

	for nonce := 0; nonce < result.Nonce; nonce++ {
		sum := md5.Sum([]byte(prefix + strconv.Itoa(nonce)))
		digest := hex.EncodeToString(sum[:])
		value, _ := strconv.ParseInt(digest[:4], 16, 64)
		if value < engine.Threshold {
			t.Fatalf("nonce %d already clears the threshold but engine returned %d", nonce, result.Nonce)
		}
	}

	if result.Iterations != result.Nonce+1 {
		t.Fatalf("iterations %d does not match nonce %d", result.Iterations, result.Nonce)
	}
}

func TestComputeNonceExhaustionReturnsLastAttempt(t *testing.T) {
	// threshold 0 is unsatisfiable, forcing the ceiling
	engine := &Engine{Threshold: 0, MaxIterations: 50}
	result := engine.ComputeNonce("k", "r", "1", 0)

	if !result.Exhausted {
		t.Fatal("expected exhausted result")
	}
	if result.Nonce != 49 {
		t.Fatalf("expected last attempted nonce 49, got %d", result.Nonce)
	}
	if result.Iterations != 50 {
		t.Fatalf("expected 50 iterations, got %d", result.Iterations)
	}
}
