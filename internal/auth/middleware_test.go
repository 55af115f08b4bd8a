package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSetup creates a miniredis instance, a kiosk key on the allowlist, and a
// Gin engine with the auth middleware wired up.
func testSetup(t *testing.T) (*miniredis.Miniredis, *ecdsa.PrivateKey, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	allowed := []string{crypto.PubkeyToAddress(key.PublicKey).Hex()}

	r := gin.New()
	r.POST("/test", Middleware(rdb, allowed, nil), func(c *gin.Context) {
		req, _ := Request(c)
		c.JSON(http.StatusOK, gin.H{"kiosk": KioskAddress(c), "action": req.Action})
	})
	r.POST("/credit", Middleware(rdb, allowed, nil), RequireAction("credit"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return mr, key, r
}

// buildRequest creates a signed HTTP request for testing.
// expiresOffset is relative to now (e.g. +2*time.Minute for valid, -1 for expired).
func buildRequest(t *testing.T, key *ecdsa.PrivateKey, path, action string, expiresOffset time.Duration, nonce string) *http.Request {
	t.Helper()
	h, err := SignRequest(SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(expiresOffset).Unix(),
		Nonce:      nonce,
		Payload:    json.RawMessage(`{}`),
		ResourceID: "kiosk-lobby",
	}, key)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(HeaderAddress, h.Address)
	req.Header.Set(HeaderMessage, h.Message)
	req.Header.Set(HeaderSignature, h.Signature)
	return req
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	return resp["error"]
}

func TestMiddleware_ValidRequest(t *testing.T) {
	_, key, r := testSetup(t)

	req := buildRequest(t, key, "/test", "test", 2*time.Minute, "nonce-valid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["kiosk"] != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Errorf("kiosk_address: got %q", resp["kiosk"])
	}
	if resp["action"] != "test" {
		t.Errorf("signed request not set in context: %v", resp)
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	_, _, r := testSetup(t)

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_Expired(t *testing.T) {
	_, key, r := testSetup(t)

	req := buildRequest(t, key, "/test", "test", -1*time.Second, "nonce-expired-1") // already expired
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if e := errorOf(t, w); e != "request expired" {
		t.Errorf("unexpected error: %s", e)
	}
}

func TestMiddleware_TooFarInFuture(t *testing.T) {
	_, key, r := testSetup(t)

	req := buildRequest(t, key, "/test", "test", 10*time.Minute, "nonce-future-1") // > 5 min
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if e := errorOf(t, w); e != "expires_at too far in future" {
		t.Errorf("unexpected error: %s", e)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	_, key, r := testSetup(t)

	// Build valid request, then swap in a different kiosk address
	req := buildRequest(t, key, "/test", "test", 2*time.Minute, "nonce-badsig-1")
	req.Header.Set(HeaderAddress, "0x000000000000000000000000000000000000dEaD")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if e := errorOf(t, w); e != "invalid signature" {
		t.Errorf("unexpected error: %s", e)
	}
}

func TestMiddleware_UnknownKiosk(t *testing.T) {
	_, _, r := testSetup(t)

	stranger, _ := crypto.GenerateKey()
	req := buildRequest(t, stranger, "/test", "test", 2*time.Minute, "nonce-stranger-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if e := errorOf(t, w); e != "kiosk not allowed" {
		t.Errorf("unexpected error: %s", e)
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	_, key, r := testSetup(t)

	req1 := buildRequest(t, key, "/test", "test", 2*time.Minute, "nonce-replay-1")
	req2 := buildRequest(t, key, "/test", "test", 3*time.Minute, "nonce-replay-1") // same nonce, new signature

	// First request: OK
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", w1.Code, w1.Body.String())
	}

	// Second request with the same nonce: 401
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d: %s", w2.Code, w2.Body.String())
	}
	if e := errorOf(t, w2); e != "nonce already used" {
		t.Errorf("unexpected error: %s", e)
	}
}

func TestMiddleware_NonceTTL(t *testing.T) {
	mr, key, r := testSetup(t)

	req := buildRequest(t, key, "/test", "test", 2*time.Minute, "nonce-ttl-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}

	ttl := mr.TTL("kiosk:nonce:nonce-ttl-1")
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("nonce TTL: got %v, want (0, 2m]", ttl)
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists("kiosk:nonce:nonce-ttl-1") {
		t.Error("nonce should be gone once the request window has passed")
	}
}

func TestRequireAction(t *testing.T) {
	_, key, r := testSetup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, buildRequest(t, key, "/credit", "issue_voucher", 2*time.Minute, "nonce-action-1"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("mismatched action: expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, buildRequest(t, key, "/credit", "credit", 2*time.Minute, "nonce-action-2"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("matching action: expected 204, got %d: %s", w.Code, w.Body.String())
	}
}
