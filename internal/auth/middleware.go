package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	HeaderAddress   = "X-Kiosk-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Kiosk-Signature"

	ctxKioskAddress  = "kiosk_address"
	ctxSignedRequest = "signed_request"

	noncePrefix = "kiosk:nonce:"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const maxFutureWindow = 5 * time.Minute

// Middleware returns a Gin handler that accepts only requests signed by one
// of the allowed kiosk addresses.
func Middleware(rdb *redis.Client, allowed []string, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	allow := make(map[common.Address]bool, len(allowed))
	for _, a := range allowed {
		allow[common.HexToAddress(a)] = true
	}

	return func(c *gin.Context) {
		kioskAddr := c.GetHeader(HeaderAddress)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if kioskAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		// Decode signed message
		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()

		// Check expiry
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		// Decode signature
		sigHex = strings.TrimPrefix(sigHex, "0x")
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		// Recover signer
		recovered, err := Recover(msgBytes, sig)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !strings.EqualFold(recovered.Hex(), kioskAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		if !allow[recovered] {
			log.Warn("request from unknown kiosk", zap.String("kiosk", recovered.Hex()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "kiosk not allowed"})
			return
		}

		// Nonce dedup via Redis SET NX
		nonceKey := noncePrefix + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(context.Background(), nonceKey, 1, ttl).Result()
		if err != nil {
			log.Error("nonce dedup", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(ctxKioskAddress, recovered.Hex())
		c.Set(ctxSignedRequest, req)
		c.Next()
	}
}

// RequireAction rejects signed requests whose action differs from action,
// so a signature for one route cannot be replayed against another.
func RequireAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := Request(c)
		if !ok || req.Action != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "action mismatch"})
			return
		}
		c.Next()
	}
}

// KioskAddress returns the verified kiosk address set by Middleware.
func KioskAddress(c *gin.Context) string {
	return c.GetString(ctxKioskAddress)
}

// Request returns the verified signed request set by Middleware.
func Request(c *gin.Context) (SignedRequest, bool) {
	v, ok := c.Get(ctxSignedRequest)
	if !ok {
		return SignedRequest{}, false
	}
	req, ok := v.(SignedRequest)
	return req, ok
}
