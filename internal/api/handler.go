// Package api exposes the portal over HTTP: user routes keyed by the client
// address, and kiosk routes that require a signed request.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/auth"
	"github.com/bottlescan/portal/internal/gateway"
	"github.com/bottlescan/portal/internal/ledger"
	"github.com/bottlescan/portal/internal/portal"
	"github.com/bottlescan/portal/internal/voucher"
)

// Portal is satisfied by portal.Service.
// Decoupled here so handler tests can use a mock.
type Portal interface {
	IssueVoucher(ctx context.Context, identity string, bottles int) (voucher.Voucher[string], error)
	CreditBottles(ctx context.Context, identity string, bottles int) (portal.Credit, error)
	Redeem(ctx context.Context, identity, code string) (int64, int64, error)
	Observe(ctx context.Context, identity string)
	Balance(identity string) int64
	Claim(ctx context.Context, identity string) error
	Balances() []ledger.Entry[string]
	Stats() portal.Stats
}

type Handler struct {
	portal Portal
	log    *zap.Logger
}

func NewHandler(p Portal, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{portal: p, log: log}
}

// Register mounts the user routes on rg and the kiosk routes on rg/kiosk
// behind kioskAuth.
func (h *Handler) Register(rg *gin.RouterGroup, kioskAuth gin.HandlerFunc) {
	rg.GET("/balance", h.handleBalance)
	rg.POST("/redeem", h.handleRedeem)
	rg.POST("/claim", h.handleClaim)

	kg := rg.Group("/kiosk", kioskAuth)
	kg.POST("/vouchers", auth.RequireAction(ActionIssueVoucher), h.handleIssue)
	kg.POST("/credits", auth.RequireAction(ActionCredit), h.handleCredit)
	kg.GET("/balances", auth.RequireAction(ActionListBalances), h.handleBalances)
}

// Health reports liveness plus a few counters.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": h.portal.Stats()})
}

// ── User routes ───────────────────────────────────────────────────────────────

// handleBalance is the captive portal landing call, so it is also where a
// new client is first seen.
func (h *Handler) handleBalance(c *gin.Context) {
	id := c.ClientIP()
	h.portal.Observe(c.Request.Context(), id)
	c.JSON(http.StatusOK, BalanceResponse{Identity: id, RemainingSeconds: h.portal.Balance(id)})
}

func (h *Handler) handleRedeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	credited, balance, err := h.portal.Redeem(c.Request.Context(), c.ClientIP(), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RedeemResponse{CreditedSeconds: credited, RemainingSeconds: balance})
}

func (h *Handler) handleClaim(c *gin.Context) {
	id := c.ClientIP()
	if err := h.portal.Claim(c.Request.Context(), id); err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			// Anything past the balance check is the gateway refusing.
			h.log.Warn("claim failed", zap.String("identity", id), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "access gateway unavailable"})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Identity: id, RemainingSeconds: h.portal.Balance(id)})
}

// ── Kiosk routes ──────────────────────────────────────────────────────────────

func (h *Handler) handleIssue(c *gin.Context) {
	p, ok := earnPayload(c)
	if !ok {
		return
	}
	v, err := h.portal.IssueVoucher(c.Request.Context(), p.Identity, p.Bottles)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := VoucherResponse{Code: v.Code, CreditSeconds: v.CreditSeconds, Identity: p.Identity}
	if !v.ExpiresAt.IsZero() {
		resp.ExpiresAt = &v.ExpiresAt
	}
	h.log.Info("kiosk issued voucher", zap.String("kiosk", auth.KioskAddress(c)), zap.Int("bottles", p.Bottles))
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) handleCredit(c *gin.Context) {
	p, ok := earnPayload(c)
	if !ok {
		return
	}
	if p.Identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}
	cr, err := h.portal.CreditBottles(c.Request.Context(), p.Identity, p.Bottles)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("kiosk credited identity",
		zap.String("kiosk", auth.KioskAddress(c)),
		zap.String("identity", p.Identity),
		zap.Int64("seconds", cr.Seconds),
	)
	c.JSON(http.StatusOK, CreditResponse{CreditedSeconds: cr.Seconds, RemainingSeconds: cr.Balance, Granted: cr.Granted})
}

func (h *Handler) handleBalances(c *gin.Context) {
	entries := h.portal.Balances()
	out := BalancesResponse{Balances: make([]BalanceResponse, 0, len(entries))}
	for _, e := range entries {
		out.Balances = append(out.Balances, BalanceResponse{Identity: e.Identity, RemainingSeconds: e.Remaining})
	}
	c.JSON(http.StatusOK, out)
}

// earnPayload decodes the signed payload, never the unsigned body.
func earnPayload(c *gin.Context) (EarnPayload, bool) {
	req, _ := auth.Request(c)
	var p EarnPayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &p) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return EarnPayload{}, false
	}
	return p, true
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, voucher.ErrInvalidVoucher):
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid voucher"})
	case errors.Is(err, ledger.ErrBalanceLimit):
		c.JSON(http.StatusConflict, gin.H{"error": "balance limit reached"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "no time left"})
	case errors.Is(err, portal.ErrInvalidBottles):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrCallFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "access gateway unavailable"})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
