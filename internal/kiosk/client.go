// Package kiosk is the client side of the signed kiosk API. Bottle kiosks
// and kioskctl use it to report accepted deposits to the portal.
package kiosk

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/bottlescan/portal/internal/api"
	"github.com/bottlescan/portal/internal/auth"
)

// StatusError is a non-2xx answer from the portal.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: status %d: %s", e.Code, e.Message)
}

// Client signs every request with the kiosk key.
type Client struct {
	baseURL string
	key     *ecdsa.PrivateKey
	http    *http.Client
	// validity is how far in the future each signed request expires.
	validity time.Duration
}

func NewClient(baseURL string, key *ecdsa.PrivateKey) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		key:      key,
		http:     &http.Client{Timeout: 30 * time.Second},
		validity: 2 * time.Minute,
	}
}

// LoadKey parses a hex private key, with or without 0x.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse kiosk key: %w", err)
	}
	return key, nil
}

// Address is the kiosk address the portal must have on its allowlist.
func (c *Client) Address() string {
	return crypto.PubkeyToAddress(c.key.PublicKey).Hex()
}

// IssueVoucher asks for a voucher worth bottles deposits. An empty identity
// requests an unscoped voucher.
func (c *Client) IssueVoucher(ctx context.Context, identity string, bottles int) (*api.VoucherResponse, error) {
	var out api.VoucherResponse
	err := c.do(ctx, http.MethodPost, "/api/kiosk/vouchers", api.ActionIssueVoucher, api.EarnPayload{Identity: identity, Bottles: bottles}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Credit adds time for bottles deposits straight to identity's balance.
func (c *Client) Credit(ctx context.Context, identity string, bottles int) (*api.CreditResponse, error) {
	var out api.CreditResponse
	err := c.do(ctx, http.MethodPost, "/api/kiosk/credits", api.ActionCredit, api.EarnPayload{Identity: identity, Bottles: bottles}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balances(ctx context.Context) (*api.BalancesResponse, error) {
	var out api.BalancesResponse
	if err := c.do(ctx, http.MethodGet, "/api/kiosk/balances", api.ActionListBalances, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, action string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h, err := auth.SignRequest(auth.SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(c.validity).Unix(),
		Nonce:      uuid.NewString(),
		Payload:    raw,
		ResourceID: path,
	}, c.key)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(auth.HeaderAddress, h.Address)
	req.Header.Set(auth.HeaderMessage, h.Message)
	req.Header.Set(auth.HeaderSignature, h.Signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
