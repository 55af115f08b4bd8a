// Package gateway enforces network access decisions made by the ledger.
//
// Every implementation is idempotent: granting an identity that already has
// access, or revoking one that is already blocked, succeeds quietly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// ErrCallFailed wraps every failure to reach or apply an enforcement call.
var ErrCallFailed = errors.New("gateway call failed")

type Gateway interface {
	Grant(ctx context.Context, identity string) error
	Revoke(ctx context.Context, identity string) error
}

// parseIdentity checks that identity is a literal IP address. Identities end
// up in firewall rules and URLs, so anything else is refused up front.
func parseIdentity(identity string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(identity)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("identity %q is not an IP address: %w", identity, err)
	}
	return addr.Unmap(), nil
}
