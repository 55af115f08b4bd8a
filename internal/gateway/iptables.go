package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

// ruleTable is the part of *iptables.IPTables the firewall uses.
type ruleTable interface {
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
}

// Firewall blocks an identity by inserting "-s <ip> -j DROP" at the top of
// a chain and lifts the block by deleting that rule. It runs on the router.
type Firewall struct {
	mu    sync.Mutex
	v4    ruleTable
	v6    ruleTable // nil when ip6tables is unavailable
	table string
	chain string
	log   *zap.Logger
}

// NewFirewall binds to the host's iptables and, if present, ip6tables.
func NewFirewall(table, chain string, log *zap.Logger) (*Firewall, error) {
	v4, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4))
	if err != nil {
		return nil, fmt.Errorf("iptables: %w", err)
	}
	fw := newFirewall(v4, nil, table, chain, log)
	if v6, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv6)); err != nil {
		log.Warn("ip6tables unavailable, IPv6 identities cannot be enforced", zap.Error(err))
	} else {
		fw.v6 = v6
	}
	return fw, nil
}

func newFirewall(v4, v6 ruleTable, table, chain string, log *zap.Logger) *Firewall {
	if table == "" {
		table = "filter"
	}
	if chain == "" {
		chain = "FORWARD"
	}
	return &Firewall{v4: v4, v6: v6, table: table, chain: chain, log: log}
}

func (f *Firewall) Grant(_ context.Context, identity string) error {
	rt, rule, err := f.rule(identity)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := rt.DeleteIfExists(f.table, f.chain, rule...); err != nil {
		return fmt.Errorf("%w: unblock %s: %w", ErrCallFailed, identity, err)
	}
	f.log.Info("firewall: unblocked", zap.String("identity", identity))
	return nil
}

func (f *Firewall) Revoke(_ context.Context, identity string) error {
	rt, rule, err := f.rule(identity)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := rt.InsertUnique(f.table, f.chain, 1, rule...); err != nil {
		return fmt.Errorf("%w: block %s: %w", ErrCallFailed, identity, err)
	}
	f.log.Info("firewall: blocked", zap.String("identity", identity))
	return nil
}

// Flush clears the managed chain. Only meant for a dedicated chain at
// startup; on FORWARD it also removes rules the portal does not own.
func (f *Firewall) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rt := range []ruleTable{f.v4, f.v6} {
		if rt == nil {
			continue
		}
		if err := rt.ClearChain(f.table, f.chain); err != nil {
			return fmt.Errorf("%w: flush %s/%s: %w", ErrCallFailed, f.table, f.chain, err)
		}
	}
	return nil
}

func (f *Firewall) rule(identity string) (ruleTable, []string, error) {
	addr, err := parseIdentity(identity)
	if err != nil {
		return nil, nil, err
	}
	rt := f.v4
	if addr.Is6() {
		rt = f.v6
	}
	if rt == nil {
		return nil, nil, fmt.Errorf("%w: no rule table for %s", ErrCallFailed, identity)
	}
	return rt, []string{"-s", addr.String(), "-j", "DROP"}, nil
}
