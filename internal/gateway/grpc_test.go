package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// recordingGateway records every call and can be told to fail.
type recordingGateway struct {
	mu      sync.Mutex
	grants  []string
	revokes []string
	err     error
}

func (g *recordingGateway) Grant(_ context.Context, identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, identity)
	return g.err
}

func (g *recordingGateway) Revoke(_ context.Context, identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes = append(g.revokes, identity)
	return g.err
}

// startAccessServer serves gw over an in-memory listener and returns a client.
func startAccessServer(t *testing.T, gw Gateway) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAccessServer(srv, gw)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewGRPCClient(conn, 2*time.Second)
}

func TestGRPC_GrantAndRevoke(t *testing.T) {
	gw := &recordingGateway{}
	c := startAccessServer(t, gw)
	ctx := context.Background()

	if err := c.Grant(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := c.Revoke(ctx, "10.0.0.6"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.grants) != 1 || gw.grants[0] != "10.0.0.5" {
		t.Errorf("grants: got %v", gw.grants)
	}
	if len(gw.revokes) != 1 || gw.revokes[0] != "10.0.0.6" {
		t.Errorf("revokes: got %v", gw.revokes)
	}
}

func TestGRPC_ServerFailure(t *testing.T) {
	gw := &recordingGateway{err: errors.New("iptables locked")}
	c := startAccessServer(t, gw)

	err := c.Revoke(context.Background(), "10.0.0.5")
	if !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unavailable {
		t.Errorf("status: got %v (ok=%v) want Unavailable", st.Code(), ok)
	}
}

func TestGRPC_InvalidIdentity(t *testing.T) {
	gw := &recordingGateway{}
	c := startAccessServer(t, gw)

	err := c.Grant(context.Background(), "not-an-ip")
	if !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if st, _ := status.FromError(err); st.Code() != codes.InvalidArgument {
		t.Errorf("status: got %v want InvalidArgument", st.Code())
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.grants) != 0 {
		t.Errorf("server gateway must not be called, got %v", gw.grants)
	}
}

func TestGRPC_CloseWithoutDial(t *testing.T) {
	c := NewGRPCClient(nil, 0)
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
