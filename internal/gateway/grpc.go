package gateway

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AccessServiceName is the gRPC service a router daemon exposes. Requests
// carry the identity as google.protobuf.StringValue and reply with
// google.protobuf.Empty, so no generated stubs are needed on either side.
const AccessServiceName = "bottlescan.access.v1.AccessGateway"

const (
	grantMethod  = "/" + AccessServiceName + "/Grant"
	revokeMethod = "/" + AccessServiceName + "/Revoke"
)

// GRPCClient calls a remote AccessGateway service.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// DialGRPC connects to a gatewayd instance at target (host:port).
func DialGRPC(target string, timeout time.Duration) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	c := NewGRPCClient(conn, timeout)
	c.closer = conn.Close
	return c, nil
}

func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCClient{conn: conn, timeout: timeout}
}

func (c *GRPCClient) Grant(ctx context.Context, identity string) error {
	return c.invoke(ctx, grantMethod, identity)
}

func (c *GRPCClient) Revoke(ctx context.Context, identity string) error {
	return c.invoke(ctx, revokeMethod, identity)
}

// Close releases the connection opened by DialGRPC.
func (c *GRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *GRPCClient) invoke(ctx context.Context, method, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, method, wrapperspb.String(identity), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrCallFailed, method, identity, err)
	}
	return nil
}

// RegisterAccessServer exposes gw as the AccessGateway service on s.
func RegisterAccessServer(s grpc.ServiceRegistrar, gw Gateway) {
	s.RegisterService(&accessServiceDesc, gw)
}

var accessServiceDesc = grpc.ServiceDesc{
	ServiceName: AccessServiceName,
	HandlerType: (*Gateway)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Grant", Handler: accessHandler(Gateway.Grant, "Grant")},
		{MethodName: "Revoke", Handler: accessHandler(Gateway.Revoke, "Revoke")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bottlescan/access/v1/access.proto",
}

type accessCall func(gw Gateway, ctx context.Context, identity string) error

func accessHandler(call accessCall, method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			identity := req.(*wrapperspb.StringValue).GetValue()
			if _, err := parseIdentity(identity); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			if err := call(srv.(Gateway), ctx, identity); err != nil {
				return nil, status.Error(codes.Unavailable, err.Error())
			}
			return new(emptypb.Empty), nil
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + AccessServiceName + "/" + method}
		return interceptor(ctx, in, info, handle)
	}
}
