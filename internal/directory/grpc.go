package directory

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/roach88/dsm/internal/state"
)

const serviceName = "dsm.v1.Directory"

// fullMethod builds the full gRPC method path.
func fullMethod(method string) string {
	return fmt.Sprintf("/%s/%s", serviceName, method)
}

// Server exposes a Service over gRPC.
type Server struct {
	svc Service
}

// NewServer wraps svc.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// Register adds the directory service to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func toStatus(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return err
}

func (s *Server) publish(ctx context.Context, req *Publication) (*Empty, error) {
	if err := s.svc.Publish(ctx, *req); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	pubs, err := s.svc.Query(ctx, req.Entity)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueryResponse{Publications: pubs}, nil
}

func (s *Server) acknowledge(ctx context.Context, req *AcknowledgeRequest) (*Empty, error) {
	if err := s.svc.Acknowledge(ctx, req.Entity, req.Sender, req.UpTo); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) registerAnchor(ctx context.Context, req *Anchor) (*Empty, error) {
	if err := s.svc.RegisterAnchor(ctx, *req); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) lookupAnchor(ctx context.Context, req *LookupAnchorRequest) (*LookupAnchorResponse, error) {
	a, ok, err := s.svc.LookupAnchor(ctx, req.Entity)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LookupAnchorResponse{Anchor: a, Found: ok}, nil
}

func unary[Req, Resp any](call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		return call(srv.(*Server), ctx, req)
	}
}

// serviceDesc is the manual gRPC service descriptor for the directory.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unary((*Server).publish)},
		{MethodName: "Query", Handler: unary((*Server).query)},
		{MethodName: "Acknowledge", Handler: unary((*Server).acknowledge)},
		{MethodName: "RegisterAnchor", Handler: unary((*Server).registerAnchor)},
		{MethodName: "LookupAnchor", Handler: unary((*Server).lookupAnchor)},
	},
	Streams: []grpc.StreamDesc{},
}

// Compile-time interface check.
var _ Service = (*Client)(nil)

// Client is a Service backed by a remote directory.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to a remote directory. Transport credentials must be
// supplied by the caller.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(CramberryCodec{})))
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory client: dial %s: %w", addr, err)
	}
	return &Client{cc: cc}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%w: %s", ErrUnavailable, status.Convert(err).Message())
	}
	return err
}

func (c *Client) Publish(ctx context.Context, pub Publication) error {
	return fromStatus(c.cc.Invoke(ctx, fullMethod("Publish"), &pub, new(Empty)))
}

func (c *Client) Query(ctx context.Context, entity state.EntityID) ([]Publication, error) {
	resp := new(QueryResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Query"), &QueryRequest{Entity: entity}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Publications, nil
}

func (c *Client) Acknowledge(ctx context.Context, entity, sender state.EntityID, upTo uint64) error {
	req := &AcknowledgeRequest{Entity: entity, Sender: sender, UpTo: upTo}
	return fromStatus(c.cc.Invoke(ctx, fullMethod("Acknowledge"), req, new(Empty)))
}

func (c *Client) RegisterAnchor(ctx context.Context, a Anchor) error {
	return fromStatus(c.cc.Invoke(ctx, fullMethod("RegisterAnchor"), &a, new(Empty)))
}

func (c *Client) LookupAnchor(ctx context.Context, entity state.EntityID) (Anchor, bool, error) {
	resp := new(LookupAnchorResponse)
	if err := c.cc.Invoke(ctx, fullMethod("LookupAnchor"), &LookupAnchorRequest{Entity: entity}, resp); err != nil {
		return Anchor{}, false, fromStatus(err)
	}
	return resp.Anchor, resp.Found, nil
}
