// Package service exposes verification over gRPC, so that a fleet can
// offload checking to one daemon holding the verdict cache.
//
// Messages travel gob-encoded through a registered codec; there is no
// generated stub layer.
package service

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/bpf-vet/pkg/cache"
	"github.com/fortiblox/bpf-vet/pkg/ebpf"
	"github.com/fortiblox/bpf-vet/pkg/verifier"
)

// Service errors.
var (
	ErrNotConnected = errors.New("verifier client not connected")
	ErrClosed       = errors.New("verifier service closed")
)

const (
	serviceName = "bpfvet.Verifier"
	checkMethod = "/bpfvet.Verifier/Check"

	codecName = "gob"
)

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec is the wire codec for the service's messages.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// CheckRequest asks for one program to be verified.
type CheckRequest struct {
	Program  []byte // raw little-endian instruction bytes
	ProgType int32
	Maps     []ebpf.MapDescriptor
	Relocs   map[int]int

	CheckTermination bool
}

// CheckResponse carries the verdict and the rendered report.
type CheckResponse struct {
	Passed   bool
	Warnings int32
	Report   string
	Cached   bool
}

// Server serves Check requests, consulting an optional verdict cache.
type Server struct {
	opts  verifier.Options
	cache *cache.Cache
	grpc  *grpc.Server
}

// NewServer builds a server. cache may be nil.
func NewServer(opts verifier.Options, c *cache.Cache) *Server {
	return &Server{opts: opts, cache: c}
}

// Serve blocks, handling requests on the listener until Stop or ctx
// cancellation.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.grpc = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	s.grpc.RegisterService(&serviceDesc, s)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.grpc.GracefulStop()
		case <-done:
		}
	}()
	err := s.grpc.Serve(lis)
	close(done)
	return err
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Check verifies one program.
func (s *Server) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	words, err := ebpf.WordsOf(req.Program)
	if err != nil {
		return nil, err
	}
	progType := ebpf.ProgType(req.ProgType)
	info := ebpf.NewProgramInfo(progType, req.Maps)

	var key cache.Key
	if s.cache != nil {
		key = cache.KeyOf(words, progType)
		if v, err := s.cache.Get(key, progType); err == nil {
			return &CheckResponse{
				Passed:   v.Passed,
				Warnings: int32(v.Warnings),
				Report:   renderCached(v),
				Cached:   true,
			}, nil
		}
	}

	opts := s.opts
	opts.CheckTermination = opts.CheckTermination || req.CheckTermination
	res, err := verifier.Verify(ctx, words, req.Relocs, info, opts)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(key, progType, cache.VerdictOf(res)); err != nil {
			return nil, fmt.Errorf("store verdict: %w", err)
		}
	}

	var report bytes.Buffer
	res.Checks.Write(&report)
	return &CheckResponse{
		Passed:   res.Passed,
		Warnings: int32(res.Checks.Warnings()),
		Report:   report.String(),
	}, nil
}

func renderCached(v *cache.Verdict) string {
	var buf bytes.Buffer
	for label, msgs := range v.Messages {
		fmt.Fprintf(&buf, "%s:\n", label)
		for _, m := range msgs {
			fmt.Fprintf(&buf, "  %s\n", m)
		}
	}
	fmt.Fprintf(&buf, "%d warnings\n", v.Warnings)
	return buf.String()
}

func checkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CheckRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Check(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).Check(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, req, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// Client is a thin wrapper over the gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a verifier service.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial verifier service: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check runs one remote verification.
func (c *Client) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	resp := new(CheckResponse)
	if err := c.conn.Invoke(ctx, checkMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
