// Copyright 2025 go-distmm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName  = "distmm.comm.Rendezvous"
	gatherMethod = "/" + serviceName + "/Gather"
)

// RendezvousServer is the service behind the gRPC hub.
type RendezvousServer interface {
	Gather(context.Context, *GatherRequest) (*GatherReply, error)
}

var rendezvousDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: gatherHandler},
	},
	Metadata: "distmm/comm",
}

func gatherHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GatherRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Gather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatherMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RendezvousServer).Gather(ctx, req.(*GatherRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is the rendezvous hub for a group of Remote workers. Each Gather
// call blocks until every worker has sent its request for the same round.
type Server struct {
	hub  *hub
	grpc *grpc.Server
}

// NewServer returns a hub for size workers.
func NewServer(size int, opts ...grpc.ServerOption) (*Server, error) {
	if size <= 0 {
		return nil, fmt.Errorf("comm: group size %d", size)
	}
	s := &Server{hub: newHub(size)}
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.MaxSendMsgSize(math.MaxInt32),
	}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&rendezvousDesc, s)
	return s, nil
}

// Gather implements RendezvousServer.
func (s *Server) Gather(ctx context.Context, req *GatherRequest) (*GatherReply, error) {
	if int(req.Size) != s.hub.size {
		return nil, status.Errorf(codes.FailedPrecondition,
			"worker believes the group has %d workers, hub has %d", req.Size, s.hub.size)
	}
	if req.Rank < 0 || int(req.Rank) >= s.hub.size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", req.Rank, s.hub.size)
	}
	chunks, err := s.hub.gather(ctx, req.Seq, int(req.Rank), req.Data)
	switch {
	case err == nil:
		return &GatherReply{Chunks: chunks}, nil
	case errors.Is(err, ErrClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	}
	return nil, status.Error(codes.InvalidArgument, err.Error())
}

// Serve accepts worker connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight rounds to be answered, then shuts the hub down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.hub.close()
}

// Remote is one worker of a group that meets at a gRPC hub. It is not safe
// for concurrent use.
type Remote struct {
	rank, size int
	conn       *grpc.ClientConn
	server     *Server
	served     chan error
	seq        uint64
}

// Dial connects worker rank of a size-worker group to the hub at target.
// Calls wait for the hub to come up rather than failing fast.
func Dial(target string, rank, size int, opts ...grpc.DialOption) (*Remote, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm: rank %d of %d", rank, size)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", target, err)
	}
	return &Remote{rank: rank, size: size, conn: conn}, nil
}

// Join is the worker bootstrap: rank 0 listens on addr and hosts the hub,
// and every rank, 0 included, dials it.
func Join(addr string, rank, size int) (*Remote, error) {
	if rank != 0 {
		return Dial(addr, rank, size)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv, err := NewServer(size)
	if err != nil {
		lis.Close()
		return nil, err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	r, err := Dial(loopbackAddr(lis.Addr()), rank, size)
	if err != nil {
		srv.Stop()
		return nil, err
	}
	r.server = srv
	r.served = served
	return r, nil
}

// loopbackAddr returns a dialable address for a listener that may be bound
// to the unspecified address.
func loopbackAddr(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return a.String()
	}
	return net.JoinHostPort("localhost", strconv.Itoa(tcp.Port))
}

// Rank returns the worker's rank.
func (r *Remote) Rank() int { return r.rank }

// Size returns the number of workers in the group.
func (r *Remote) Size() int { return r.size }

// AllGatherv implements dmm.Communicator.
func (r *Remote) AllGatherv(ctx context.Context, send, recv []float64, counts []int) error {
	if err := checkCounts(r.rank, r.size, send, recv, counts); err != nil {
		return err
	}
	chunks, err := r.next(ctx, send)
	if err != nil {
		return err
	}
	return scatter(chunks, recv, counts)
}

// Barrier implements dmm.Communicator.
func (r *Remote) Barrier(ctx context.Context) error {
	_, err := r.next(ctx, nil)
	return err
}

func (r *Remote) next(ctx context.Context, data []float64) ([][]float64, error) {
	req := &GatherRequest{
		Seq:  r.seq,
		Rank: int32(r.rank),
		Size: int32(r.size),
		Data: data,
	}
	r.seq++
	reply := new(GatherReply)
	if err := r.conn.Invoke(ctx, gatherMethod, req, reply); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
			return nil, fmt.Errorf("%w: %s", ErrClosed, st.Message())
		}
		return nil, fmt.Errorf("gather round %d: %w", req.Seq, err)
	}
	if len(reply.Chunks) != r.size {
		return nil, fmt.Errorf("%w: hub returned %d chunks for %d workers", ErrSizeMismatch, len(reply.Chunks), r.size)
	}
	return reply.Chunks, nil
}

// Close is collective: it waits at a barrier so that rank 0 does not stop the
// hub while peers still have rounds in flight, then releases the connection.
func (r *Remote) Close(ctx context.Context) error {
	errBarrier := r.Barrier(ctx)
	errConn := r.conn.Close()
	if r.server != nil {
		r.server.Stop()
		if err := <-r.served; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errConn = errors.Join(errConn, err)
		}
	}
	return errors.Join(errBarrier, errConn)
}
