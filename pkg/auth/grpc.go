package auth

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// UnaryServerInterceptor runs the gate for unary gRPC calls. The
// "authorization" metadata value is treated like the HTTP header, public
// routes are matched against the full method name, and the interceptor
// never returns Unauthenticated: handlers see an anonymous context instead.
func (g *Gate) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(g.authenticateGRPC(ctx, info.FullMethod), req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor.
func (g *Gate) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := g.authenticateGRPC(ss.Context(), info.FullMethod)
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (g *Gate) authenticateGRPC(ctx context.Context, fullMethod string) context.Context {
	if g.public.Match(fullMethod) {
		return g.bypass(ctx)
	}

	var authorization string
	meta := RequestMeta{}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(strings.ToLower(HeaderAuthorization)); len(vals) > 0 {
			authorization = vals[0]
		}
		if vals := md.Get("user-agent"); len(vals) > 0 {
			meta.UserAgent = vals[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		meta.RemoteAddr = p.Addr.String()
		if host, _, err := net.SplitHostPort(meta.RemoteAddr); err == nil {
			meta.RemoteAddr = host
		}
	}
	return g.Authenticate(ctx, authorization, meta)
}

// wrappedServerStream overrides Context so stream handlers see the
// authenticated context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
