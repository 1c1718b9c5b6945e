package middleware

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"room-sync-service/pkg/logger"
)

type tokenKey struct{}

// WithToken stores the caller's identity token in ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the token stored by the interceptors, or "" for
// anonymous callers.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	authHeader := md.Get("authorization")
	if len(authHeader) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader[0], "Bearer "))
}

// AuthInterceptor copies the bearer token and the logger into the request
// context. Missing tokens are not an error: rooms admit guests, and each
// operation decides what a guest may do.
func AuthInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = logger.WithLogger(ctx, log.With(zap.String("method", info.FullMethod)))
		return handler(WithToken(ctx, tokenFromMetadata(ctx)), req)
	}
}

func StreamAuthInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := logger.WithLogger(ss.Context(), log.With(zap.String("method", info.FullMethod)))
		wrappedStream := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithToken(ctx, tokenFromMetadata(ctx)),
		}
		return handler(srv, wrappedStream)
	}
}

// wrappedServerStream hands the enriched context to the stream handler.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
