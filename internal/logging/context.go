package logging

import (
	"context"

	"go.uber.org/zap"
)

// Context key types
type laneCtxKey struct{}
type manifestCtxKey struct{}
type requestCtxKey struct{}

// WithLaneID returns a context carrying the lane identifier.
func WithLaneID(ctx context.Context, laneID string) context.Context {
	return context.WithValue(ctx, laneCtxKey{}, laneID)
}

// WithManifestID returns a context carrying the manifest identifier.
func WithManifestID(ctx context.Context, manifestID string) context.Context {
	return context.WithValue(ctx, manifestCtxKey{}, manifestID)
}

// WithRequestID returns a context carrying the HTTP request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// LaneIDFromContext extracts the lane identifier, or "" when absent.
func LaneIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(laneCtxKey{}).(string)
	return v
}

// ManifestIDFromContext extracts the manifest identifier, or "" when absent.
func ManifestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(manifestCtxKey{}).(string)
	return v
}

// RequestIDFromContext extracts the request identifier, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestCtxKey{}).(string)
	return v
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if laneID := LaneIDFromContext(ctx); laneID != "" {
		fields = append(fields, zap.String("lane.id", laneID))
	}
	if manifestID := ManifestIDFromContext(ctx); manifestID != "" {
		fields = append(fields, zap.String("manifest.id", manifestID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}
