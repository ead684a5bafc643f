package engine

import "context"

type depthKey struct{}

// WithDepth records the run depth on ctx. Writes made under ctx start their
// listener executions one level deeper.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Depth returns the run depth recorded on ctx, or 0.
func Depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}
