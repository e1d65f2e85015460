package registry

import "context"

type progressKey struct{}

// WithProgress attaches a progress callback that converters may report into.
func WithProgress(ctx context.Context, fn func(pct int)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards a 0-100 converter-local progress value, if anyone
// is listening.
func ReportProgress(ctx context.Context, pct int) {
	if fn, ok := ctx.Value(progressKey{}).(func(int)); ok && fn != nil {
		fn(pct)
	}
}
