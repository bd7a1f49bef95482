// Package smpctx carries per-command switches of the sampler tool through the
// context.
package smpctx

import "context"

type verboseKey struct{}

// IsVerbose reports whether wire level dumps were requested. A context that
// never went through SetVerbose is quiet.
func IsVerbose(ctx context.Context) bool {
	v, _ := ctx.Value(verboseKey{}).(bool)
	return v
}

func SetVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, verboseKey{}, verbose)
}
