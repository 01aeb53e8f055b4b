package util

import "context"

type contextKey string

const packageNameKey contextKey = "package_name"

// WithPackageName adds the routed application's package name to the context.
func WithPackageName(ctx context.Context, pkg string) context.Context {
	return context.WithValue(ctx, packageNameKey, pkg)
}

// GetPackageName retrieves the package name from the context.
func GetPackageName(ctx context.Context) string {
	if pkg, ok := ctx.Value(packageNameKey).(string); ok {
		return pkg
	}
	return ""
}
