// Package secrets resolves secret references such as "env:SIGNER_KEY" or
// "file:/run/secrets/signer" at the moment they are needed. Callers hold
// the reference, never the resolved value.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNotFound is returned when a reference points at nothing.
	ErrNotFound = errors.New("secret not found")

	// ErrUnsupportedRef is returned for references with an unknown scheme.
	ErrUnsupportedRef = errors.New("unsupported secret reference")
)

// Resolver turns a reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SchemeResolver dispatches on the reference prefix. The zero value
// understands "env:" and "file:".
type SchemeResolver struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// NewResolver returns a SchemeResolver backed by the process environment and
// filesystem.
func NewResolver() *SchemeResolver {
	return &SchemeResolver{}
}

// Resolve implements Resolver.
func (r *SchemeResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok || target == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRef, redact(ref))
	}

	switch scheme {
	case "env":
		lookup := r.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		v, ok := lookup(target)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: env %s", ErrNotFound, target)
		}
		return strings.TrimSpace(v), nil

	case "file":
		read := r.ReadFile
		if read == nil {
			read = os.ReadFile
		}
		b, err := read(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: file %s", ErrNotFound, target)
			}
			return "", fmt.Errorf("read secret file %s: %w", target, err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, target)
		}
		return v, nil

	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedRef, scheme)
	}
}

// redact keeps only the scheme of a malformed reference so a raw secret
// pasted into config never reaches the logs.
func redact(ref string) string {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i] + ":…"
	}
	return "…"
}

// Static is a fixed map of references to values, for tests and local runs.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return v, nil
}
