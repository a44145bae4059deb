package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chronologos/telem/internal/middleware"
)

// ParamKey is the middleware param carrying the bearer token.
const ParamKey = "authorization"

// SubjectKey is set on the server-side metadata after verification.
const SubjectKey = "subject"

// TokenSource returns the token to present on the next stream.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// RefreshingToken caches tokens from issue and asks for a new one once 80%
// of the current token's lifetime has passed.
func RefreshingToken(issue TokenSource) TokenSource {
	var (
		mu      sync.Mutex
		current string
		renewAt time.Time
	)
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if current != "" && time.Now().Before(renewAt) {
			return current, nil
		}
		tok, err := issue(ctx)
		if err != nil {
			return "", err
		}
		exp, err := expiry(tok)
		if err != nil {
			return "", fmt.Errorf("read token expiry: %w", err)
		}
		now := time.Now()
		current = tok
		renewAt = now.Add(exp.Sub(now) * 8 / 10)
		return current, nil
	}
}

// ClientMiddleware attaches a bearer token from src to every stream.
func ClientMiddleware(src TokenSource) middleware.Middleware {
	return func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		tok, err := src(ctx)
		if err != nil {
			return md, fmt.Errorf("get token: %w", err)
		}
		md.Set(ParamKey, "Bearer "+tok)
		return next(ctx, md)
	}
}

// ServerMiddleware rejects streams without a valid bearer token signed
// with passkey.
func ServerMiddleware(passkey []byte) middleware.Middleware {
	return func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		header, ok := md.Get(ParamKey)
		if !ok {
			return md, fmt.Errorf("%w: missing token", ErrUnauthorized)
		}
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return md, fmt.Errorf("%w: malformed authorization", ErrUnauthorized)
		}
		claims, err := VerifyToken(passkey, tok)
		if err != nil {
			return md, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		md.Set(SubjectKey, claims.Subject)
		return next(ctx, md)
	}
}
