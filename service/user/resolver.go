package user

import (
	"context"

	"relaychat/tools/errs"
	"relaychat/tools/security"
)

// Identity is a verified caller identity. The per-device session id is
// assigned by the gateway at connect time, not here.
type Identity struct {
	UserID string
	Email  string
}

// Resolver turns an opaque credential into a verified identity.
// Idempotent and side-effect-free from the caller's view.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// JWTResolver verifies HMAC-signed tokens.
type JWTResolver struct {
	opts security.Options
}

func NewJWTResolver(opts security.Options) *JWTResolver {
	return &JWTResolver{opts: opts}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	select {
	case <-ctx.Done():
		return nil, errs.ErrUnavailable.WrapMsg("resolve timed out")
	default:
	}
	if token == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("missing token")
	}
	claims, err := security.Verify(r.opts, token)
	if err != nil {
		return nil, errs.ErrUnauthorized.WrapMsg("verify", "err", err)
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
