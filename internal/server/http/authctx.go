package httpserver

import (
	"context"

	"github.com/and161185/fan-ledger/internal/service"
)

type ctxKey string

const (
	principalKey ctxKey = "fl.principal"
	reqInfoKey   ctxKey = "fl.reqinfo"
)

// Principal is the authenticated caller.
type Principal struct {
	AccountID string
	Role      service.Role
}

// IsAdmin reports whether the caller holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == service.RoleAdmin }

// WithPrincipal stores the authenticated caller in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromCtx fetches the authenticated caller from context.
func PrincipalFromCtx(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// reqInfo is filled by inner handlers and read back by the logging middleware.
type reqInfo struct {
	account string
}

func withReqInfo(ctx context.Context, ri *reqInfo) context.Context {
	return context.WithValue(ctx, reqInfoKey, ri)
}

func reqInfoFromCtx(ctx context.Context) *reqInfo {
	ri, _ := ctx.Value(reqInfoKey).(*reqInfo)
	return ri
}
