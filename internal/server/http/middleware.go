package httpserver

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/limiter"
	"github.com/and161185/fan-ledger/internal/service"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Recover turns handler panics into 500 responses.
func Recover(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					writeJSON(w, http.StatusInternalServerError, convert.ErrorBody{
						Error: "internal error", Kind: errs.KindInternal, Code: "Internal",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs request metadata, never bodies.
func Logging(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ri := &reqInfo{}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(withReqInfo(r.Context(), ri)))

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Duration("dur", time.Since(start)),
				zap.String("account", ri.account),
			)
		})
	}
}

// Auth verifies the bearer token and stores the caller in the request context.
func (s *Server) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := bearerToken(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		claims, err := s.tokens.Parse(tok)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if ri := reqInfoFromCtx(r.Context()); ri != nil {
			ri.account = claims.Subject
		}
		p := Principal{AccountID: claims.Subject, Role: claims.Role}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}

// RecordedFunc reports whether a write under the account's idempotency key already
// has a stored outcome.
type RecordedFunc func(ctx context.Context, accountID, key string) (bool, error)

// RateLimit applies the per-account write budget to POST requests. It must run after Auth.
// Retries whose Idempotency-Key already has a stored outcome are replays and bypass
// the budget when recorded is non-nil.
func RateLimit(l limiter.Limiter, recorded RecordedFunc, log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := PrincipalFromCtx(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" && recorded != nil {
				seen, err := recorded(r.Context(), p.AccountID, key)
				if err != nil {
					log.Warn("idempotency lookup", zap.String("account", p.AccountID), zap.Error(err))
				}
				if seen {
					next.ServeHTTP(w, r)
					return
				}
			}
			op := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					op = tpl
				}
			}
			allowed, retry, err := l.Allow(r.Context(), p.AccountID, op)
			if err != nil {
				log.Warn("rate limiter", zap.String("account", p.AccountID), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, errorBody(fmt.Errorf("%w: rate limiter", errs.ErrUnavailable)))
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorBody(fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireRole rejects callers whose role fails ok.
func requireRole(ok func(service.Role) bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromCtx(r.Context())
		if !ok(p.Role) {
			writeJSON(w, http.StatusForbidden, errorBody(fmt.Errorf("%w: role %q may not do this", errs.ErrAccessDenied, p.Role)))
			return
		}
		next(w, r)
	}
}
