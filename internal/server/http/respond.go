package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/crypto"
	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/service"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplay         = "Idempotent-Replay"
)

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(k errs.Kind) int {
	switch k {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindAccessDenied:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindStateConflict, errs.KindAlreadyProcessed:
		return http.StatusConflict
	case errs.KindResourceExhausted:
		return http.StatusUnprocessableEntity
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult writes an idempotent write's result, flagging replays.
func writeResult(w http.ResponseWriter, status int, v any, replayed bool) {
	if replayed {
		w.Header().Set(HeaderReplay, "true")
	}
	writeJSON(w, status, v)
}

func errorBody(err error) convert.ErrorBody { return convert.NewErrorBody(err) }

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	if body.Kind == errs.KindInternal {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Error = "internal error"
	}
	writeJSON(w, StatusFor(body.Kind), body)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad id", errs.ErrValidation)
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errs.ErrValidation)
	}
	return n, nil
}

// idempotencyKey takes the key from the header, falling back to the body
// field, and clears the field so the fingerprint covers only the payload.
// req must be the decoded request the field belongs to.
func idempotencyKey(r *http.Request, field *string, op, target string, req any) (service.IdempotencyKey, error) {
	k := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if k == "" && field != nil {
		k = strings.TrimSpace(*field)
	}
	if k == "" {
		return service.IdempotencyKey{}, fmt.Errorf("%w: %s header or idempotencyKey field is required", errs.ErrValidation, HeaderIdempotencyKey)
	}
	if field != nil {
		*field = ""
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return service.IdempotencyKey{}, fmt.Errorf("fingerprint %s: %w", op, err)
	}
	return service.IdempotencyKey{Key: k, Fingerprint: crypto.Fingerprint([]byte(op), []byte(target), payload)}, nil
}

// actingAccount resolves the body accountId against the caller.
func actingAccount(p Principal, bodyID string) (string, error) {
	if bodyID == "" || bodyID == p.AccountID {
		return p.AccountID, nil
	}
	return "", fmt.Errorf("%w: accountId does not match token subject", errs.ErrAccessDenied)
}
