package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"FolioLedger/internal/core"
	"FolioLedger/internal/state"
	"FolioLedger/internal/underwriting"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

// binder fills a request message from the HTTP request.
type binder[Req any] func(r *http.Request, params map[string]string, req *Req) error

// route adapts one LedgerServer method to an HTTP handler. The actor comes
// from the same headers the gRPC metadata carries.
func (s *Server) route(method string, fn func(ctx context.Context, r *http.Request, params map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := s.withActor(r, func(ctx context.Context) (any, error) {
			return fn(ctx, r, params)
		})

		code := http.StatusOK
		if err != nil {
			code = xerrors.KindOf(err).HTTPStatus()
			writeError(w, code, err)
		} else {
			writeJSON(w, code, resp)
		}

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
			s.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		if code >= http.StatusInternalServerError {
			s.logger.Error().Str("method", method).Err(err).Msg("request failed")
		}
	}
}

func (s *Server) withActor(r *http.Request, fn func(ctx context.Context) (any, error)) (any, error) {
	actor, ok, err := parseActor(r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserRole), r.Header.Get(HeaderFeatures))
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	if ok {
		ctx = withActor(ctx, actor)
	}
	return fn(ctx)
}

func handle[Req, Resp any](call func(context.Context, *Req) (*Resp, error), bind binder[Req]) func(context.Context, *http.Request, map[string]string) (any, error) {
	return func(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
		req := new(Req)
		if err := bind(r, params, req); err != nil {
			return nil, err
		}
		return call(ctx, req)
	}
}

func (s *Server) httpHandler(svc LedgerServer) http.Handler {
	gw := runtime.NewServeMux()

	routes := []struct {
		verb, path, method string
		fn                 func(context.Context, *http.Request, map[string]string) (any, error)
	}{
		{"POST", "/v1/trades/buy", "Buy", handle(svc.Buy, bindBody[core.TradeRequest])},
		{"POST", "/v1/trades/sell", "Sell", handle(svc.Sell, bindBody[core.TradeRequest])},
		{"POST", "/v1/cash/deposit", "Deposit", handle(svc.Deposit, bindBody[core.CashRequest])},
		{"POST", "/v1/cash/withdraw", "Withdraw", handle(svc.Withdraw, bindBody[core.CashRequest])},
		{"GET", "/v1/users/{user_id}/balance", "GetBalance", handle(svc.GetBalance, bindUser)},
		{"GET", "/v1/users/{user_id}/balance/history", "GetBalanceHistory", handle(svc.GetBalanceHistory, bindHistory)},
		{"GET", "/v1/users/{user_id}/positions", "ListPositions", handle(svc.ListPositions, bindUser)},
		{"GET", "/v1/users/{user_id}/records", "ListRecords", handle(svc.ListRecords, bindRecords)},
		{"GET", "/v1/users/{user_id}/obligations", "ListObligations", handle(svc.ListObligations, bindUser)},
		{"GET", "/v1/bonds", "ListBonds", handle(svc.ListBonds, bindNothing)},
		{"POST", "/v1/bonds", "IssueBond", handle(svc.IssueBond, bindBody[state.BondSpec])},
		{"POST", "/v1/policies", "CreatePolicy", handle(svc.CreatePolicy, bindBody[underwriting.PolicySpec])},
		{"POST", "/v1/policies/{policy_id}/apply", "ApplyForPolicy", handle(svc.ApplyForPolicy, bindApply)},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.verb, rt.path, s.route(rt.method, rt.fn)); err != nil {
			// Paths are literals above; a failure is a programming error.
			panic(err)
		}
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/", gw)
	return mux
}

// ============================================================================
// Binders
// ============================================================================

func bindBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.Validation("request body is required")
		}
		return xerrors.Validation("invalid request body: %v", err)
	}
	return nil
}

func bindNothing(*http.Request, map[string]string, *Empty) error { return nil }

func bindUser(_ *http.Request, params map[string]string, req *UserRequest) error {
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return err
	}
	req.UserID = id
	return nil
}

func bindHistory(r *http.Request, params map[string]string, req *HistoryRequest) error {
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return err
	}
	req.UserID = id
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindRecords(r *http.Request, params map[string]string, req *RecordsRequest) error {
	id, err := pathUUID(params, "user_id")
	if err != nil {
		return err
	}
	req.UserID = id
	req.Kind = r.URL.Query().Get("kind")
	req.BeforeID = r.URL.Query().Get("before_id")
	req.Limit, err = queryInt(r, "limit")
	return err
}

func bindApply(r *http.Request, params map[string]string, req *underwriting.ApplyRequest) error {
	if err := bindBody(r, params, req); err != nil {
		return err
	}
	id, err := pathUUID(params, "policy_id")
	if err != nil {
		return err
	}
	req.PolicyID = id
	return nil
}

func pathUUID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, xerrors.Validation("invalid %s %q", name, params[name])
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, xerrors.Validation("invalid %s %q", name, raw)
	}
	return n, nil
}

// ============================================================================
// Responses
// ============================================================================

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: xerrors.KindOf(err).String(), Message: "internal error"}
	var e *xerrors.Error
	if errors.As(err, &e) && e.Kind != xerrors.KindInternal {
		body.Message = e.Message
		body.Fields = e.Fields
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
