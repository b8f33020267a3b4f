package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FolioLedger/internal/core"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/query"
	"FolioLedger/internal/rpc"
	"FolioLedger/internal/server"
	"FolioLedger/internal/testutil"
	"FolioLedger/internal/underwriting"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type constScorer float64

func (s constScorer) Score(context.Context, underwriting.Applicant) (float64, error) {
	return float64(s), nil
}

type harness struct {
	srv     *server.Server
	http    *httptest.Server
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	clk := testutil.NewClock(epoch)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	log := zerolog.Nop()

	svc := server.NewLedgerService(server.Deps{
		Store:        store,
		Clock:        clk,
		Trades:       core.NewTradeEngine(store, clk, "USD", metrics, log),
		Cash:         core.NewCashService(store, clk, "USD", metrics, log),
		Query:        query.NewService(store, clk, "USD"),
		Underwriting: underwriting.NewService(store, constScorer(20), clk, underwriting.DefaultConfig(), metrics, log),
	})
	srv := server.NewServer(svc, server.Options{Metrics: metrics, Logger: log})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, http: ts, metrics: metrics}
}

func (h *harness) do(t *testing.T, method, path string, actor uuid.UUID, role string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(t, err)
	if actor != uuid.Nil {
		req.Header.Set(server.HeaderUserID, actor.String())
	}
	if role != "" {
		req.Header.Set(server.HeaderUserRole, role)
	}

	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// ============================================================================
// HTTP
// ============================================================================

func TestHTTP_TradeFlow(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	code, _ := h.do(t, "POST", "/v1/cash/deposit", user, "", map[string]any{"amount": 10_000})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, "POST", "/v1/trades/buy", user, "", map[string]any{
		"instrument_id": "stock:INFY", "quantity": 4, "unit_price": 1_000,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BUY", body["side"])

	code, body = h.do(t, "GET", "/v1/users/"+user.String()+"/balance", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(6_000), body["amount"])
	assert.Equal(t, "$60.00", body["display"])

	code, body = h.do(t, "GET", "/v1/users/"+user.String()+"/positions", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, "stock:INFY", positions[0].(map[string]any)["instrument_id"])

	code, body = h.do(t, "GET", "/v1/users/"+user.String()+"/records?kind=buy", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["records"].([]any), 1)

	code, body = h.do(t, "GET", "/v1/users/"+user.String()+"/balance/history?limit=1", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["entries"].([]any), 1)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	buy := map[string]any{"instrument_id": "stock:INFY", "quantity": 1, "unit_price": 500}

	code, body := h.do(t, "POST", "/v1/trades/buy", uuid.Nil, "", buy)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Unauthorized", body["error"])

	code, body = h.do(t, "POST", "/v1/trades/buy", user, "", buy)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "InsufficientFunds", body["error"])

	code, body = h.do(t, "POST", "/v1/trades/sell", user, "", buy)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "InsufficientHoldings", body["error"])

	code, _ = h.do(t, "GET", "/v1/users/"+uuid.NewString()+"/balance", user, "", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(t, "GET", "/v1/users/not-a-uuid/balance", user, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, "POST", "/v1/trades/buy", user, "", map[string]any{"instrument_id": "stock:INFY", "quantity": 0, "unit_price": 500})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", body["error"])

	code, _ = h.do(t, "POST", "/v1/trades/buy", user, "ROOT", buy)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("Buy", "422")))
}

func TestHTTP_AdminActsForUser(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	admin := uuid.New()

	code, _ := h.do(t, "POST", "/v1/cash/deposit", admin, "admin", map[string]any{"user_id": user, "amount": 700})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, "GET", "/v1/users/"+user.String()+"/balance", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(700), body["amount"])
}

func TestHTTP_BondsAndPolicies(t *testing.T) {
	h := newHarness(t)
	company := uuid.New()
	user := uuid.New()

	req, err := http.NewRequest("POST", h.http.URL+"/v1/bonds", bytes.NewBufferString(
		`{"name":"Infra 2030","face_value":1000,"coupon_rate_bps":700,"total_supply":10,"maturity":"2030-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	req.Header.Set(server.HeaderUserID, company.String())
	req.Header.Set(server.HeaderUserRole, "COMPANY")
	req.Header.Set(server.HeaderFeatures, "bonds, insurances")
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := h.do(t, "GET", "/v1/bonds", uuid.Nil, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["bonds"].([]any), 1)

	// A plain user cannot issue.
	code, _ = h.do(t, "POST", "/v1/bonds", user, "", map[string]any{
		"name": "x", "face_value": 1, "total_supply": 1, "maturity": "2030-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusForbidden, code)

	req, err = http.NewRequest("POST", h.http.URL+"/v1/policies", bytes.NewBufferString(
		`{"name":"Term life","coverage":5000000,"premium_amount":1200,"term_days":365}`))
	require.NoError(t, err)
	req.Header.Set(server.HeaderUserID, company.String())
	req.Header.Set(server.HeaderUserRole, "COMPANY")
	req.Header.Set(server.HeaderFeatures, "insurances")
	resp, err = h.http.Client().Do(req)
	require.NoError(t, err)
	var policy underwriting.Policy
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&policy))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body = h.do(t, "POST", "/v1/policies/"+policy.PolicyID.String()+"/apply", user, "", map[string]any{
		"applicant": map[string]any{
			"age": 30, "gender": "male", "height_cm": 180, "weight_kg": 75,
			"alcohol": "none", "activity_level": "active", "diet": "good", "occupation": "teacher",
		},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "APPROVED", body["status"])

	code, body = h.do(t, "GET", "/v1/users/"+user.String()+"/obligations", user, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["obligations"].([]any), 1)
}

func TestHTTP_Healthz(t *testing.T) {
	h := newHarness(t)
	resp, err := h.http.Client().Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.ServeGRPC(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// invoke calls a LedgerService method with the JSON codec.
func invoke(ctx context.Context, conn *grpc.ClientConn, name string, in, out any) error {
	return conn.Invoke(ctx, "/"+server.ServiceName+"/"+name, in, out, rpc.CallOption())
}

func TestGRPC_LedgerService(t *testing.T) {
	h := newHarness(t)
	conn := dialBufconn(t, h)
	user := uuid.New()
	ctx := metadata.AppendToOutgoingContext(context.Background(), server.HeaderUserID, user.String())

	var cash core.CashResult
	err := invoke(ctx, conn, "Deposit", &core.CashRequest{Amount: 2_500}, &cash)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), cash.Balance.Amount)
	assert.Equal(t, user, cash.Record.UserID)

	var trade core.TradeResult
	err = invoke(ctx, conn, "Buy", &core.TradeRequest{InstrumentID: "stock:TCS", Quantity: 2, UnitPrice: 1_000}, &trade)
	require.NoError(t, err)
	assert.Equal(t, int64(500), trade.Balance.Amount)

	var balance query.BalanceResponse
	err = invoke(ctx, conn, "GetBalance", &server.UserRequest{}, &balance)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Amount)

	err = invoke(ctx, conn, "Withdraw", &core.CashRequest{Amount: 501}, &cash)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = invoke(context.Background(), conn, "GetBalance", &server.UserRequest{}, &balance)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), server.HeaderUserID, "nope")
	err = invoke(bad, conn, "GetBalance", &server.UserRequest{}, &balance)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("Deposit", "OK")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("Withdraw", "FailedPrecondition")))
}

func TestGRPC_Health(t *testing.T) {
	h := newHarness(t)
	conn := dialBufconn(t, h)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
