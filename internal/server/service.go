package server

import (
	"context"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/core"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/query"
	"FolioLedger/internal/state"
	"FolioLedger/internal/underwriting"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "folio.ledger.v1.LedgerService"

// ============================================================================
// Messages
// ============================================================================

type UserRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type HistoryRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Limit  int       `json:"limit"`
}

type RecordsRequest struct {
	UserID   uuid.UUID `json:"user_id"`
	Kind     string    `json:"kind,omitempty"`
	BeforeID string    `json:"before_id,omitempty"`
	Limit    int       `json:"limit"`
}

type Empty struct{}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type HistoryResponse struct {
	Entries []query.BalanceHistoryEntry `json:"entries"`
}

type BondsResponse struct {
	Bonds []query.BondResponse `json:"bonds"`
}

type ObligationsResponse struct {
	Obligations []underwriting.Obligation `json:"obligations"`
}

// LedgerServer is the handler set registered under ServiceName.
type LedgerServer interface {
	Buy(context.Context, *core.TradeRequest) (*core.TradeResult, error)
	Sell(context.Context, *core.TradeRequest) (*core.TradeResult, error)
	Deposit(context.Context, *core.CashRequest) (*core.CashResult, error)
	Withdraw(context.Context, *core.CashRequest) (*core.CashResult, error)
	GetBalance(context.Context, *UserRequest) (*query.BalanceResponse, error)
	GetBalanceHistory(context.Context, *HistoryRequest) (*HistoryResponse, error)
	ListPositions(context.Context, *UserRequest) (*PositionsResponse, error)
	ListRecords(context.Context, *RecordsRequest) (*query.RecordsPage, error)
	ListBonds(context.Context, *Empty) (*BondsResponse, error)
	IssueBond(context.Context, *state.BondSpec) (*state.Bond, error)
	CreatePolicy(context.Context, *underwriting.PolicySpec) (*underwriting.Policy, error)
	ApplyForPolicy(context.Context, *underwriting.ApplyRequest) (*underwriting.Obligation, error)
	ListObligations(context.Context, *UserRequest) (*ObligationsResponse, error)
}

// ============================================================================
// LedgerService
// ============================================================================

// LedgerService adapts the domain services to the transport. Every method
// resolves the caller from the context first.
type LedgerService struct {
	store        *persistence.Store
	trades       *core.TradeEngine
	cash         *core.CashService
	query        *query.Service
	catalog      *state.InstrumentCatalog
	underwriting *underwriting.Service
}

var _ LedgerServer = (*LedgerService)(nil)

// Deps holds the domain services the transport serves.
type Deps struct {
	Store        *persistence.Store
	Clock        clock.Clock
	Trades       *core.TradeEngine
	Cash         *core.CashService
	Query        *query.Service
	Underwriting *underwriting.Service
}

func NewLedgerService(d Deps) *LedgerService {
	return &LedgerService{
		store:        d.Store,
		trades:       d.Trades,
		cash:         d.Cash,
		query:        d.Query,
		catalog:      state.NewInstrumentCatalog(d.Clock),
		underwriting: d.Underwriting,
	}
}

func (s *LedgerService) Buy(ctx context.Context, req *core.TradeRequest) (*core.TradeResult, error) {
	r, err := s.tradeFor(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.trades.Buy(ctx, r)
}

func (s *LedgerService) Sell(ctx context.Context, req *core.TradeRequest) (*core.TradeResult, error) {
	r, err := s.tradeFor(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.trades.Sell(ctx, r)
}

func (s *LedgerService) tradeFor(ctx context.Context, req *core.TradeRequest) (core.TradeRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return core.TradeRequest{}, err
	}
	r := *req
	if r.UserID, err = actingFor(actor, r.UserID); err != nil {
		return core.TradeRequest{}, err
	}
	return r, nil
}

func (s *LedgerService) Deposit(ctx context.Context, req *core.CashRequest) (*core.CashResult, error) {
	r, err := s.cashFor(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.cash.Deposit(ctx, r)
}

func (s *LedgerService) Withdraw(ctx context.Context, req *core.CashRequest) (*core.CashResult, error) {
	r, err := s.cashFor(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.cash.Withdraw(ctx, r)
}

func (s *LedgerService) cashFor(ctx context.Context, req *core.CashRequest) (core.CashRequest, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return core.CashRequest{}, err
	}
	r := *req
	if r.UserID, err = actingFor(actor, r.UserID); err != nil {
		return core.CashRequest{}, err
	}
	return r, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, req *UserRequest) (*query.BalanceResponse, error) {
	userID, err := s.userFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return s.query.Balance(ctx, userID)
}

func (s *LedgerService) GetBalanceHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	userID, err := s.userFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	entries, err := s.query.BalanceHistory(ctx, userID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{Entries: entries}, nil
}

func (s *LedgerService) ListPositions(ctx context.Context, req *UserRequest) (*PositionsResponse, error) {
	userID, err := s.userFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	positions, err := s.query.OpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (s *LedgerService) ListRecords(ctx context.Context, req *RecordsRequest) (*query.RecordsPage, error) {
	userID, err := s.userFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return s.query.Records(ctx, userID, req.Kind, req.BeforeID, req.Limit)
}

func (s *LedgerService) ListBonds(ctx context.Context, _ *Empty) (*BondsResponse, error) {
	bonds, err := s.query.AvailableBonds(ctx)
	if err != nil {
		return nil, err
	}
	return &BondsResponse{Bonds: bonds}, nil
}

func (s *LedgerService) IssueBond(ctx context.Context, spec *state.BondSpec) (*state.Bond, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	var bond *state.Bond
	err = s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow *persistence.UnitOfWork) error {
		var err error
		bond, err = s.catalog.IssueBond(ctx, uow, actor, *spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bond, nil
}

func (s *LedgerService) CreatePolicy(ctx context.Context, spec *underwriting.PolicySpec) (*underwriting.Policy, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.underwriting.CreatePolicy(ctx, actor, *spec)
}

func (s *LedgerService) ApplyForPolicy(ctx context.Context, req *underwriting.ApplyRequest) (*underwriting.Obligation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.underwriting.Apply(ctx, actor, *req)
}

func (s *LedgerService) ListObligations(ctx context.Context, req *UserRequest) (*ObligationsResponse, error) {
	userID, err := s.userFor(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	obligations, err := s.underwriting.Obligations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if obligations == nil {
		obligations = []underwriting.Obligation{}
	}
	return &ObligationsResponse{Obligations: obligations}, nil
}

func (s *LedgerService) userFor(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return actingFor(actor, userID)
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary builds a method descriptor that decodes into Req and runs the
// interceptor chain around call.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService. There
// is no generated stub: messages travel through the rpc JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Buy", LedgerServer.Buy),
		unary("Sell", LedgerServer.Sell),
		unary("Deposit", LedgerServer.Deposit),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("GetBalanceHistory", LedgerServer.GetBalanceHistory),
		unary("ListPositions", LedgerServer.ListPositions),
		unary("ListRecords", LedgerServer.ListRecords),
		unary("ListBonds", LedgerServer.ListBonds),
		unary("IssueBond", LedgerServer.IssueBond),
		unary("CreatePolicy", LedgerServer.CreatePolicy),
		unary("ApplyForPolicy", LedgerServer.ApplyForPolicy),
		unary("ListObligations", LedgerServer.ListObligations),
	},
}
