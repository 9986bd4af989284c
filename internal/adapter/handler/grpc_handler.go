package handler

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/core/service"
)

const (
	LedgerServiceName = "ledger.v1.LedgerService"

	// codecName is the content-subtype clients must request
	// (application/grpc+json).
	codecName = "json"

	// domainCodeTrailer carries the domain error code next to the gRPC status.
	domainCodeTrailer = "domain-code"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GetStatsRequest struct {
	Bucket string `json:"bucket"`
}

type LedgerServiceServer interface {
	Transfer(context.Context, *TransferRequest) (*domain.LedgerEntry, error)
	CreateOrder(context.Context, *CreateOrderRequest) (*domain.Order, error)
	GetStats(context.Context, *GetStatsRequest) (*domain.StatsSnapshot, error)
	CreateAccount(context.Context, *CreateAccountRequest) (*domain.Account, error)
	CreateItem(context.Context, *CreateItemRequest) (*domain.InventoryItem, error)
}

func unary[Req, Resp any](method string, call func(LedgerServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(LedgerServiceServer)
			if interceptor == nil {
				resp, err := call(s, ctx, req)
				return resp, err
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + LedgerServiceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				resp, err := call(s, ctx, req.(*Req))
				return resp, err
			})
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Transfer", LedgerServiceServer.Transfer),
		unary("CreateOrder", LedgerServiceServer.CreateOrder),
		unary("GetStats", LedgerServiceServer.GetStats),
		unary("CreateAccount", LedgerServiceServer.CreateAccount),
		unary("CreateItem", LedgerServiceServer.CreateItem),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.json",
}

type GRPCHandler struct {
	svc *service.ReservationService
	log logrus.FieldLogger
}

func NewGRPCHandler(svc *service.ReservationService, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{svc: svc, log: log}
}

// Register adds the ledger service and the standard health service to s.
func (h *GRPCHandler) Register(s *grpc.Server) *health.Server {
	s.RegisterService(&ledgerServiceDesc, h)

	hs := health.NewServer()
	hs.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func (h *GRPCHandler) Transfer(ctx context.Context, req *TransferRequest) (*domain.LedgerEntry, error) {
	entry, err := h.svc.Transfer(ctx, req.FromAccountID, req.ToAccountID, req.Amount, req.OperationID)
	if err != nil {
		return nil, h.toStatus(ctx, err)
	}
	return &entry, nil
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	order, err := h.svc.CreateOrder(ctx, req.AccountID, req.LineItems, req.OperationID)
	if err != nil {
		return nil, h.toStatus(ctx, err)
	}
	return &order, nil
}

func (h *GRPCHandler) GetStats(ctx context.Context, req *GetStatsRequest) (*domain.StatsSnapshot, error) {
	snap, err := h.svc.GetStats(req.Bucket)
	if err != nil {
		return nil, h.toStatus(ctx, err)
	}
	return &snap, nil
}

func (h *GRPCHandler) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	acc, err := h.svc.CreateAccount(ctx, req.ID, req.Balance)
	if err != nil {
		return nil, h.toStatus(ctx, err)
	}
	return &acc, nil
}

func (h *GRPCHandler) CreateItem(ctx context.Context, req *CreateItemRequest) (*domain.InventoryItem, error) {
	item, err := h.svc.CreateItem(ctx, req.ID, req.StockCount, req.UnitPrice)
	if err != nil {
		return nil, h.toStatus(ctx, err)
	}
	return &item, nil
}

func (h *GRPCHandler) toStatus(ctx context.Context, err error) error {
	code := domain.CodeOf(err)
	if code == domain.CodeUnknown {
		h.log.WithError(err).Error("grpc request failed")
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(domainCodeTrailer, string(code)))
	return status.Error(code.GRPCCode(), err.Error())
}

// LedgerClient calls LedgerService over a connection using the JSON codec.
type LedgerClient struct {
	conn grpc.ClientConnInterface
}

func NewLedgerClient(conn grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{conn: conn}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, req, resp any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+LedgerServiceName+"/"+method, req, resp,
		grpc.CallContentSubtype(codecName), grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	codes := trailer.Get(domainCodeTrailer)
	if len(codes) == 0 {
		return err
	}
	return domain.Wrap(domain.Code(codes[0]), status.Convert(err).Message(), err)
}

func (c *LedgerClient) Transfer(ctx context.Context, req *TransferRequest) (*domain.LedgerEntry, error) {
	resp := new(domain.LedgerEntry)
	if err := c.invoke(ctx, "Transfer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LedgerClient) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	resp := new(domain.Order)
	if err := c.invoke(ctx, "CreateOrder", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LedgerClient) GetStats(ctx context.Context, req *GetStatsRequest) (*domain.StatsSnapshot, error) {
	resp := new(domain.StatsSnapshot)
	if err := c.invoke(ctx, "GetStats", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LedgerClient) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	resp := new(domain.Account)
	if err := c.invoke(ctx, "CreateAccount", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LedgerClient) CreateItem(ctx context.Context, req *CreateItemRequest) (*domain.InventoryItem, error) {
	resp := new(domain.InventoryItem)
	if err := c.invoke(ctx, "CreateItem", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
