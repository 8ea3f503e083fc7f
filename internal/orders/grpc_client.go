package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the remote order service. Requests and responses are
// google.protobuf.Struct messages.
const (
	MethodFindByUser = "/parcel.orders.v1.OrderService/FindByUser"
	MethodFindByID   = "/parcel.orders.v1.OrderService/FindById"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedOrder           = errors.New("malformed order payload")
)

// GrpcClient queries the remote order service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the order service and fails fast if it is not
// reachable within the connect timeout.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("order service address is empty")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to order service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("order service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to order service", "address", cfg.Address)
	return &GrpcClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// FindByUser implements Query.
func (c *GrpcClient) FindByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	req, err := structpb.NewStruct(map[string]any{
		"user_id": userID,
		"limit":   DefaultListLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("build FindByUser request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodFindByUser, req, resp); err != nil {
		c.logger.Warn("FindByUser failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("find orders for %s: %w", userID, err)
	}

	list := resp.GetFields()["orders"].GetListValue()
	orders := make([]domain.Order, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		order, err := orderFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// FindByID implements Query. A NotFound status maps to a nil order.
func (c *GrpcClient) FindByID(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	req, err := structpb.NewStruct(map[string]any{
		"user_id":  userID,
		"order_id": orderID,
	})
	if err != nil {
		return nil, fmt.Errorf("build FindById request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodFindByID, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		c.logger.Warn("FindById failed", "user_id", userID, "order_id", orderID, "error", err)
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	s := resp.GetFields()["order"].GetStructValue()
	if s == nil {
		return nil, nil
	}
	return orderFromStruct(s)
}

func orderFromStruct(s *structpb.Struct) (*domain.Order, error) {
	if s == nil {
		return nil, errMalformedOrder
	}
	f := s.GetFields()
	order := &domain.Order{
		ID:         f["id"].GetStringValue(),
		UserID:     f["user_id"].GetStringValue(),
		Status:     f["status"].GetStringValue(),
		TotalCents: safeInt64(f["total_cents"].GetNumberValue()),
		Currency:   f["currency"].GetStringValue(),
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: missing id", errMalformedOrder)
	}
	if raw := f["placed_at"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: placed_at: %v", errMalformedOrder, err)
		}
		order.PlacedAt = t
	}
	if raw := f["eta"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: eta: %v", errMalformedOrder, err)
		}
		order.ETA = &t
	}
	for _, v := range f["items"].GetListValue().GetValues() {
		item := v.GetStructValue().GetFields()
		order.Items = append(order.Items, domain.OrderItem{
			Name:     item["name"].GetStringValue(),
			Quantity: int(safeInt64(item["quantity"].GetNumberValue())),
		})
	}
	return order, nil
}

// OrderToStruct encodes an order in the wire shape the service uses.
func OrderToStruct(o domain.Order) (*structpb.Struct, error) {
	items := make([]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{"name": it.Name, "quantity": it.Quantity})
	}
	m := map[string]any{
		"id":          o.ID,
		"user_id":     o.UserID,
		"status":      o.Status,
		"total_cents": o.TotalCents,
		"currency":    o.Currency,
		"items":       items,
	}
	if !o.PlacedAt.IsZero() {
		m["placed_at"] = o.PlacedAt.UTC().Format(time.RFC3339)
	}
	if o.ETA != nil {
		m["eta"] = o.ETA.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(m)
}

func safeInt64(v float64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	if v < math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

var _ Query = (*GrpcClient)(nil)
