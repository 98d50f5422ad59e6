package server

import (
	"context"
	"fmt"

	"SafeLedger/internal/query"
	"SafeLedger/internal/settlement"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls safeledger.v1.Ledger over gRPC with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. Callers must have selected the
// JSON content-subtype, as Dial does.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error { return c.conn.Close() }

func invokeRPC[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Deposit(ctx context.Context, req *DepositRequest) (*DepositResponse, error) {
	return invokeRPC[DepositResponse](ctx, c, "Deposit", req)
}

func (c *Client) Settle(ctx context.Context, req *SettleRequest) (*OperationResult, error) {
	return invokeRPC[OperationResult](ctx, c, "Settle", req)
}

func (c *Client) Enqueue(ctx context.Context, req *EnqueueRequest) (*EntryResult, error) {
	return invokeRPC[EntryResult](ctx, c, "Enqueue", req)
}

func (c *Client) ProcessNext(ctx context.Context, req *ProcessRequest) (*EntryResult, error) {
	return invokeRPC[EntryResult](ctx, c, "ProcessNext", req)
}

func (c *Client) Cancel(ctx context.Context, req *CancelRequest) (*EntryResult, error) {
	return invokeRPC[EntryResult](ctx, c, "Cancel", req)
}

func (c *Client) Balance(ctx context.Context, req *BalanceRequest) (*query.AccountView, error) {
	return invokeRPC[query.AccountView](ctx, c, "Balance", req)
}

func (c *Client) Value(ctx context.Context, req *BalanceRequest) (*settlement.Valuation, error) {
	return invokeRPC[settlement.Valuation](ctx, c, "Value", req)
}

func (c *Client) SharePrice(ctx context.Context, req *SharePriceRequest) (*query.SharePriceView, error) {
	return invokeRPC[query.SharePriceView](ctx, c, "SharePrice", req)
}

func (c *Client) QueueStatus(ctx context.Context, req *QueueStatusRequest) (*QueueStatusResponse, error) {
	return invokeRPC[QueueStatusResponse](ctx, c, "QueueStatus", req)
}

func (c *Client) Operation(ctx context.Context, req *OperationRequest) (*query.OperationResponse, error) {
	return invokeRPC[query.OperationResponse](ctx, c, "Operation", req)
}

func (c *Client) History(ctx context.Context, req *HistoryRequest) (*query.HistoryResponse, error) {
	return invokeRPC[query.HistoryResponse](ctx, c, "History", req)
}

func (c *Client) Journal(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	return invokeRPC[JournalResponse](ctx, c, "Journal", req)
}

func (c *Client) VerifyIntegrity(ctx context.Context, req *IntegrityRequest) (*query.IntegrityReport, error) {
	return invokeRPC[query.IntegrityReport](ctx, c, "VerifyIntegrity", req)
}

func (c *Client) TakeSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	return invokeRPC[SnapshotResponse](ctx, c, "TakeSnapshot", req)
}

var _ LedgerServer = (*Client)(nil)
