package server

import (
	"context"
	"fmt"
	"time"

	"SafeLedger/internal/ingestion"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/query"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LedgerServer is the safeledger.v1.Ledger service.
type LedgerServer interface {
	Deposit(context.Context, *DepositRequest) (*DepositResponse, error)
	Settle(context.Context, *SettleRequest) (*OperationResult, error)
	Enqueue(context.Context, *EnqueueRequest) (*EntryResult, error)
	ProcessNext(context.Context, *ProcessRequest) (*EntryResult, error)
	Cancel(context.Context, *CancelRequest) (*EntryResult, error)
	Balance(context.Context, *BalanceRequest) (*query.AccountView, error)
	Value(context.Context, *BalanceRequest) (*settlement.Valuation, error)
	SharePrice(context.Context, *SharePriceRequest) (*query.SharePriceView, error)
	QueueStatus(context.Context, *QueueStatusRequest) (*QueueStatusResponse, error)
	Operation(context.Context, *OperationRequest) (*query.OperationResponse, error)
	History(context.Context, *HistoryRequest) (*query.HistoryResponse, error)
	Journal(context.Context, *JournalRequest) (*JournalResponse, error)
	VerifyIntegrity(context.Context, *IntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
}

// Auditor reads the durable journal. Only the Postgres backend has one.
type Auditor interface {
	Journal(ctx context.Context, account ledger.AccountID, limit int, beforeSequence *uint64) ([]query.JournalEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Snapshotter takes an on-demand snapshot.
type Snapshotter interface {
	Take(ctx context.Context) (*persistence.SnapshotData, error)
}

// Deps holds everything the service reads from or writes to. Auditor and
// Snapshots may be nil; their methods then return Unimplemented.
type Deps struct {
	Engine    *settlement.Engine
	Queue     *queue.Queue
	Ingestor  *ingestion.Ingestor
	Reader    query.Reader
	Auditor   Auditor
	Snapshots Snapshotter

	// Valuations is set when the engine was built with an oracle.
	Valuations bool
}

// Service implements LedgerServer on top of the engine and queue. Every
// error it returns is a gRPC status.
type Service struct {
	deps Deps
}

var _ LedgerServer = (*Service)(nil)

func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

func (s *Service) Deposit(ctx context.Context, req *DepositRequest) (*DepositResponse, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	credited, res, err := s.deps.Ingestor.Apply(ctx, ingestion.Deposit{
		DepositID: req.DepositID,
		Account:   req.Account,
		Amount:    req.Amount,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	acct, _ := s.deps.Engine.Account(req.Account)
	return &DepositResponse{
		Result:   string(res),
		Credited: credited,
		Balance:  acct.Balance,
		Shares:   acct.Shares,
		Sequence: s.deps.Engine.Sequence(),
	}, nil
}

func (s *Service) Settle(ctx context.Context, req *SettleRequest) (*OperationResult, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	op, err := s.deps.Engine.Settle(ctx, settlement.SettleRequest{
		Account:       req.Account,
		Amount:        req.Amount,
		Authorization: req.Authorization,
		Budget:        time.Duration(req.BudgetMillis) * time.Millisecond,
	})
	if err != nil {
		if op.ID != uuid.Nil {
			return nil, toStatus(err, "operation_id", op.ID.String(), "status", op.Status.String())
		}
		return nil, toStatus(err)
	}
	return &OperationResult{Operation: op}, nil
}

func (s *Service) Enqueue(_ context.Context, req *EnqueueRequest) (*EntryResult, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	entry, err := s.deps.Queue.Enqueue(queue.EnqueueRequest{
		Account:       req.Account,
		Amount:        req.Amount,
		Authorization: req.Authorization,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResult{Entry: entry}, nil
}

func (s *Service) ProcessNext(ctx context.Context, req *ProcessRequest) (*EntryResult, error) {
	var (
		entry queue.Entry
		err   error
	)
	if req.Seq != 0 {
		entry, err = s.deps.Queue.ProcessEntry(ctx, req.Seq)
	} else {
		entry, err = s.deps.Queue.ProcessNext(ctx)
	}
	if err != nil {
		if entry.Seq != 0 {
			return nil, toStatus(err,
				"seq", fmt.Sprint(entry.Seq),
				"entry_status", string(entry.Status),
				"attempts", fmt.Sprint(entry.Attempts))
		}
		return nil, toStatus(err)
	}
	return &EntryResult{Entry: entry}, nil
}

func (s *Service) Cancel(_ context.Context, req *CancelRequest) (*EntryResult, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	entry, err := s.deps.Queue.Cancel(queue.CancelRequest{
		Account:       req.Account,
		Seq:           req.Seq,
		Authorization: req.Authorization,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResult{Entry: entry}, nil
}

// Balance reads live engine state. Unknown accounts read as zero.
func (s *Service) Balance(_ context.Context, req *BalanceRequest) (*query.AccountView, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	view, _ := query.Account(s.deps.Engine, req.Account)
	return &view, nil
}

// Value prices the account's balance through the oracle guard.
func (s *Service) Value(ctx context.Context, req *BalanceRequest) (*settlement.Valuation, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	if !s.deps.Valuations {
		return nil, status.Error(codes.Unimplemented, "no oracle configured")
	}
	v, err := s.deps.Engine.ValueOf(ctx, req.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &v, nil
}

func (s *Service) SharePrice(context.Context, *SharePriceRequest) (*query.SharePriceView, error) {
	view := query.SharePrice(s.deps.Engine)
	return &view, nil
}

func (s *Service) QueueStatus(_ context.Context, req *QueueStatusRequest) (*QueueStatusResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxQueuePage {
		limit = maxQueuePage
	}
	head := s.deps.Queue.CurrentIndex()
	from := req.From
	if from == 0 {
		from = head
	}
	entries := s.deps.Queue.Entries(from, limit)
	if entries == nil {
		entries = []queue.Entry{}
	}
	return &QueueStatusResponse{
		Length:       s.deps.Queue.Length(),
		CurrentIndex: head,
		Entries:      entries,
	}, nil
}

func (s *Service) Operation(ctx context.Context, req *OperationRequest) (*query.OperationResponse, error) {
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid operation id %q: %v", req.ID, err)
	}
	resp, err := s.deps.Reader.Operation(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) History(ctx context.Context, req *HistoryRequest) (*query.HistoryResponse, error) {
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	resp, err := s.deps.Reader.History(ctx, req.Account, req.Limit, req.Before)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) Journal(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	if s.deps.Auditor == nil {
		return nil, status.Error(codes.Unimplemented, "journal queries need the postgres store")
	}
	if err := requireAccount(req.Account); err != nil {
		return nil, err
	}
	entries, err := s.deps.Auditor.Journal(ctx, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalEntry{}
	}
	return &JournalResponse{Account: req.Account.Hex(), Entries: entries}, nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	if s.deps.Auditor == nil {
		return nil, status.Error(codes.Unimplemented, "integrity checks need the postgres store")
	}
	report, err := s.deps.Auditor.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *SnapshotRequest) (*SnapshotResponse, error) {
	if s.deps.Snapshots == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are disabled")
	}
	snap, err := s.deps.Snapshots.Take(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Sequence: snap.Sequence, StateHash: snap.StateHash.Hex()}, nil
}

func requireAccount(id ledger.AccountID) error {
	if id == (ledger.AccountID{}) {
		return status.Error(codes.InvalidArgument, "account is required")
	}
	return nil
}
