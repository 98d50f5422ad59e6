package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// binder fills a request from the path parameters and query string. The
// JSON body, when present, is decoded first.
type binder[Req any] func(r *http.Request, params map[string]string, req *Req) error

// Gateway serves the ledger service as HTTP/JSON on a grpc-gateway runtime
// mux. It calls the service in process; errors are rendered by the mux's
// error handler so HTTP codes follow the gRPC status codes.
type Gateway struct {
	mux     *runtime.ServeMux
	handler http.Handler
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewGateway(svc LedgerServer, healthChecker *observability.HealthChecker, metrics *observability.Metrics) (*Gateway, error) {
	g := &Gateway{
		mux:     runtime.NewServeMux(),
		metrics: metrics,
		log:     observability.NewLogger("gateway"),
	}

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/deposits", handle(g, "Deposit", svc.Deposit, nil)},
		{"POST", "/v1/settlements", handle(g, "Settle", svc.Settle, nil)},
		{"POST", "/v1/queue", handle(g, "Enqueue", svc.Enqueue, nil)},
		{"POST", "/v1/queue/process", handle(g, "ProcessNext", svc.ProcessNext, nil)},
		{"DELETE", "/v1/queue/{seq}", handle(g, "Cancel", svc.Cancel, bindCancel)},
		{"GET", "/v1/queue", handle(g, "QueueStatus", svc.QueueStatus, bindQueueStatus)},
		{"GET", "/v1/accounts/{account}", handle(g, "Balance", svc.Balance, bindBalance)},
		{"GET", "/v1/accounts/{account}/value", handle(g, "Value", svc.Value, bindBalance)},
		{"GET", "/v1/accounts/{account}/history", handle(g, "History", svc.History, bindHistory)},
		{"GET", "/v1/accounts/{account}/journal", handle(g, "Journal", svc.Journal, bindJournal)},
		{"GET", "/v1/share-price", handle(g, "SharePrice", svc.SharePrice, nil)},
		{"GET", "/v1/operations/{id}", handle(g, "Operation", svc.Operation, bindOperation)},
		{"GET", "/v1/admin/integrity", handle(g, "VerifyIntegrity", svc.VerifyIntegrity, nil)},
		{"POST", "/v1/admin/snapshots", handle(g, "TakeSnapshot", svc.TakeSnapshot, nil)},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if healthChecker != nil {
		httpMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", g.mux)
	g.handler = httpMux
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{Handler: g, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		g.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	g.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP gateway listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handle[Req, Resp any](g *Gateway, name string, call func(context.Context, *Req) (*Resp, error), bind binder[Req]) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := invoke(r, params, call, bind)
		observe(g.metrics, g.log, name, start, err)
		if err != nil {
			_, outbound := runtime.MarshalerForRequest(g.mux, r)
			runtime.HTTPError(r.Context(), g.mux, outbound, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			g.log.Warn().Err(err).Str("method", name).Msg("write response")
		}
	}
}

func invoke[Req, Resp any](r *http.Request, params map[string]string, call func(context.Context, *Req) (*Resp, error), bind binder[Req]) (*Resp, error) {
	req := new(Req)
	if r.Body != nil && r.Body != http.NoBody {
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
			return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
		}
	}
	if bind != nil {
		if err := bind(r, params, req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return call(r.Context(), req)
}

// === Binders ===

func bindCancel(_ *http.Request, params map[string]string, req *CancelRequest) error {
	seq, err := strconv.ParseUint(params["seq"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid seq %q", params["seq"])
	}
	req.Seq = seq
	return nil
}

func bindQueueStatus(r *http.Request, _ map[string]string, req *QueueStatusRequest) error {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		from, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid from %q", v)
		}
		req.From = from
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return err
	}
	req.Limit = limit
	return nil
}

func bindBalance(_ *http.Request, params map[string]string, req *BalanceRequest) error {
	account, err := ledger.ParseAccountID(params["account"])
	if err != nil {
		return err
	}
	req.Account = account
	return nil
}

func bindHistory(r *http.Request, params map[string]string, req *HistoryRequest) error {
	account, err := ledger.ParseAccountID(params["account"])
	if err != nil {
		return err
	}
	req.Account = account

	q := r.URL.Query()
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return err
	}
	if v := q.Get("before"); v != "" {
		before, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid before %q", v)
		}
		req.Before = &before
	}
	return nil
}

func bindJournal(r *http.Request, params map[string]string, req *JournalRequest) error {
	account, err := ledger.ParseAccountID(params["account"])
	if err != nil {
		return err
	}
	req.Account = account

	q := r.URL.Query()
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return err
	}
	if v := q.Get("before_sequence"); v != "" {
		before, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid before_sequence %q", v)
		}
		req.BeforeSequence = &before
	}
	return nil
}

func bindOperation(_ *http.Request, params map[string]string, req *OperationRequest) error {
	req.ID = params["id"]
	return nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}
