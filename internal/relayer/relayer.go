// Package relayer turns pending request-ledger entries into chain
// transactions. It is the only component allowed to complete a request, and
// each request resolves to exactly one completion: a transaction reference on
// success, a zero reference plus a failure reason on terminal failure. A
// request blocked on operator approvals is released back to pending rather
// than completed; only submission outcomes resolve a request.
//
// Each relaying identity owns one worker, so two submissions can never race
// for the same sequence slot; requests are routed to workers by requester
// address, which also keeps one user's instructions in order. Workers for
// different identities run fully in parallel.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DJ3N/sms-wallet/internal/backoff"
	"github.com/DJ3N/sms-wallet/internal/chain"
	"github.com/DJ3N/sms-wallet/internal/notify"
	"github.com/DJ3N/sms-wallet/internal/requests"
)

// Chain is the submission capability the relayer consumes.
type Chain interface {
	PendingNonce(ctx context.Context, identity common.Address) (uint64, error)
	SubmitTransaction(ctx context.Context, tx chain.Tx) (common.Hash, error)
}

type Config struct {
	// Identities are the relaying accounts; one worker per identity.
	Identities []common.Address
	// PollInterval is how often the pending queue is scanned.
	PollInterval time.Duration
	// BatchSize caps how many pending requests one scan picks up.
	BatchSize int
	// MaxAttempts bounds submissions per request before a retryable failure
	// is converted to a terminal one.
	MaxAttempts int
	// SubmitTimeout bounds one submission; past it the attempt counts as
	// failed-retryable, never as succeeded.
	SubmitTimeout time.Duration
	// RetryBase and RetryMax shape the backoff schedule between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
	// Notifier, when set, receives a signed callback for every completion.
	Notifier *notify.Notifier
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
}

type Relayer struct {
	ledger *requests.Ledger
	chain  Chain
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(ledger *requests.Ledger, ch Chain, cfg Config, log *zap.Logger) (*Relayer, error) {
	if len(cfg.Identities) == 0 {
		return nil, errors.New("relayer needs at least one relaying identity")
	}
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Relayer{
		ledger:   ledger,
		chain:    ch,
		cfg:      cfg,
		log:      log,
		inflight: make(map[string]struct{}),
	}, nil
}

// claim marks a request as handed to a worker. It returns false if the
// request is already in flight from an earlier scan.
func (r *Relayer) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Relayer) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// Run relays pending requests until ctx is cancelled. A request claimed when
// cancellation hits is left pending and picked up on the next run.
func (r *Relayer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	queues := make([]chan requests.Request, len(r.cfg.Identities))
	for i, identity := range r.cfg.Identities {
		identity := identity
		ch := make(chan requests.Request)
		queues[i] = ch
		g.Go(func() error {
			r.worker(ctx, identity, ch)
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		return r.dispatch(ctx, queues)
	})
	return g.Wait()
}

// dispatch scans the pending queue and routes work to workers. The inflight
// set keeps a slow request from being handed out twice across scans.
func (r *Relayer) dispatch(ctx context.Context, queues []chan requests.Request) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		batch, err := r.ledger.PendingBatch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("pending scan failed", zap.Error(err))
		}
		for _, req := range batch {
			if !r.claim(req.ID) {
				continue
			}
			// Routing by requester address keeps one user's instructions on
			// one identity, and therefore in order.
			q := queues[int(req.Address.Bytes()[common.AddressLength-1])%len(queues)]
			select {
			case q <- req:
			case <-ctx.Done():
				r.release(req.ID)
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relayer) worker(ctx context.Context, identity common.Address, queue <-chan requests.Request) {
	log := r.log.With(zap.String("identity", identity.Hex()))
	for req := range queue {
		if ctx.Err() != nil {
			r.release(req.ID)
			continue
		}
		r.process(ctx, log, identity, req)
		r.release(req.ID)
	}
}

// process drives one request to completion. Retryable submission failures
// are retried with backoff up to MaxAttempts; exhaustion and contract-level
// failures complete the request as failed.
func (r *Relayer) process(ctx context.Context, log *zap.Logger, identity common.Address, req requests.Request) {
	log = log.With(
		zap.String("request_id", req.ID),
		zap.String("address", req.Address.Hex()),
		zap.String("hash", req.Hash.Hex()))

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, backoff.Delay(r.cfg.RetryBase, r.cfg.RetryMax, attempt-1)) {
				return
			}
		}
		txHash, err := r.submitOnce(ctx, identity, req)
		if err == nil {
			r.complete(ctx, log, req.ID, txHash, "")
			return
		}
		var already *chain.AlreadyRelayedError
		if errors.As(err, &already) {
			// Executed on a prior run that crashed before write-back.
			log.Warn("request was already relayed, recovering tx ref", zap.String("tx", already.TxHash.Hex()))
			r.complete(ctx, log, req.ID, already.TxHash, "")
			return
		}
		if errors.Is(err, chain.ErrApprovalPending) {
			// Waiting on operators, not on the chain. Leave the request
			// pending for a later scan; the retry budget is for transient
			// submission failures only.
			log.Debug("request awaits operator approvals")
			return
		}
		if ctx.Err() != nil {
			// Shutting down; leave the request pending.
			return
		}
		if !retryable(err) {
			log.Info("terminal submission failure", zap.Error(err))
			r.complete(ctx, log, req.ID, common.Hash{}, err.Error())
			return
		}
		lastErr = err
		log.Debug("retryable submission failure", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	r.complete(ctx, log, req.ID, common.Hash{},
		fmt.Sprintf("retries exhausted after %d attempts: %v", r.cfg.MaxAttempts, lastErr))
}

func (r *Relayer) submitOnce(ctx context.Context, identity common.Address, req requests.Request) (common.Hash, error) {
	submitCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()
	// A fresh nonce per attempt: a conflict means the slot was consumed and
	// the next attempt takes the next available one.
	nonce, err := r.chain.PendingNonce(submitCtx, identity)
	if err != nil {
		return common.Hash{}, err
	}
	return r.chain.SubmitTransaction(submitCtx, chain.Tx{
		Identity: identity,
		Origin:   req.Address,
		Nonce:    nonce,
		Payload:  req.Payload,
	})
}

func (r *Relayer) complete(ctx context.Context, log *zap.Logger, id string, txHash common.Hash, reason string) {
	// Completion must land even when the parent context is on its way out.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	stored, err := r.ledger.Complete(cctx, id, txHash, reason)
	if err != nil {
		// NotFound here is a programmer error; either way the request will
		// resurface on the next scan, so be loud and move on.
		log.Error("failed to complete request", zap.Error(err))
		return
	}
	r.cfg.Notifier.RequestCompleted(cctx, stored)
	if reason == "" {
		log.Info("request completed", zap.String("tx", txHash.Hex()))
	} else {
		log.Info("request failed", zap.String("reason", reason))
	}
}

func retryable(err error) bool {
	return chain.Retryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
