package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/internal/chain"
	"github.com/DJ3N/sms-wallet/internal/config"
	"github.com/DJ3N/sms-wallet/internal/notify"
	"github.com/DJ3N/sms-wallet/internal/operators"
	"github.com/DJ3N/sms-wallet/internal/relayer"
	"github.com/DJ3N/sms-wallet/internal/requests"
	"github.com/DJ3N/sms-wallet/internal/users"
	"github.com/DJ3N/sms-wallet/internal/wallet"
	"github.com/DJ3N/sms-wallet/pkg/authn"
	"github.com/DJ3N/sms-wallet/pkg/db"
	"github.com/DJ3N/sms-wallet/pkg/httpx"
	"github.com/DJ3N/sms-wallet/pkg/reqhash"
)

// userDirectory is the slice of the user store the API needs.
type userDirectory interface {
	Create(ctx context.Context, u users.User) (users.User, error)
	GetByAddress(ctx context.Context, address common.Address) (users.User, error)
}

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := db.MustConnect(ctx, cfg.DatabaseURL)
	defer pool.Close()

	w, err := wallet.New(wallet.Config{
		OperatorThreshold:   cfg.OperatorThreshold,
		Operators:           cfg.Operators,
		PerUserDepositLimit: cfg.PerUserDepositLimit,
		PerUserAuthLimit:    cfg.PerUserAuthLimit,
	})
	if err != nil {
		log.Fatal("wallet configuration", zap.Error(err))
	}
	backend := chain.NewBackend(w, operators.New(), log.Named("chain"))
	ledger := requests.NewLedger(requests.NewPgStore(pool), log.Named("requests"))
	userStore := users.New(pool)

	rl, err := relayer.New(ledger, backend, relayer.Config{
		Identities:   cfg.RelayerIdentities,
		PollInterval: cfg.RelayerPoll,
		MaxAttempts:  cfg.RelayerMaxAttempts,
		Notifier:     notify.New(cfg.CallbackURL, cfg.CallbackSecret, log.Named("notify")),
	}, log.Named("relayer"))
	if err != nil {
		log.Fatal("relayer configuration", zap.Error(err))
	}
	relayerDone := make(chan error, 1)
	go func() { relayerDone <- rl.Run(ctx) }()

	var auth operatorAuth
	if cfg.OperatorAuthRequired {
		auth = authn.NewStore(pool)
	}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(ledger, userStore, backend, auth, log.Named("api")),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server", zap.Error(err))
	}
	if err := <-relayerDone; err != nil {
		log.Error("relayer", zap.Error(err))
	}
}

// operatorAuth resolves a bearer token to the operator it acts as. A nil
// authenticator leaves the approval endpoint open for development setups.
type operatorAuth interface {
	AuthenticateBearer(ctx context.Context, authorization string) (common.Address, error)
}

// approvalBackend is the slice of the chain backend the API needs.
type approvalBackend interface {
	Propose(requestHash common.Hash) error
	Approve(operator common.Address, requestHash common.Hash) (bool, error)
	BalanceOf(addr common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Configuration() wallet.Config
}

func newRouter(ledger *requests.Ledger, dir userDirectory, backend approvalBackend, auth operatorAuth, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			log.Debug("http request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/wallet", func(api chi.Router) {

		// The phone-verification layer is the only caller: it registers a
		// binding once the address has been verified out of band.
		api.Post("/users", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address string `json:"address"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if !common.IsHexAddress(req.Address) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "address must be 0x-prefixed hex")
				return
			}
			u, err := dir.Create(r.Context(), users.User{
				ID:      "usr_" + uuid.NewString(),
				Address: common.HexToAddress(req.Address),
			})
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"trace_id": httpx.NewTraceID(), "user": u})
		})

		api.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address string         `json:"address"`
				Payload map[string]any `json:"payload"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if !common.IsHexAddress(req.Address) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "address must be 0x-prefixed hex")
				return
			}
			addr := common.HexToAddress(req.Address)
			if _, err := dir.GetByAddress(r.Context(), addr); err != nil {
				if errors.Is(err, users.ErrNotFound) {
					httpx.WriteError(w, 403, "UNKNOWN_ADDRESS", "address has no verified binding")
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			if err := validateActor(addr, req.Payload, backend.Configuration()); err != nil {
				httpx.WriteError(w, 400, "BAD_PAYLOAD", err.Error())
				return
			}
			stored, err := ledger.Submit(r.Context(), addr, req.Payload)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"trace_id": httpx.NewTraceID(),
				"request":  requestView(stored),
			})
		})

		api.Get("/requests/{request_id}", func(w http.ResponseWriter, r *http.Request) {
			stored, err := ledger.Get(r.Context(), chi.URLParam(r, "request_id"))
			if err != nil {
				if errors.Is(err, requests.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "no such request")
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"trace_id": httpx.NewTraceID(), "request": requestView(stored)})
		})

		api.Post("/operators/approve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Operator  string `json:"operator"`
				RequestID string `json:"request_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if !common.IsHexAddress(req.Operator) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "operator must be 0x-prefixed hex")
				return
			}
			if auth != nil {
				actor, err := auth.AuthenticateBearer(r.Context(), r.Header.Get("Authorization"))
				if err != nil {
					if errors.Is(err, authn.ErrUnauthorized) {
						httpx.WriteError(w, 401, "UNAUTHORIZED", "missing or invalid bearer token")
						return
					}
					httpx.WriteError(w, 500, "DB_ERROR", err.Error())
					return
				}
				if actor != common.HexToAddress(req.Operator) {
					httpx.WriteError(w, 403, "OPERATOR_MISMATCH", "token was not issued for this operator")
					return
				}
			}
			stored, err := ledger.Get(r.Context(), req.RequestID)
			if err != nil {
				if errors.Is(err, requests.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "no such request")
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			call, err := chain.ParseCall(stored.Payload)
			if err != nil || !call.Privileged() {
				httpx.WriteError(w, 400, "NOT_PRIVILEGED", "request does not need operator approval")
				return
			}
			if err := backend.Propose(stored.Hash); err != nil {
				httpx.WriteError(w, 500, "CHAIN_ERROR", err.Error())
				return
			}
			met, err := backend.Approve(common.HexToAddress(req.Operator), stored.Hash)
			if err != nil {
				status, code := approveErrorStatus(err)
				httpx.WriteError(w, status, code, err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"trace_id":      httpx.NewTraceID(),
				"request_id":    stored.ID,
				"threshold_met": met,
			})
		})

		api.Get("/balances/{address}", func(w http.ResponseWriter, r *http.Request) {
			v := chi.URLParam(r, "address")
			if !common.IsHexAddress(v) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "address must be 0x-prefixed hex")
				return
			}
			addr := common.HexToAddress(v)
			httpx.WriteJSON(w, 200, map[string]any{
				"trace_id": httpx.NewTraceID(),
				"address":  addr.Hex(),
				"balance":  backend.BalanceOf(addr).String(),
			})
		})

		api.Get("/allowances/{owner}/{spender}", func(w http.ResponseWriter, r *http.Request) {
			o, s := chi.URLParam(r, "owner"), chi.URLParam(r, "spender")
			if !common.IsHexAddress(o) || !common.IsHexAddress(s) {
				httpx.WriteError(w, 400, "BAD_ADDRESS", "owner and spender must be 0x-prefixed hex")
				return
			}
			owner, spender := common.HexToAddress(o), common.HexToAddress(s)
			httpx.WriteJSON(w, 200, map[string]any{
				"trace_id":  httpx.NewTraceID(),
				"owner":     owner.Hex(),
				"spender":   spender.Hex(),
				"allowance": backend.Allowance(owner, spender).String(),
			})
		})
	})

	return r
}

// validateActor checks that the requester is entitled to the instruction it
// submitted: users act on their own account, and only a current operator may
// ask for a reconfiguration.
func validateActor(requester common.Address, payload map[string]any, cfg wallet.Config) error {
	canonical, err := reqhash.Canonicalize(payload)
	if err != nil {
		return err
	}
	call, err := chain.ParseCall(canonical)
	if err != nil {
		return err
	}
	switch call.Method {
	case chain.MethodDeposit:
		if call.Address != requester {
			return fmt.Errorf("deposit address %s does not match requester", call.Address.Hex())
		}
	case chain.MethodAuthorize, chain.MethodWithdraw:
		// The owner grants; the spender withdraws what was granted.
		if call.Method == chain.MethodAuthorize && call.Owner != requester {
			return fmt.Errorf("authorize owner %s does not match requester", call.Owner.Hex())
		}
		if call.Method == chain.MethodWithdraw && call.Spender != requester {
			return fmt.Errorf("withdraw spender %s does not match requester", call.Spender.Hex())
		}
	case chain.MethodTransfer:
		if call.Spender != requester {
			return fmt.Errorf("transfer spender %s does not match requester", call.Spender.Hex())
		}
	case chain.MethodReconfigure:
		for _, op := range cfg.Operators {
			if op == requester {
				return nil
			}
		}
		return fmt.Errorf("reconfigure may only be requested by a current operator")
	}
	return nil
}

func approveErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, operators.ErrUnknownOperator):
		return 403, "UNKNOWN_OPERATOR"
	case errors.Is(err, operators.ErrActionAlreadyExecuted):
		return 409, "ALREADY_EXECUTED"
	case errors.Is(err, operators.ErrUnknownAction):
		return 404, "UNKNOWN_ACTION"
	}
	return 500, "CHAIN_ERROR"
}

func requestView(r requests.Request) map[string]any {
	out := map[string]any{
		"request_id": r.ID,
		"address":    r.Address.Hex(),
		"hash":       r.Hash.Hex(),
		"status":     r.Status,
		"created_at": r.CreatedAt,
	}
	if r.Status == requests.StatusCompleted {
		out["tx_ref"] = r.TxRef.Hex()
		out["failed"] = r.Failed()
		if r.FailureReason != "" {
			out["failure_reason"] = r.FailureReason
		}
		if r.CompletedAt != nil {
			out["completed_at"] = r.CompletedAt
		}
	}
	return out
}
