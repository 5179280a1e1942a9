package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"onloan/native/collateral"
	nativecommon "onloan/native/common"
	"onloan/native/credit"
	"onloan/native/loan"
	"onloan/native/pool"
	"onloan/native/pricefeed"
	"onloan/native/rates"
	"onloan/observability/metrics"
)

const maxRequestBody = 1 << 20 // 1 MiB

type principalKey struct{}

// Server is the HTTP front-end for the lending ledger.
type Server struct {
	auth    *Authenticator
	pool    *pool.Engine
	loans   *loan.Engine
	vault   *collateral.Engine
	credit  *credit.Engine
	log     *slog.Logger
	metrics *metrics.LedgerMetrics

	limit rate.Limit
	burst int

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer wires the gateway against the ledger engines.
func NewServer(auth *Authenticator, poolEngine *pool.Engine, loanEngine *loan.Engine, vaultEngine *collateral.Engine, creditEngine *credit.Engine, ratePerMinute int, logger *slog.Logger) *Server {
	if auth == nil {
		panic("gateway: authenticator required")
	}
	if poolEngine == nil || loanEngine == nil || vaultEngine == nil || creditEngine == nil {
		panic("gateway: engines required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if ratePerMinute > 0 {
		limit = rate.Limit(float64(ratePerMinute) / 60.0)
		burst = ratePerMinute
	}
	return &Server{
		auth:     auth,
		pool:     poolEngine,
		loans:    loanEngine,
		vault:    vaultEngine,
		credit:   creditEngine,
		log:      logger,
		metrics:  metrics.Ledger(),
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the chi handler serving the gateway API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/pool/stats", s.handlePoolStats)
	r.Get("/loans/{id}", s.handleLoanGet)
	r.Get("/loans/{id}/health", s.handleLoanHealth)
	r.Get("/credit/{addr}", s.handleCreditGet)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/pool/deposit", s.handlePoolDeposit)
		r.Post("/pool/withdraw", s.handlePoolWithdraw)
		r.Post("/pool/claim", s.handlePoolClaim)
		r.Post("/loans", s.handleLoanCreate)
		r.Post("/loans/{id}/repay", s.handleLoanRepay)
		r.Post("/loans/{id}/default", s.handleLoanDefault)
		r.Post("/loans/{id}/liquidate", s.handleLoanLiquidate)
	})

	return r
}

// authenticate verifies the HMAC headers, applies the per-key rate limit and
// stashes the principal in the request context. Every authenticated request
// is assigned an id that is echoed back and attached to its log lines.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxRequestBody)+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("read request body"))
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.log.Warn("request rejected",
				slog.String("requestId", requestID),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !s.limiter(principal.APIKey).Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limiter(apiKey string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[apiKey] = limiter
	}
	return limiter
}

func principalFrom(r *http.Request) *Principal {
	principal, _ := r.Context().Value(principalKey{}).(*Principal)
	return principal
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handlePoolDeposit(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pool.AddLiquidity(principal.Address, amount); err != nil {
		s.writeLedgerError(w, "pool.deposit", err)
		return
	}
	s.metrics.ObserveOperation("pool.deposit", "ok")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "amount": amount.String()})
}

func (s *Server) handlePoolWithdraw(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pool.RemoveLiquidity(principal.Address, amount); err != nil {
		s.writeLedgerError(w, "pool.withdraw", err)
		return
	}
	s.metrics.ObserveOperation("pool.withdraw", "ok")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "amount": amount.String()})
}

func (s *Server) handlePoolClaim(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	claimed, err := s.pool.ClaimInterest(principal.Address)
	if err != nil {
		s.writeLedgerError(w, "pool.claim", err)
		return
	}
	s.metrics.ObserveOperation("pool.claim", "ok")
	s.writeJSON(w, http.StatusOK, map[string]string{"claimed": claimed.String()})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.pool.Stats()
	if err != nil {
		s.writeLedgerError(w, "pool.stats", err)
		return
	}
	s.updatePoolGauges(stats)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalDeposits":      stats.TotalDeposits.String(),
		"totalBorrowed":      stats.TotalBorrowed.String(),
		"availableLiquidity": stats.AvailableLiquidity.String(),
		"totalInterestPaid":  stats.TotalInterestPaid.String(),
		"utilizationBp":      stats.UtilizationBp,
		"borrowRateBp":       stats.BorrowRateBp,
		"lenderApyBp":        stats.LenderAPYBp,
	})
}

func (s *Server) updatePoolGauges(stats *pool.Stats) {
	deposits, _ := new(big.Float).SetInt(stats.TotalDeposits).Float64()
	borrowed, _ := new(big.Float).SetInt(stats.TotalBorrowed).Float64()
	s.metrics.SetPoolDeposits(deposits)
	s.metrics.SetPoolBorrowed(borrowed)
	s.metrics.SetPoolUtilization(float64(stats.UtilizationBp))
}

type loanCreateRequest struct {
	Amount           string `json:"amount"`
	Type             string `json:"type"`
	DurationDays     uint64 `json:"durationDays"`
	CollateralKind   string `json:"collateralKind"`
	CollateralAmount string `json:"collateralAmount"`
}

func (s *Server) handleLoanCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req loanCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	loanType, err := rates.ParseLoanType(strings.TrimSpace(req.Type))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := parseCollateralKind(req.CollateralKind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	collateralAmount, err := parseAmount(req.CollateralAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.loans.CreateLoan(principal.Address, amount, loanType, req.DurationDays, kind, collateralAmount)
	if err != nil {
		s.writeLedgerError(w, "loan.create", err)
		return
	}
	s.metrics.ObserveOperation("loan.create", "ok")
	s.metrics.LoanOpened()
	s.writeJSON(w, http.StatusCreated, loanResponse(record))
}

func (s *Server) handleLoanGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.loans.GetLoan(id)
	if err != nil {
		s.writeLedgerError(w, "loan.get", err)
		return
	}
	outstanding, err := s.loans.Outstanding(id)
	if err != nil {
		s.writeLedgerError(w, "loan.get", err)
		return
	}
	resp := loanResponse(record)
	resp["outstanding"] = outstanding.String()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoanHealth(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ratio, err := s.vault.HealthRatio(id)
	if err != nil {
		s.writeLedgerError(w, "loan.health", err)
		return
	}
	liquidatable, err := s.vault.CanLiquidate(id)
	if err != nil {
		s.writeLedgerError(w, "loan.health", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthRatio":  ratio,
		"liquidatable": liquidatable,
	})
}

func (s *Server) handleLoanRepay(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	paid, err := s.loans.Repay(id, principal.Address, amount)
	if err != nil {
		s.writeLedgerError(w, "loan.repay", err)
		return
	}
	outstanding, err := s.loans.Outstanding(id)
	if err != nil {
		s.writeLedgerError(w, "loan.repay", err)
		return
	}
	s.metrics.ObserveOperation("loan.repay", "ok")
	if outstanding.Sign() == 0 {
		s.metrics.LoanClosed()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"paid":        paid.String(),
		"outstanding": outstanding.String(),
	})
}

func (s *Server) handleLoanDefault(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	reward, err := s.loans.DefaultLoan(id, principal.Address)
	if err != nil {
		s.writeLedgerError(w, "loan.default", err)
		return
	}
	s.metrics.ObserveOperation("loan.default", "ok")
	s.metrics.ObserveLiquidation("default")
	s.metrics.LoanClosed()
	s.writeJSON(w, http.StatusOK, map[string]string{"reward": reward.String()})
}

func (s *Server) handleLoanLiquidate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	reward, err := s.vault.Liquidate(id, principal.Address)
	if err != nil {
		s.writeLedgerError(w, "loan.liquidate", err)
		return
	}
	s.metrics.ObserveOperation("loan.liquidate", "ok")
	s.metrics.ObserveLiquidation("health")
	s.writeJSON(w, http.StatusOK, map[string]string{"reward": reward.String()})
}

func (s *Server) handleCreditGet(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "addr")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid address"))
		return
	}
	addr := common.HexToAddress(raw)
	profile, err := s.credit.Profile(addr)
	if err != nil {
		s.writeLedgerError(w, "credit.get", err)
		return
	}
	maxBorrow, err := s.credit.MaxBorrowAmount(addr)
	if err != nil {
		s.writeLedgerError(w, "credit.get", err)
		return
	}
	ratio, err := s.credit.RequiredCollateralRatio(addr)
	if err != nil {
		s.writeLedgerError(w, "credit.get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":                 profile.Address.Hex(),
		"score":                   profile.Score,
		"totalLoans":              profile.TotalLoans,
		"completedLoans":          profile.CompletedLoans,
		"defaultedLoans":          profile.DefaultedLoans,
		"totalRepaid":             profile.TotalRepaid.String(),
		"maxBorrowAmount":         maxBorrow.String(),
		"requiredCollateralRatio": ratio,
	})
}

func loanResponse(record *loan.Loan) map[string]interface{} {
	return map[string]interface{}{
		"id":               hex.EncodeToString(record.ID[:]),
		"borrower":         record.Borrower.Hex(),
		"principal":        record.Principal.String(),
		"type":             record.Type.String(),
		"rateBp":           record.RateBp,
		"durationDays":     record.DurationDays,
		"startTime":        record.StartTime,
		"dueTime":          record.DueTime,
		"totalRepaid":      record.TotalRepaid.String(),
		"principalRepaid":  record.PrincipalRepaid.String(),
		"status":           record.Status.String(),
		"collateralKind":   record.CollateralKind.String(),
		"collateralAmount": record.CollateralAmount.String(),
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, int64(maxRequestBody)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, errors.New("amount must be a non-negative integer")
	}
	return amount, nil
}

func parseLoanID(raw string) ([32]byte, error) {
	var id [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(decoded) != len(id) {
		return id, errors.New("invalid loan id")
	}
	copy(id[:], decoded)
	return id, nil
}

func parseCollateralKind(raw string) (collateral.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native":
		return collateral.KindNative, nil
	case "stable":
		return collateral.KindStable, nil
	default:
		return 0, errors.New("collateral kind must be native or stable")
	}
}

// writeLedgerError maps sentinel errors from the engines to HTTP statuses.
func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	s.metrics.ObserveOperation(op, "error")
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loan.ErrLoanNotFound),
		errors.Is(err, collateral.ErrNotFound),
		errors.Is(err, pool.ErrNoDeposit):
		status = http.StatusNotFound
	case errors.Is(err, loan.ErrUnauthorized),
		errors.Is(err, nativecommon.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, loan.ErrLoanNotActive),
		errors.Is(err, loan.ErrLoanNotDue),
		errors.Is(err, collateral.ErrAlreadyLocked),
		errors.Is(err, collateral.ErrNotActive),
		errors.Is(err, collateral.ErrNotLiquidatable):
		status = http.StatusConflict
	case errors.Is(err, collateral.ErrStalePrice),
		errors.Is(err, collateral.ErrInvalidPrice),
		errors.Is(err, pricefeed.ErrNoFreshQuote),
		errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInvalidDuration),
		errors.Is(err, loan.ErrInvalidLoanAmount),
		errors.Is(err, loan.ErrInsufficientCollateral),
		errors.Is(err, loan.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrNoInterest),
		errors.Is(err, collateral.ErrInvalidAmount),
		errors.Is(err, collateral.ErrInsufficientBalance),
		errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, rates.ErrUnknownLoanType):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("ledger operation failed", "op", op, "err", err)
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
