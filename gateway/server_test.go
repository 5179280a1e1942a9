package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"onloan/core/state"
	"onloan/core/types"
	"onloan/native/collateral"
	nativecommon "onloan/native/common"
	"onloan/native/credit"
	"onloan/native/loan"
	"onloan/native/pool"
	"onloan/native/pricefeed"
	"onloan/storage"
)

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
)

type gatewayHarness struct {
	server  *Server
	handler http.Handler
	manager *state.Manager
	pool    *pool.Engine
	feed    *pricefeed.ManualSource
	client  common.Address
	now     time.Time
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	manager, err := state.NewManager(storage.NewMemDB())
	require.NoError(t, err)

	operator := nativecommon.MintCapability()
	admin := nativecommon.MintCapability()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() int64 { return now.Unix() }

	var poolAddr, vaultAddr, sinkAddr, feeAddr, clientAddr common.Address
	poolAddr[19] = 0xE0
	vaultAddr[19] = 0xE1
	sinkAddr[19] = 0xE2
	feeAddr[19] = 0xE3
	clientAddr[19] = 0x01

	poolEngine := pool.NewEngine(operator, poolAddr)
	poolEngine.SetState(manager)
	poolEngine.SetNowFunc(clock)

	feed := pricefeed.NewManualSource()
	vaultEngine := collateral.NewEngine(operator, vaultAddr, sinkAddr)
	vaultEngine.SetState(manager)
	vaultEngine.SetPriceSource(feed)
	vaultEngine.SetNowFunc(clock)

	creditEngine := credit.NewEngine(operator)
	creditEngine.SetState(manager)

	loanEngine := loan.NewEngine(operator, admin, feeAddr)
	loanEngine.SetState(manager)
	loanEngine.SetCollaborators(poolEngine, vaultEngine, creditEngine)
	loanEngine.SetNowFunc(clock)

	auth := NewAuthenticator(
		[]Client{{Key: testAPIKey, Secret: testSecret, Address: clientAddr}},
		time.Minute, time.Minute, func() time.Time { return now },
	)

	server := NewServer(auth, poolEngine, loanEngine, vaultEngine, creditEngine, 1000, nil)
	return &gatewayHarness{
		server:  server,
		handler: server.Router(),
		manager: manager,
		pool:    poolEngine,
		feed:    feed,
		client:  clientAddr,
		now:     now,
	}
}

func (h *gatewayHarness) fund(t *testing.T, addr common.Address, usdc int64) {
	t.Helper()
	account := &types.Account{BalanceUSDC: big.NewInt(usdc), BalanceMNT: big.NewInt(0)}
	require.NoError(t, h.manager.PutAccount(addr, account))
}

// signedRequest builds an authenticated request in the scheme the gateway
// verifies.
func (h *gatewayHarness) signedRequest(method, path, body, nonce string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	timestamp := strconv.FormatInt(h.now.Unix(), 10)
	sig := ComputeSignature(testSecret, timestamp, nonce, method, path, []byte(body))
	req.Header.Set(HeaderAPIKey, testAPIKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthRejectsBadRequests(t *testing.T) {
	h := newGatewayHarness(t)

	// No headers at all.
	req := httptest.NewRequest(http.MethodPost, "/pool/deposit", strings.NewReader(`{"amount":"100"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong secret.
	body := `{"amount":"100"}`
	req = h.signedRequest(http.MethodPost, "/pool/deposit", body, "nonce-1")
	sig := ComputeSignature("wrong-secret", req.Header.Get(HeaderTimestamp), "nonce-1", http.MethodPost, "/pool/deposit", []byte(body))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale timestamp.
	req = h.signedRequest(http.MethodPost, "/pool/deposit", body, "nonce-2")
	old := strconv.FormatInt(h.now.Add(-time.Hour).Unix(), 10)
	sig = ComputeSignature(testSecret, old, "nonce-2", http.MethodPost, "/pool/deposit", []byte(body))
	req.Header.Set(HeaderTimestamp, old)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsReplayedNonce(t *testing.T) {
	h := newGatewayHarness(t)
	h.fund(t, h.client, 1_000_000_000)

	body := `{"amount":"100000000"}`
	req := h.signedRequest(http.MethodPost, "/pool/deposit", body, "nonce-replay")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = h.signedRequest(http.MethodPost, "/pool/deposit", body, "nonce-replay")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDepositAndStatsEndToEnd(t *testing.T) {
	h := newGatewayHarness(t)
	h.fund(t, h.client, 1_000_000_000)

	req := h.signedRequest(http.MethodPost, "/pool/deposit", `{"amount":"600000000"}`, "nonce-a")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	statsReq := httptest.NewRequest(http.MethodGet, "/pool/stats", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, statsReq)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, "600000000", stats["totalDeposits"])
	require.Equal(t, "600000000", stats["availableLiquidity"])
	require.Equal(t, float64(0), stats["utilizationBp"])

	// Insufficient funds surface as a client error, not a 500.
	req = h.signedRequest(http.MethodPost, "/pool/deposit", `{"amount":"900000000"}`, "nonce-b")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawWithoutDepositIsNotFound(t *testing.T) {
	h := newGatewayHarness(t)

	req := h.signedRequest(http.MethodPost, "/pool/withdraw", `{"amount":"1"}`, "nonce-w")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditEndpoint(t *testing.T) {
	h := newGatewayHarness(t)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/credit/%s", h.client.Hex()), nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, float64(500), resp["score"])
	require.Equal(t, "5000000000", resp["maxBorrowAmount"])
	require.Equal(t, float64(140), resp["requiredCollateralRatio"])

	req = httptest.NewRequest(http.MethodGet, "/credit/not-an-address", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownLoanIsNotFound(t *testing.T) {
	h := newGatewayHarness(t)

	var id [32]byte
	id[0] = 0xAB
	req := httptest.NewRequest(http.MethodGet, "/loans/"+hex.EncodeToString(id[:]), nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/loans/zz", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newGatewayHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
