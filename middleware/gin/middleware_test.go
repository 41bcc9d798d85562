package gin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-connector"
	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/internal/x402test"
	"github.com/vitwit/x402-connector/middleware"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func router(p *x402.Processor, status int) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(p))
	r.GET("/api/premium/report", func(c *gin.Context) {
		payer, _ := Payer(c)
		ctxPayer, _ := middleware.PayerFromContext(c.Request.Context())
		c.JSON(status, gin.H{"payer": payer, "ctxPayer": ctxPayer})
	})
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func do(r http.Handler, target, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set(types.HeaderPayment, header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNoPaymentReturns402(t *testing.T) {
	p := x402test.Processor(t, x402test.NewFacilitator(), nil, "/api/premium/*")
	rec := do(router(p, http.StatusOK), "/api/premium/report", "")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body types.X402Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.X402Version)
	assert.Equal(t, "No X-PAYMENT header provided", body.Error)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "base-sepolia", body.Accepts[0].Network)
	assert.Equal(t, "GET", body.Accepts[0].OutputSchema["input"].(map[string]any)["method"])
}

func TestUnprotectedRoute(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil, "/api/premium/*")
	rec := do(router(p, http.StatusOK), "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, int32(0), f.VerifyCalls.Load())
}

func TestPaidRouteSettles(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil, "/api/premium/*")
	rec := do(router(p, http.StatusOK), "/api/premium/report", x402test.Header(t))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payer":"`+x402test.Payer+`","ctxPayer":"`+x402test.Payer+`"}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	settled, err := utils.DecodeSettleResponse(rec.Header().Get(types.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, x402test.Tx, settled.Transaction)
	assert.Equal(t, int32(1), f.SettleCalls.Load())
}

func TestFailedHandlerIsNotSettled(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil, "/api/premium/*")
	rec := do(router(p, http.StatusBadGateway), "/api/premium/report", x402test.Header(t))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
	assert.Equal(t, int32(0), f.SettleCalls.Load())
}

func TestSettlementFailure(t *testing.T) {
	t.Run("block", func(t *testing.T) {
		f := x402test.NewFacilitator()
		f.SettleResult = types.SettleFailure("insufficient gas")
		p := x402test.Processor(t, f, nil, "/api/premium/*")

		rec := do(router(p, http.StatusOK), "/api/premium/report", x402test.Header(t))
		require.Equal(t, http.StatusPaymentRequired, rec.Code)

		var body types.X402Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Payment settlement failed", body.Error)
		assert.NotContains(t, rec.Body.String(), x402test.Payer)
	})

	t.Run("log and continue", func(t *testing.T) {
		f := x402test.NewFacilitator()
		f.SettleResult = types.SettleFailure("insufficient gas")
		p := x402test.Processor(t, f, func(c *config.Config) {
			c.SettlePolicy = config.PolicyLogAndContinue
		}, "/api/premium/*")

		rec := do(router(p, http.StatusOK), "/api/premium/report", x402test.Header(t))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), x402test.Payer)
		assert.Empty(t, rec.Header().Get(types.HeaderPaymentResponse))
	})
}
