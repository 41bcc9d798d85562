package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/internal/x402test"
	"github.com/vitwit/x402-connector/middleware"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const premiumMethod = "/weather.v1.WeatherService/GetForecast"

// trailerStream records trailers set by the interceptor.
type trailerStream struct {
	trailer metadata.MD
}

func (s *trailerStream) Method() string                  { return premiumMethod }
func (s *trailerStream) SetHeader(metadata.MD) error     { return nil }
func (s *trailerStream) SendHeader(metadata.MD) error    { return nil }
func (s *trailerStream) SetTrailer(md metadata.MD) error { s.trailer = metadata.Join(s.trailer, md); return nil }

type outcome struct {
	resp   any
	err    error
	stream *trailerStream
	called bool
}

func call(t *testing.T, icpt grpc.UnaryServerInterceptor, method, header string, handlerErr error) outcome {
	t.Helper()

	stream := &trailerStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), stream)
	md := metadata.Pairs(":authority", "api.example.com")
	if header != "" {
		md.Set(MetadataKeyPayment, header)
	}
	ctx = metadata.NewIncomingContext(ctx, md)

	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		if handlerErr != nil {
			return nil, handlerErr
		}
		payer, _ := middleware.PayerFromContext(ctx)
		return "forecast for " + payer, nil
	}

	resp, err := icpt(ctx, "req", &grpc.UnaryServerInfo{FullMethod: method}, handler)
	return outcome{resp: resp, err: err, stream: stream, called: called}
}

func TestMissingPaymentIsResourceExhausted(t *testing.T) {
	p := x402test.Processor(t, x402test.NewFacilitator(), nil, "/weather.v1.WeatherService/*")

	out := call(t, UnaryServerInterceptor(p), premiumMethod, "", nil)
	require.Error(t, out.err)
	assert.False(t, out.called)
	assert.Equal(t, codes.ResourceExhausted, status.Code(out.err))

	body, err := DecodePaymentRequired(out.err)
	require.NoError(t, err)
	assert.Equal(t, 1, body.X402Version)
	assert.Equal(t, "No X-PAYMENT header provided", body.Error)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "grpc://api.example.com/weather.v1.WeatherService/GetForecast", body.Accepts[0].Resource)
	assert.Equal(t, "POST", body.Accepts[0].OutputSchema["input"].(map[string]any)["method"])
}

func TestUnprotectedMethod(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil, "/weather.v1.WeatherService/*")

	out := call(t, UnaryServerInterceptor(p), "/health.v1.Health/Check", "", nil)
	require.NoError(t, out.err)
	assert.True(t, out.called)
	assert.Equal(t, "forecast for ", out.resp)
	assert.Empty(t, out.stream.trailer)
	assert.Equal(t, int32(0), f.VerifyCalls.Load())
}

func TestPaidCallSetsTrailer(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil)

	out := call(t, UnaryServerInterceptor(p), premiumMethod, x402test.Header(t), nil)
	require.NoError(t, out.err)
	assert.Equal(t, "forecast for "+x402test.Payer, out.resp)

	values := out.stream.trailer.Get(MetadataKeyPaymentResponse)
	require.Len(t, values, 1)
	settled, err := utils.DecodeSettleResponse(values[0])
	require.NoError(t, err)
	assert.Equal(t, x402test.Tx, settled.Transaction)
}

func TestInvalidPayment(t *testing.T) {
	f := x402test.NewFacilitator()
	f.VerifyResult = &types.VerificationResult{InvalidReason: "invalid_signature"}
	p := x402test.Processor(t, f, nil)

	out := call(t, UnaryServerInterceptor(p), premiumMethod, x402test.Header(t), nil)
	assert.False(t, out.called)

	body, decodeErr := DecodePaymentRequired(out.err)
	require.NoError(t, decodeErr)
	assert.Equal(t, "Invalid payment: invalid_signature", body.Error)
}

func TestHandlerErrorSkipsSettlement(t *testing.T) {
	f := x402test.NewFacilitator()
	p := x402test.Processor(t, f, nil)
	handlerErr := status.Error(codes.NotFound, "no forecast")

	out := call(t, UnaryServerInterceptor(p), premiumMethod, x402test.Header(t), handlerErr)
	assert.Equal(t, codes.NotFound, status.Code(out.err))
	assert.Empty(t, out.stream.trailer)
	assert.Equal(t, int32(0), f.SettleCalls.Load())
}

func TestSettlementFailure(t *testing.T) {
	t.Run("block", func(t *testing.T) {
		f := x402test.NewFacilitator()
		f.SettleResult = types.SettleFailure("transaction reverted")
		p := x402test.Processor(t, f, nil)

		out := call(t, UnaryServerInterceptor(p), premiumMethod, x402test.Header(t), nil)
		assert.Nil(t, out.resp)

		body, decodeErr := DecodePaymentRequired(out.err)
		require.NoError(t, decodeErr)
		assert.Equal(t, "Payment settlement failed", body.Error)
	})

	t.Run("log and continue", func(t *testing.T) {
		f := x402test.NewFacilitator()
		f.SettleResult = types.SettleFailure("transaction reverted")
		p := x402test.Processor(t, f, func(c *config.Config) { c.SettlePolicy = config.PolicyLogAndContinue })

		out := call(t, UnaryServerInterceptor(p), premiumMethod, x402test.Header(t), nil)
		require.NoError(t, out.err)
		assert.Equal(t, "forecast for "+x402test.Payer, out.resp)
		assert.Empty(t, out.stream.trailer.Get(MetadataKeyPaymentResponse))
	})
}

func TestDecodePaymentRequiredRejectsOtherErrors(t *testing.T) {
	_, err := DecodePaymentRequired(errors.New("plain"))
	assert.Error(t, err)

	_, err = DecodePaymentRequired(status.Error(codes.ResourceExhausted, "%%%"))
	assert.Error(t, err)
}
