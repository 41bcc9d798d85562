// Package grpc adapts an x402.Processor to gRPC unary servers. The payment
// travels in the x402-payment metadata entry; a denial is a
// RESOURCE_EXHAUSTED status whose message is the base64 encoded 402 body.
package grpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	x402 "github.com/vitwit/x402-connector"
	"github.com/vitwit/x402-connector/middleware"
	"github.com/vitwit/x402-connector/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKeyPayment carries the X-PAYMENT value.
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse is the trailer holding the settlement proof.
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// UnaryServerInterceptor gates the methods matched by the processor's
// protected paths, compared against the full method name.
func UnaryServerInterceptor(p *x402.Processor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		rc := requestContext(ctx, info.FullMethod)

		result := p.ProcessRequest(ctx, rc)
		if !result.Allowed() {
			return nil, paymentRequired(x402.PaymentRequired(result))
		}
		if !result.PaymentVerified {
			return handler(ctx, req)
		}

		ctx = middleware.WithPayer(ctx, result.PayerAddress)
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		settled := p.SettlePayment(ctx, rc)
		if settled.Success {
			if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentResponse, settled.EncodedResponse)); err != nil {
				p.Logger().Warn("failed to set payment response trailer", map[string]any{"error": err, "method": info.FullMethod})
			}
			return resp, nil
		}

		p.Logger().Error("payment settlement failed", map[string]any{
			"method": info.FullMethod,
			"payer":  result.PayerAddress,
			"reason": settled.Error,
		})
		if p.BlockOnSettleFailure() {
			return nil, paymentRequired(p.SettlementRequired(rc))
		}
		return resp, nil
	}
}

// DecodePaymentRequired extracts the 402 body from a status produced by the
// interceptor.
func DecodePaymentRequired(err error) (*types.X402Response, error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, fmt.Errorf("not a payment required status: %v", err)
	}

	data, err := base64.StdEncoding.DecodeString(st.Message())
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var body types.X402Response
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment required body: %w", err)
	}
	return &body, nil
}

func paymentRequired(body types.X402Response) error {
	data, err := json.Marshal(body)
	if err != nil {
		return status.Error(codes.Internal, "failed to encode payment requirements")
	}
	return status.Error(codes.ResourceExhausted, base64.StdEncoding.EncodeToString(data))
}

// requestContext maps incoming metadata onto the processor's request model.
// Unary gRPC calls are HTTP/2 POSTs.
func requestContext(ctx context.Context, fullMethod string) *types.RequestContext {
	rc := &types.RequestContext{
		Path:        fullMethod,
		Method:      http.MethodPost,
		Headers:     map[string]string{},
		AbsoluteURL: fullMethod,
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return rc
	}
	for k, v := range md {
		if len(v) > 0 {
			rc.Headers[k] = v[0]
		}
	}
	if v := md.Get(MetadataKeyPayment); len(v) > 0 {
		rc.PaymentHeader = v[0]
	}
	if v := md.Get(":authority"); len(v) > 0 && v[0] != "" {
		rc.AbsoluteURL = "grpc://" + v[0] + "/" + strings.TrimPrefix(fullMethod, "/")
	}
	return rc
}
