// Package middleware adapts an x402.Processor to net/http.
//
// Protected requests without a valid X-PAYMENT header are answered with
// 402 Payment Required. Valid requests reach the wrapped handler; its
// response is buffered and the payment is settled once the handler
// returned a 2xx status.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	x402 "github.com/vitwit/x402-connector"
	"github.com/vitwit/x402-connector/types"
)

type contextKey struct{}

var payerKey contextKey

// PayerFromContext returns the verified payer address stored by the
// middleware.
func PayerFromContext(ctx context.Context) (string, bool) {
	payer, ok := ctx.Value(payerKey).(string)
	return payer, ok && payer != ""
}

// WithPayer stores a verified payer address on ctx.
func WithPayer(ctx context.Context, payer string) context.Context {
	return context.WithValue(ctx, payerKey, payer)
}

// New returns a middleware constructor for routers that take
// func(http.Handler) http.Handler.
func New(p *x402.Processor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return Handler(p, next)
	}
}

// Handler wraps next with payment gating.
func Handler(p *x402.Processor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := RequestContext(r)

		result := p.ProcessRequest(r.Context(), rc)
		if !result.Allowed() {
			WriteJSON(w, http.StatusPaymentRequired, x402.PaymentRequired(result))
			return
		}
		if !result.PaymentVerified {
			next.ServeHTTP(w, r)
			return
		}

		ctx := WithPayer(r.Context(), result.PayerAddress)
		buf := newBufferedWriter()
		next.ServeHTTP(buf, r.WithContext(ctx))

		if !isSuccess(buf.code()) {
			buf.flushTo(w)
			return
		}

		settled := p.SettlePayment(ctx, rc)
		if settled.Success {
			buf.Header().Set(types.HeaderPaymentResponse, settled.EncodedResponse)
			buf.flushTo(w)
			return
		}

		p.Logger().Error("payment settlement failed", map[string]any{
			"path":   rc.Path,
			"payer":  result.PayerAddress,
			"reason": settled.Error,
		})
		if p.BlockOnSettleFailure() {
			WriteJSON(w, http.StatusPaymentRequired, p.SettlementRequired(rc))
			return
		}
		buf.flushTo(w)
	})
}

// RequestContext describes r in the processor's framework-neutral terms.
func RequestContext(r *http.Request) *types.RequestContext {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &types.RequestContext{
		Path:          r.URL.Path,
		Method:        r.Method,
		Headers:       headers,
		PaymentHeader: r.Header.Get(types.HeaderPayment),
		AbsoluteURL:   AbsoluteURL(r),
	}
}

// AbsoluteURL rebuilds the URL the client requested.
func AbsoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	return scheme + "://" + host + uri
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// bufferedWriter holds the protected response until the payment outcome is
// known.
type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.code())
	_, _ = w.Write(b.body.Bytes())
}

// code is the status the handler chose, or 200 when it wrote nothing.
func (b *bufferedWriter) code() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}
