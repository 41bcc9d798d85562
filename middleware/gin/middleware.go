// Package gin adapts an x402.Processor to gin. It follows the net/http
// middleware contract: 402 on denial, buffered handler output, and
// settlement only after a 2xx response.
package gin

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	x402 "github.com/vitwit/x402-connector"
	"github.com/vitwit/x402-connector/middleware"
	"github.com/vitwit/x402-connector/types"
)

// PayerKey is the gin context key holding the verified payer address.
const PayerKey = "x402_payer"

// Middleware gates the routes it is attached to.
func Middleware(p *x402.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := middleware.RequestContext(c.Request)

		result := p.ProcessRequest(c.Request.Context(), rc)
		if !result.Allowed() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired(result))
			return
		}
		if !result.PaymentVerified {
			c.Next()
			return
		}

		c.Set(PayerKey, result.PayerAddress)
		c.Request = c.Request.WithContext(middleware.WithPayer(c.Request.Context(), result.PayerAddress))

		orig := c.Writer
		buf := &bufferedWriter{ResponseWriter: orig, header: make(http.Header), status: http.StatusOK}
		c.Writer = buf
		c.Next()
		c.Writer = orig

		if buf.status < 200 || buf.status >= 300 {
			buf.flush(orig)
			return
		}

		settled := p.SettlePayment(c.Request.Context(), rc)
		if settled.Success {
			buf.header.Set(types.HeaderPaymentResponse, settled.EncodedResponse)
			buf.flush(orig)
			return
		}

		p.Logger().Error("payment settlement failed", map[string]any{
			"path":   rc.Path,
			"payer":  result.PayerAddress,
			"reason": settled.Error,
		})
		if p.BlockOnSettleFailure() {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, p.SettlementRequired(rc))
			return
		}
		buf.flush(orig)
	}
}

// Payer returns the payer stored by Middleware.
func Payer(c *gin.Context) (string, bool) {
	payer := c.GetString(PayerKey)
	return payer, payer != ""
}

// bufferedWriter captures everything the handler writes. Hijack, Flush and
// the other extended methods fall through to the real writer.
type bufferedWriter struct {
	gin.ResponseWriter
	header  http.Header
	body    bytes.Buffer
	status  int
	written bool
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if code > 0 && !b.written {
		b.status = code
	}
}

func (b *bufferedWriter) WriteHeaderNow() { b.written = true }

func (b *bufferedWriter) Write(data []byte) (int, error) {
	b.written = true
	return b.body.Write(data)
}

func (b *bufferedWriter) WriteString(s string) (int, error) {
	b.written = true
	return b.body.WriteString(s)
}

func (b *bufferedWriter) Status() int { return b.status }

func (b *bufferedWriter) Size() int {
	if !b.written {
		return -1
	}
	return b.body.Len()
}

func (b *bufferedWriter) Written() bool { return b.written }

func (b *bufferedWriter) flush(w gin.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	w.WriteHeaderNow()
	_, _ = w.Write(b.body.Bytes())
}
