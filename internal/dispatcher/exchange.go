// Package dispatcher serves the dispatcher's HTTP surface and assembles its
// stores from configuration.
package dispatcher

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/withObsrvr/obsrvr-dispatch/internal/exchange"
	"github.com/withObsrvr/obsrvr-dispatch/internal/logging"
	"github.com/withObsrvr/obsrvr-dispatch/internal/transfer"
)

// HeaderCorrelationID carries a caller-chosen correlation id.
const HeaderCorrelationID = "X-Correlation-Id"

// maxEnvelopeSize caps a request body as read off the wire.
const maxEnvelopeSize = 16 << 20

// ExchangeHandler decodes request envelopes, runs them through the processor
// and writes the reply.
type ExchangeHandler struct {
	processor *exchange.Processor
	codec     *exchange.Codec
	log       *slog.Logger
}

// NewExchangeHandler creates the exchange endpoint handler.
func NewExchangeHandler(processor *exchange.Processor, codec *exchange.Codec) *ExchangeHandler {
	return &ExchangeHandler{
		processor: processor,
		codec:     codec,
		log:       logging.Component("exchange-http"),
	}
}

// RegisterRoutes registers POST /rest/v1/exchange/{random}.
func (h *ExchangeHandler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST(transfer.PathExchange+"/:random", h.Exchange)
}

// Exchange answers one round-trip.
func (h *ExchangeHandler) Exchange(c *gin.Context) {
	encoding := c.GetHeader("Content-Encoding")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEnvelopeSize))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}

	req, err := h.codec.Decode(body, encoding)
	if err != nil {
		h.log.Warn("undecodable envelope", "remote", c.ClientIP(), "error", err)
		c.String(http.StatusBadRequest, "decode envelope: %v", err)
		return
	}

	cid := c.GetHeader(HeaderCorrelationID)
	if cid == "" {
		cid = logging.GenerateCorrelationID()
	}
	ctx := logging.WithCorrelationID(c.Request.Context(), cid)
	c.Header(HeaderCorrelationID, cid)

	reply, err := h.processor.Process(ctx, req)
	if err != nil {
		if !errors.Is(err, exchange.ErrProtocol) {
			h.log.Error("exchange failed", "correlation_id", cid, "error", err)
		}
		c.String(http.StatusInternalServerError, "exchange: %v", err)
		return
	}

	out, err := h.codec.Encode(reply, encoding)
	if err != nil {
		h.log.Error("encode reply failed", "correlation_id", cid, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if exchange.IsZstd(encoding) {
		c.Header("Content-Encoding", exchange.EncodingZstd)
	}
	c.Data(http.StatusOK, "application/json", out)
}
