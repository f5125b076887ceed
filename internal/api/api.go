// Package api exposes the marketplace operations over HTTP JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/nft-auction-house/internal/market"
)

// Handlers holds the HTTP handlers for marketplace operations.
type Handlers struct {
	mkt    *market.Marketplace
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandlers creates the marketplace HTTP handlers.
func NewHandlers(mkt *market.Marketplace, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		mkt:    mkt,
		logger: logger,
		tracer: tp.Tracer("api"),
	}
}

// Register attaches all marketplace routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sales", h.createSale)
	mux.HandleFunc("GET /api/sales/{id}", h.getSale)
	mux.HandleFunc("POST /api/sales/{id}/bids", h.placeBid)
	mux.HandleFunc("POST /api/sales/{id}/end", h.endSale)
	mux.HandleFunc("POST /api/sales/{id}/claim", h.claimNft)
	mux.HandleFunc("POST /api/refunds/claim", h.claimRefund)
	mux.HandleFunc("GET /api/refunds/{account}", h.refundOwed)
}

type saleResponse struct {
	ID            uint64    `json:"id"`
	TokenID       string    `json:"token_id"`
	Seller        string    `json:"seller"`
	MinPrice      int64     `json:"min_price"`
	EndTime       time.Time `json:"end_time"`
	HighestBidder string    `json:"highest_bidder,omitempty"`
	HighestBid    int64     `json:"highest_bid"`
	Status        string    `json:"status"`
	StatusCode    int       `json:"status_code"`
	Claimed       bool      `json:"claimed"`
	ClaimedBy     string    `json:"claimed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toSaleResponse(s *market.Sale) saleResponse {
	return saleResponse{
		ID:            s.ID,
		TokenID:       s.TokenID,
		Seller:        s.Seller,
		MinPrice:      s.MinPrice,
		EndTime:       s.EndTime,
		HighestBidder: s.HighestBidder,
		HighestBid:    s.HighestBid,
		Status:        string(s.Status),
		StatusCode:    s.Status.Code(),
		Claimed:       s.Claimed,
		ClaimedBy:     s.ClaimedBy,
		CreatedAt:     s.CreatedAt,
	}
}

type createSaleRequest struct {
	TokenID         string `json:"token_id"`
	Seller          string `json:"seller"`
	MinPrice        int64  `json:"min_price"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (h *Handlers) createSale(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.createSale")
	defer span.End()

	var req createSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TokenID == "" || req.Seller == "" {
		writeError(w, http.StatusBadRequest, "token_id and seller are required")
		return
	}

	id, err := h.mkt.CreateSale(ctx, req.TokenID, req.Seller, req.MinPrice, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	sale, err := h.mkt.GetSale(ctx, id)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleResponse(sale))
}

func (h *Handlers) getSale(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.getSale")
	defer span.End()

	id, ok := saleID(w, r)
	if !ok {
		return
	}
	sale, err := h.mkt.GetSale(ctx, id)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

type bidRequest struct {
	Bidder string `json:"bidder"`
	Amount int64  `json:"amount"`
}

func (h *Handlers) placeBid(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.placeBid")
	defer span.End()

	id, ok := saleID(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Bidder == "" {
		writeError(w, http.StatusBadRequest, "bidder is required")
		return
	}

	if err := h.mkt.BidForSale(ctx, id, req.Bidder, req.Amount); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	sale, err := h.mkt.GetSale(ctx, id)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (h *Handlers) endSale(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.endSale")
	defer span.End()

	id, ok := saleID(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	if err := h.mkt.EndSale(ctx, id, req.Caller); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	sale, err := h.mkt.GetSale(ctx, id)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

func (h *Handlers) claimNft(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.claimNft")
	defer span.End()

	id, ok := saleID(w, r)
	if !ok {
		return
	}
	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, "caller is required")
		return
	}

	if err := h.mkt.ClaimNft(ctx, id, req.Caller); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	sale, err := h.mkt.GetSale(ctx, id)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

type claimRefundRequest struct {
	Account string `json:"account"`
}

type refundResponse struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func (h *Handlers) claimRefund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.claimRefund")
	defer span.End()

	var req claimRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}

	paid, err := h.mkt.ClaimBidRefund(ctx, req.Account)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{Account: req.Account, Amount: paid})
}

func (h *Handlers) refundOwed(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.refundOwed")
	defer span.End()

	account := r.PathValue("account")
	owed, err := h.mkt.RefundOwed(ctx, account)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{Account: account, Amount: owed})
}

func saleID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sale id")
		return 0, false
	}
	return id, true
}

// writeMarketError maps domain errors onto HTTP status codes: unknown sales
// are 404, authorization failures 403, validation failures 400 and state
// conflicts 409.
func (h *Handlers) writeMarketError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, market.ErrSaleNotFound):
		code = http.StatusNotFound
	case errors.Is(err, market.ErrNotSalePoster), errors.Is(err, market.ErrNotHighestBidder):
		code = http.StatusForbidden
	case errors.Is(err, market.ErrBidTooLow),
		errors.Is(err, market.ErrInvalidDuration),
		errors.Is(err, market.ErrInvalidMinPrice):
		code = http.StatusBadRequest
	case errors.Is(err, market.ErrAuctionEnded),
		errors.Is(err, market.ErrAuctionNotEnded),
		errors.Is(err, market.ErrSaleNotActive):
		code = http.StatusConflict
	default:
		h.logger.ErrorContext(r.Context(), "internal error", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
