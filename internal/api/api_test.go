package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/nft-auction-house/internal/api"
	"github.com/jensholdgaard/nft-auction-house/internal/clock"
	"github.com/jensholdgaard/nft-auction-house/internal/event"
	"github.com/jensholdgaard/nft-auction-house/internal/funds"
	"github.com/jensholdgaard/nft-auction-house/internal/market"
	"github.com/jensholdgaard/nft-auction-house/internal/nft"
	"github.com/jensholdgaard/nft-auction-house/internal/store"
)

const escrow = "marketplace-escrow"

type memEventStore struct {
	events []event.Event
}

func (m *memEventStore) Append(_ context.Context, events ...event.Event) error {
	m.events = append(m.events, events...)
	return nil
}

func (m *memEventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	var out []event.Event
	for _, e := range m.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEventStore) LoadByType(_ context.Context, t event.Type) ([]event.Event, error) {
	var out []event.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

type memRefundRepo struct {
	owed map[string]int64
}

func (m *memRefundRepo) Credit(_ context.Context, account string, amount int64) error {
	m.owed[account] += amount
	return nil
}

func (m *memRefundRepo) Claim(_ context.Context, account string) (int64, error) {
	owed := m.owed[account]
	m.owed[account] = 0
	return owed, nil
}

func (m *memRefundRepo) Owed(_ context.Context, account string) (int64, error) {
	return m.owed[account], nil
}

type memSaleRepo struct{}

func (memSaleRepo) Create(_ context.Context, _ *store.Sale) error { return nil }
func (memSaleRepo) GetByID(_ context.Context, _ int64) (*store.Sale, error) {
	return nil, fmt.Errorf("not implemented")
}
func (memSaleRepo) UpdateBid(_ context.Context, _ int64, _ string, _ int64) error { return nil }
func (memSaleRepo) MarkEnded(_ context.Context, _ int64) error                    { return nil }
func (memSaleRepo) MarkClaimed(_ context.Context, _ int64, _ string) error        { return nil }
func (memSaleRepo) ListActive(_ context.Context) ([]store.Sale, error)            { return nil, nil }

type fixture struct {
	mux    *http.ServeMux
	mkt    *market.Marketplace
	assets *nft.Ledger
	vault  *funds.Vault
	clk    *clock.Mock
}

func newFixture() *fixture {
	f := &fixture{
		mux:    http.NewServeMux(),
		assets: nft.NewLedger(),
		vault:  funds.NewVault(),
		clk:    clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	repos := &store.Repositories{
		Sales:   memSaleRepo{},
		Refunds: &memRefundRepo{owed: make(map[string]int64)},
		Events:  &memEventStore{},
	}
	f.mkt = market.NewMarketplace(escrow, f.assets, f.vault, repos, slog.Default(), noop.NewTracerProvider(), f.clk)

	h := api.NewHandlers(f.mkt, slog.Default(), noop.NewTracerProvider())
	h.Register(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) listToken(t *testing.T, seller string) string {
	t.Helper()
	token := f.assets.Mint(seller)
	if err := f.assets.Approve(context.Background(), seller, escrow, token); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return token
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

type saleResp struct {
	ID            uint64 `json:"id"`
	TokenID       string `json:"token_id"`
	Seller        string `json:"seller"`
	HighestBidder string `json:"highest_bidder"`
	HighestBid    int64  `json:"highest_bid"`
	Status        string `json:"status"`
	StatusCode    int    `json:"status_code"`
	Claimed       bool   `json:"claimed"`
}

type refundResp struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func TestCreateSaleEndpoint(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body)
	}
	s := decodeJSON[saleResp](t, rec)
	if s.ID != 0 || s.TokenID != token || s.Status != "active" || s.StatusCode != 0 {
		t.Errorf("unexpected sale: %+v", s)
	}
}

func TestCreateSaleEndpoint_Validation(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing seller", map[string]any{"token_id": token, "min_price": 100, "duration_seconds": 60}},
		{"zero duration", map[string]any{"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 0}},
		{"zero min price", map[string]any{"token_id": token, "seller": "alice", "min_price": 0, "duration_seconds": 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/sales", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestGetSaleEndpoint_NotFound(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/sales/42", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = f.do(t, http.MethodGet, "/api/sales/notanumber", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBidEndpoint(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")
	f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 3600,
	})
	f.vault.Deposit("bob", 1_000)

	rec := f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "bob", "amount": 250})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	s := decodeJSON[saleResp](t, rec)
	if s.HighestBidder != "bob" || s.HighestBid != 250 {
		t.Errorf("highest bid = %q/%d, want bob/250", s.HighestBidder, s.HighestBid)
	}

	// A bid at or below the current highest is a validation failure.
	rec = f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "carl", "amount": 250})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBidEndpoint_AfterExpiryConflicts(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")
	f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 60,
	})
	f.clk.Advance(2 * time.Minute)
	f.vault.Deposit("bob", 1_000)

	rec := f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "bob", "amount": 250})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestEndSaleEndpoint(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")
	f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 60,
	})
	f.clk.Advance(2 * time.Minute)

	// Only the seller may end a sale.
	rec := f.do(t, http.MethodPost, "/api/sales/0/end", map[string]any{"caller": "mallory"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = f.do(t, http.MethodPost, "/api/sales/0/end", map[string]any{"caller": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	s := decodeJSON[saleResp](t, rec)
	if s.Status != "ended" || s.StatusCode != 1 {
		t.Errorf("status = %q/%d, want ended/1", s.Status, s.StatusCode)
	}

	// Ending twice conflicts.
	rec = f.do(t, http.MethodPost, "/api/sales/0/end", map[string]any{"caller": "alice"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestClaimEndpoint(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")
	f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 60,
	})
	f.vault.Deposit("bob", 1_000)
	f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "bob", "amount": 250})

	// Claiming before expiry conflicts.
	rec := f.do(t, http.MethodPost, "/api/sales/0/claim", map[string]any{"caller": "bob"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	f.clk.Advance(2 * time.Minute)

	// Only the winner may claim.
	rec = f.do(t, http.MethodPost, "/api/sales/0/claim", map[string]any{"caller": "alice"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = f.do(t, http.MethodPost, "/api/sales/0/claim", map[string]any{"caller": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	s := decodeJSON[saleResp](t, rec)
	if !s.Claimed {
		t.Error("expected sale to be claimed")
	}

	owner, _ := f.assets.OwnerOf(context.Background(), token)
	if owner != "bob" {
		t.Errorf("token owner = %q, want bob", owner)
	}
}

func TestRefundEndpoints(t *testing.T) {
	f := newFixture()
	token := f.listToken(t, "alice")
	f.do(t, http.MethodPost, "/api/sales", map[string]any{
		"token_id": token, "seller": "alice", "min_price": 100, "duration_seconds": 3600,
	})
	f.vault.Deposit("bob", 1_000)
	f.vault.Deposit("carl", 1_000)
	f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "bob", "amount": 200})
	f.do(t, http.MethodPost, "/api/sales/0/bids", map[string]any{"bidder": "carl", "amount": 300})

	rec := f.do(t, http.MethodGet, "/api/refunds/bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	owed := decodeJSON[refundResp](t, rec)
	if owed.Amount != 200 {
		t.Errorf("owed = %d, want 200", owed.Amount)
	}

	rec = f.do(t, http.MethodPost, "/api/refunds/claim", map[string]any{"account": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	paid := decodeJSON[refundResp](t, rec)
	if paid.Amount != 200 {
		t.Errorf("paid = %d, want 200", paid.Amount)
	}

	// A second claim is an idempotent no-op.
	rec = f.do(t, http.MethodPost, "/api/refunds/claim", map[string]any{"account": "bob"})
	paid = decodeJSON[refundResp](t, rec)
	if rec.Code != http.StatusOK || paid.Amount != 0 {
		t.Errorf("second claim = %d/%d, want 200/0", rec.Code, paid.Amount)
	}

	balance, _ := f.vault.Balance(context.Background(), "bob")
	if balance != 1_000 {
		t.Errorf("bob balance = %d, want 1000", balance)
	}
}
