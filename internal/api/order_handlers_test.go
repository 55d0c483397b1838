package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/order"
	"github.com/ardoise/stonetrade/internal/stone"
)

type orderFixture struct {
	handlers *OrderHandlers
	orders   *order.InMemoryRepository
	stones   *stone.InMemoryRepository
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	orders := order.NewInMemoryRepository()
	stones := stone.NewInMemoryRepository()
	service := order.NewService(orders, stones)
	recorder := audit.NewRecorder(audit.NewInMemoryRepository(), nil)

	return &orderFixture{
		handlers: NewOrderHandlers(orders, service, recorder),
		orders:   orders,
		stones:   stones,
	}
}

func (f *orderFixture) seed(t *testing.T, paymentStatus string, stock int64) *order.Order {
	t.Helper()
	s := &stone.Stone{Name: "Basalt Block", Category: "basalt", UnitPrice: 50000, StockQuantity: stock}
	if err := f.stones.Insert(context.Background(), s); err != nil {
		t.Fatalf("seed stone: %v", err)
	}
	o := &order.Order{
		OrderNumber: "ORD-20260901-000010", BuyerID: "buyer-1", StoneID: s.ID,
		Quantity: 2, TotalAmount: 100000,
		PaymentStatus:     paymentStatus,
		FulfillmentStatus: order.FulfillmentDraft,
	}
	if paymentStatus == order.PaymentFullyPaid {
		o.PaidAmount = o.TotalAmount
	}
	if err := f.orders.Insert(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func (f *orderFixture) confirm(o *order.Order) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handlers.ConfirmOrder(rec, requestAs(http.MethodPost, "/orders/"+o.ID+"/confirm",
		"", "admin-1", auth.RoleAdmin,
		&middleware.ValidatedResource{ID: o.ID, Status: o.FulfillmentStatus}))
	return rec
}

func TestConfirmOrder(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentFullyPaid, 5)

	rec := f.confirm(o)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["fulfillment_status"] != order.FulfillmentConfirmed {
		t.Errorf("fulfillment status = %v, want confirmed", body["fulfillment_status"])
	}

	s, _ := f.stones.GetByID(context.Background(), o.StoneID)
	if s.StockQuantity != 3 {
		t.Errorf("stock = %d, want 3", s.StockQuantity)
	}
}

func TestConfirmOrderNotFullyPaid(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentPending, 5)

	rec := f.confirm(o)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrCodeNotFullyPaid {
		t.Errorf("error code = %q, want %q", code, ErrCodeNotFullyPaid)
	}

	s, _ := f.stones.GetByID(context.Background(), o.StoneID)
	if s.StockQuantity != 5 {
		t.Errorf("denied confirmation deducted stock: %d", s.StockQuantity)
	}
}

func TestConfirmOrderInsufficientStock(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentFullyPaid, 1)

	rec := f.confirm(o)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != ErrCodeInsufficientStock {
		t.Errorf("error code = %q, want %q", code, ErrCodeInsufficientStock)
	}

	// The failed confirmation must leave the order retryable.
	fresh, _ := f.orders.GetByID(context.Background(), o.ID)
	if fresh.FulfillmentStatus != order.FulfillmentDraft {
		t.Errorf("fulfillment status = %q, want draft", fresh.FulfillmentStatus)
	}
}

func TestConfirmOrderTwice(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentFullyPaid, 5)

	if rec := f.confirm(o); rec.Code != http.StatusOK {
		t.Fatalf("first confirm status = %d", rec.Code)
	}
	if rec := f.confirm(o); rec.Code != http.StatusConflict {
		t.Fatalf("second confirm status = %d, want 409", rec.Code)
	}

	// Stock deducted exactly once.
	s, _ := f.stones.GetByID(context.Background(), o.StoneID)
	if s.StockQuantity != 3 {
		t.Errorf("stock = %d, want 3", s.StockQuantity)
	}
}

func TestFulfillmentChain(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentFullyPaid, 5)

	if rec := f.confirm(o); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", rec.Code)
	}

	dispatch := httptest.NewRecorder()
	f.handlers.DispatchOrder(dispatch, requestAs(http.MethodPost, "/orders/"+o.ID+"/dispatch",
		"", "admin-1", auth.RoleAdmin, &middleware.ValidatedResource{ID: o.ID}))
	if dispatch.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d: %s", dispatch.Code, dispatch.Body.String())
	}

	deliver := httptest.NewRecorder()
	f.handlers.DeliverOrder(deliver, requestAs(http.MethodPost, "/orders/"+o.ID+"/deliver",
		"", "admin-1", auth.RoleAdmin, &middleware.ValidatedResource{ID: o.ID}))
	if deliver.Code != http.StatusOK {
		t.Fatalf("deliver status = %d: %s", deliver.Code, deliver.Body.String())
	}

	// Delivered is terminal: cancellation is refused.
	cancel := httptest.NewRecorder()
	f.handlers.CancelOrder(cancel, requestAs(http.MethodPost, "/orders/"+o.ID+"/cancel",
		"", "admin-1", auth.RoleAdmin, &middleware.ValidatedResource{ID: o.ID}))
	if cancel.Code != http.StatusConflict {
		t.Fatalf("cancel status = %d, want 409", cancel.Code)
	}
}

func TestDispatchSkippingConfirm(t *testing.T) {
	f := newOrderFixture(t)
	o := f.seed(t, order.PaymentFullyPaid, 5)

	rec := httptest.NewRecorder()
	f.handlers.DispatchOrder(rec, requestAs(http.MethodPost, "/orders/"+o.ID+"/dispatch",
		"", "admin-1", auth.RoleAdmin, &middleware.ValidatedResource{ID: o.ID}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestListOrdersScopedToOwner(t *testing.T) {
	f := newOrderFixture(t)
	f.seed(t, order.PaymentPending, 5)
	other := &order.Order{
		OrderNumber: "ORD-20260901-000011", BuyerID: "buyer-2",
		TotalAmount: 50000, PaymentStatus: order.PaymentPending,
		FulfillmentStatus: order.FulfillmentDraft,
	}
	if err := f.orders.Insert(context.Background(), other); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	rec := httptest.NewRecorder()
	f.handlers.ListOrders(rec, requestAs(http.MethodGet, "/orders", "", "buyer-1", auth.RoleBuyer, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("listed %d orders, want 1", len(list))
	}
}
