package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tillpoint/internal/domain"
	"tillpoint/internal/invoice"
	"tillpoint/internal/pending"
	"tillpoint/internal/store"
	"tillpoint/internal/store/memory"
)

func newTestService(t *testing.T, repo store.Repository) (*Service, *pending.MemoryQueue) {
	t.Helper()
	queue := pending.NewMemoryQueue()
	svc := New(repo, invoice.NewIssuer("test-secret"), queue, zap.NewNop())
	return svc, queue
}

func seedProduct(t *testing.T, repo store.Repository, sku string, priceCents int64, taxRate float64, stock int) {
	t.Helper()
	_, err := repo.CreateProduct(context.Background(), domain.ProductCreateRequest{
		StoreID:        "main",
		SKU:            sku,
		Name:           "Product " + sku,
		UnitPriceCents: priceCents,
		TaxRatePercent: taxRate,
		InitialStock:   stock,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", sku, err)
	}
}

func TestCheckoutCashHappyPath(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:        "main",
		IdempotencyKey: "chk-1",
		Lines:          []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments:       []domain.Payment{{Method: "cash", AmountCents: 2000}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	tx := resp.Transaction
	if tx.SubtotalCents != 1500 || tx.TaxCents != 150 || tx.TotalCents != 1650 {
		t.Fatalf("totals = %d/%d/%d, want 1500/150/1650", tx.SubtotalCents, tx.TaxCents, tx.TotalCents)
	}
	if tx.ChangeCents != 350 {
		t.Fatalf("change = %d, want 350", tx.ChangeCents)
	}
	if tx.Status != domain.TxStatusCompleted {
		t.Fatalf("status = %q, want completed", tx.Status)
	}
	if tx.Number == "" {
		t.Fatalf("transaction has no number")
	}
	if len(tx.Payments) != 1 || tx.Payments[0].AmountCents != 1650 {
		t.Fatalf("recorded payments = %+v, want single 1650 entry", tx.Payments)
	}

	inv, err := repo.GetInventory(ctx, "main", "COF-001")
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if inv.Qty != 7 {
		t.Fatalf("stock = %d, want 7", inv.Qty)
	}

	history, err := repo.ListStockHistory(ctx, "main", "COF-001", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sale *domain.StockHistory
	for i := range history {
		if history[i].Type == domain.StockTypeSale {
			sale = &history[i]
		}
	}
	if sale == nil || sale.QtyChange != -3 || sale.ReferenceID != tx.ID {
		t.Fatalf("no sale movement of -3 referencing the transaction: %+v", history)
	}

	if resp.Invoice == nil {
		t.Fatalf("no invoice issued")
	}
	issuer := invoice.NewIssuer("test-secret")
	payload, ok := issuer.Verify(resp.Invoice.Payload)
	if !ok {
		t.Fatalf("invoice payload failed verification")
	}
	if payload.TotalCents != 1650 || payload.TransactionID != tx.ID {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestCheckoutSplitPayments(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID: "main",
		Lines:   []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments: []domain.Payment{
			{Method: "cash", AmountCents: 1000},
			{Method: "card", AmountCents: 650, Reference: "AUTH-17"},
		},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Transaction.PaymentMethod != domain.PaymentMethodSplit {
		t.Fatalf("method = %q, want split", resp.Transaction.PaymentMethod)
	}
	if resp.Transaction.ChangeCents != 0 {
		t.Fatalf("change = %d, want 0", resp.Transaction.ChangeCents)
	}
}

func TestCheckoutSplitShortfallLeavesNoTrace(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID: "main",
		Lines:   []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments: []domain.Payment{
			{Method: "cash", AmountCents: 1000},
			{Method: "card", AmountCents: 500, Reference: "AUTH-17"},
		},
	}, "cashier-1")
	var mismatch *domain.PaymentMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want PaymentMismatchError", err)
	}
	if mismatch.DeltaCents() != -150 {
		t.Fatalf("delta = %d, want -150", mismatch.DeltaCents())
	}

	inv, err := repo.GetInventory(ctx, "main", "COF-001")
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if inv.Qty != 10 {
		t.Fatalf("stock changed on rejected checkout: %d", inv.Qty)
	}
}

func TestCheckoutInsufficientStockIsAtomic(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "A", 100, 0, 10)
	seedProduct(t, repo, "B", 100, 0, 1)
	seedProduct(t, repo, "C", 100, 0, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID: "main",
		Lines: []domain.CartLine{
			{SKU: "A", Qty: 2},
			{SKU: "B", Qty: 5},
			{SKU: "C", Qty: 2},
		},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 900}},
	}, "cashier-1")
	var short *domain.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("err = %v, want InsufficientStockError", err)
	}
	if short.SKU != "B" || short.Requested != 5 || short.Available != 1 {
		t.Fatalf("error detail = %+v", short)
	}

	// Nothing moved, not even the lines that had enough stock.
	for sku, want := range map[string]int{"A": 10, "B": 1, "C": 10} {
		inv, err := repo.GetInventory(ctx, "main", sku)
		if err != nil {
			t.Fatalf("inventory %s: %v", sku, err)
		}
		if inv.Qty != want {
			t.Fatalf("stock for %s = %d, want %d", sku, inv.Qty, want)
		}
	}
	history, err := repo.ListStockHistory(ctx, "main", "", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, row := range history {
		if row.Type == domain.StockTypeSale {
			t.Fatalf("aborted checkout left a sale movement: %+v", row)
		}
	}
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	req := domain.CheckoutRequest{
		StoreID:        "main",
		IdempotencyKey: "chk-replay",
		Lines:          []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments:       []domain.Payment{{Method: "cash", AmountCents: 2000}},
	}
	first, err := svc.Checkout(ctx, req, "cashier-1")
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := svc.Checkout(ctx, req, "cashier-1")
	if err != nil {
		t.Fatalf("replay checkout: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay not flagged as duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("replay returned a different transaction")
	}

	inv, _ := repo.GetInventory(ctx, "main", "COF-001")
	if inv.Qty != 7 {
		t.Fatalf("stock = %d after replay, want 7 (single decrement)", inv.Qty)
	}
}

func TestCheckoutConcurrentLastUnit(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "MUG-010", 1299, 0, 1)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Checkout(ctx, domain.CheckoutRequest{
				StoreID:        "main",
				IdempotencyKey: fmt.Sprintf("race-%d", i),
				Lines:          []domain.CartLine{{SKU: "MUG-010", Qty: 1}},
				Payments:       []domain.Payment{{Method: "cash", AmountCents: 1299}},
			}, "cashier-1")
		}(i)
	}
	wg.Wait()

	var successes, shortfalls int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var short *domain.InsufficientStockError
		if errors.As(err, &short) {
			shortfalls++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if successes != 1 || shortfalls != 1 {
		t.Fatalf("got %d successes and %d shortfalls, want exactly one of each", successes, shortfalls)
	}

	inv, _ := repo.GetInventory(ctx, "main", "MUG-010")
	if inv.Qty != 0 {
		t.Fatalf("stock = %d, want 0", inv.Qty)
	}
}

func TestRefundRestoresStockOnce(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:  "main",
		Lines:    []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 1650}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	refunded, err := svc.Refund(ctx, resp.Transaction.ID, "customer returned goods", "manager-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.TxStatusRefunded {
		t.Fatalf("status = %q, want refunded", refunded.Status)
	}

	inv, _ := repo.GetInventory(ctx, "main", "COF-001")
	if inv.Qty != 10 {
		t.Fatalf("stock = %d after refund, want 10", inv.Qty)
	}
	history, _ := repo.ListStockHistory(ctx, "main", "COF-001", 10)
	var returns int
	for _, row := range history {
		if row.Type == domain.StockTypeReturn {
			returns++
		}
	}
	if returns != 1 {
		t.Fatalf("return movements = %d, want 1", returns)
	}

	// Second refund must not restore stock again.
	_, err = svc.Refund(ctx, resp.Transaction.ID, "again", "manager-1")
	var badState *domain.InvalidStateTransitionError
	if !errors.As(err, &badState) {
		t.Fatalf("second refund err = %v, want InvalidStateTransitionError", err)
	}
	inv, _ = repo.GetInventory(ctx, "main", "COF-001")
	if inv.Qty != 10 {
		t.Fatalf("stock = %d after double refund attempt, want 10", inv.Qty)
	}
}

func TestVoidKeepsInvoiceSnapshot(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:  "main",
		Lines:    []domain.CartLine{{SKU: "COF-001", Qty: 2}},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 1100}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	wantTotal := resp.Invoice.TotalCents

	voided, err := svc.Void(ctx, resp.Transaction.ID, "till error", "manager-1")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.TxStatusVoided {
		t.Fatalf("status = %q, want voided", voided.Status)
	}

	inv, err := svc.InvoiceByTransaction(ctx, resp.Transaction.ID)
	if err != nil {
		t.Fatalf("invoice lookup: %v", err)
	}
	if inv.TotalCents != wantTotal {
		t.Fatalf("invoice total drifted after void: %d vs %d", inv.TotalCents, wantTotal)
	}
	if inv.Status != domain.InvoiceStatusCancelled {
		t.Fatalf("invoice status = %q after void, want cancelled", inv.Status)
	}
}

// failingInvoiceRepo makes invoice persistence fail on demand while the
// rest of the repository behaves normally.
type failingInvoiceRepo struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (r *failingInvoiceRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *failingInvoiceRepo) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("invoice storage unavailable")
	}
	return r.Store.CreateInvoice(ctx, inv)
}

func TestCheckoutSurvivesInvoiceFailure(t *testing.T) {
	repo := &failingInvoiceRepo{Store: memory.New(), fail: true}
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	core, logs := observer.New(zapcore.WarnLevel)
	queue := pending.NewMemoryQueue()
	svc := New(repo, invoice.NewIssuer("test-secret"), queue, zap.New(core))
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:  "main",
		Lines:    []domain.CartLine{{SKU: "COF-001", Qty: 3}},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 1650}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout must survive invoice failure, got %v", err)
	}
	if !resp.InvoicePending {
		t.Fatalf("invoice_pending not set")
	}
	if resp.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("sale status = %q, want completed", resp.Transaction.Status)
	}

	// The deferred issuance is reported as a pending-invoice condition
	// wrapping the storage failure.
	var pendErr *domain.InvoicePendingError
	found := false
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if logged, ok := field.Interface.(error); ok && errors.As(logged, &pendErr) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no pending-invoice error logged")
	}
	if pendErr.TransactionID != resp.Transaction.ID || pendErr.Unwrap() == nil {
		t.Fatalf("pending error = %+v, want transaction %s with cause", pendErr, resp.Transaction.ID)
	}

	// Issuance recovers once storage is back.
	repo.setFail(false)
	svc.RetryPendingInvoices(ctx, 10)

	inv, err := svc.InvoiceByTransaction(ctx, resp.Transaction.ID)
	if err != nil {
		t.Fatalf("invoice after retry: %v", err)
	}
	if inv.TotalCents != resp.Transaction.TotalCents {
		t.Fatalf("invoice total = %d, want %d", inv.TotalCents, resp.Transaction.TotalCents)
	}

	leftover, _ := queue.Dequeue(ctx, 10)
	if len(leftover) != 0 {
		t.Fatalf("queue still holds %d tasks after successful retry", len(leftover))
	}
}

func TestCheckoutUnknownSKURejected(t *testing.T) {
	repo := memory.New()
	svc, _ := newTestService(t, repo)

	_, err := svc.Checkout(context.Background(), domain.CheckoutRequest{
		StoreID:  "main",
		Lines:    []domain.CartLine{{SKU: "NOPE", Qty: 1}},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 100}},
	}, "cashier-1")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCheckoutLookupByIdempotencyKey(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	missing, err := svc.CheckoutByIdempotencyKey(ctx, "never-used")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if missing.Found {
		t.Fatalf("lookup of unused key reported found")
	}

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:        "main",
		IdempotencyKey: "chk-lookup",
		Lines:          []domain.CartLine{{SKU: "COF-001", Qty: 1}},
		Payments:       []domain.Payment{{Method: "cash", AmountCents: 550}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	found, err := svc.CheckoutByIdempotencyKey(ctx, "chk-lookup")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found.Found || found.Checkout == nil {
		t.Fatalf("stored checkout not found")
	}
	if found.Checkout.Transaction.ID != resp.Transaction.ID {
		t.Fatalf("lookup returned a different transaction")
	}
}

func TestStockOperations(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	inv, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID: "main", SKU: "COF-001", Qty: -2, Note: "damaged",
	}, "manager-1")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if inv.Qty != 8 {
		t.Fatalf("qty = %d after adjust, want 8", inv.Qty)
	}

	_, err = svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID: "main", SKU: "COF-001", Qty: -50,
	}, "manager-1")
	var short *domain.InsufficientStockError
	if !errors.As(err, &short) {
		t.Fatalf("over-adjust err = %v, want InsufficientStockError", err)
	}

	if err := svc.TransferStock(ctx, domain.StockTransferRequest{
		FromStoreID: "main", ToStoreID: "branch", SKU: "COF-001", Qty: 3,
	}, "manager-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	from, _ := repo.GetInventory(ctx, "main", "COF-001")
	to, _ := repo.GetInventory(ctx, "branch", "COF-001")
	if from.Qty != 5 || to.Qty != 3 {
		t.Fatalf("after transfer: from=%d to=%d, want 5 and 3", from.Qty, to.Qty)
	}

	inv, err = svc.ReceiveStock(ctx, domain.StockReceiveRequest{
		StoreID: "main", SKU: "COF-001", Qty: 12, Reference: "PO-44",
	}, "manager-1")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if inv.Qty != 17 {
		t.Fatalf("qty = %d after receive, want 17", inv.Qty)
	}

	history, err := svc.StockHistory(ctx, "main", "COF-001", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	types := map[string]bool{}
	for _, row := range history {
		types[row.Type] = true
	}
	for _, want := range []string{domain.StockTypeAdjustment, domain.StockTypeTransfer, domain.StockTypePurchase} {
		if !types[want] {
			t.Fatalf("history missing %s movement: %v", want, types)
		}
	}
}

func TestVerifyInvoicePayloadEndToEnd(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "COF-001", 500, 10, 10)
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		StoreID:  "main",
		Lines:    []domain.CartLine{{SKU: "COF-001", Qty: 1}},
		Payments: []domain.Payment{{Method: "cash", AmountCents: 550}},
	}, "cashier-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	verified := svc.VerifyInvoicePayload(domain.VerifyPayloadRequest{Payload: resp.Invoice.Payload})
	if !verified.Valid {
		t.Fatalf("genuine payload rejected: %s", verified.Reason)
	}
	garbage := svc.VerifyInvoicePayload(domain.VerifyPayloadRequest{Payload: "bm90IGEgcGF5bG9hZA=="})
	if garbage.Valid {
		t.Fatalf("garbage payload accepted")
	}
}
