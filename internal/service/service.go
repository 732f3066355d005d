// Package service orchestrates checkout: pricing, payment
// reconciliation, the atomic commit, invoice issuance and reversals.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"tillpoint/internal/domain"
	"tillpoint/internal/invoice"
	"tillpoint/internal/numbering"
	"tillpoint/internal/payment"
	"tillpoint/internal/pending"
	"tillpoint/internal/pricing"
	"tillpoint/internal/store"
)

// maxPendingAttempts bounds invoice retries from the background worker
// before a task is dropped with an error log.
const maxPendingAttempts = 10

type Service struct {
	repo   store.Repository
	issuer *invoice.Issuer
	queue  pending.Queue
	logger *zap.Logger

	now func() time.Time
}

func New(repo store.Repository, issuer *invoice.Issuer, queue pending.Queue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		issuer: issuer,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Checkout commits a sale end to end. The returned response carries the
// persisted transaction plus, when issuance succeeded, its invoice.
// Replays of an already-committed idempotency key return the stored
// result with Duplicate set and no side effects.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest, userID string) (domain.CheckoutResponse, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return domain.CheckoutResponse{}, &domain.ValidationError{Field: "store_id", Reason: "is required"}
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return s.replayResponse(ctx, existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, err
		}
	}

	quote, err := s.quoteCart(ctx, req.Lines, req.Discount)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	settlement, err := payment.Reconcile(quote.TotalCents, req.Payments)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	tx := domain.Transaction{
		StoreID:        req.StoreID,
		UserID:         userID,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		IdempotencyKey: req.IdempotencyKey,
		PaymentMethod:  settlement.Method,
		SubtotalCents:  quote.SubtotalCents,
		TaxCents:       quote.TaxCents,
		DiscountCents:  quote.DiscountCents,
		TotalCents:     quote.TotalCents,
		ChangeCents:    settlement.ChangeCents,
		Payments:       settlement.Payments,
	}
	for _, line := range quote.Lines {
		tx.Items = append(tx.Items, domain.TransactionItem{
			SKU:            line.SKU,
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
			TaxRatePercent: line.TaxRatePercent,
			TaxCents:       line.TaxCents,
			SubtotalCents:  line.SubtotalCents,
			TotalCents:     line.TotalCents,
		})
	}

	committed, err := s.commitWithNumberRetry(ctx, tx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	resp := domain.CheckoutResponse{Transaction: committed}
	inv, issueErr := s.issueInvoice(ctx, committed)
	if issueErr != nil {
		// The sale stands. Queue issuance for retry and report the
		// invoice as pending.
		pendErr := &domain.InvoicePendingError{TransactionID: committed.ID, Cause: issueErr}
		s.logger.Warn("invoice issuance deferred",
			zap.String("transaction_id", committed.ID),
			zap.Error(pendErr))
		if err := s.queue.Enqueue(ctx, pending.Task{TransactionID: committed.ID, EnqueuedAt: s.now()}); err != nil {
			s.logger.Error("pending invoice enqueue failed",
				zap.String("transaction_id", committed.ID),
				zap.Error(err))
		}
		resp.InvoicePending = true
		return resp, nil
	}
	resp.Invoice = &inv

	s.logger.Info("checkout committed",
		zap.String("transaction_id", committed.ID),
		zap.String("number", committed.Number),
		zap.String("store_id", committed.StoreID),
		zap.Int64("total_cents", committed.TotalCents),
		zap.String("payment_method", committed.PaymentMethod))
	return resp, nil
}

// quoteCart joins cart lines with product snapshots and prices them.
func (s *Service) quoteCart(ctx context.Context, lines []domain.CartLine, discount *domain.Discount) (pricing.Quote, error) {
	if len(lines) == 0 {
		return pricing.Quote{}, &domain.ValidationError{Field: "lines", Reason: "cart is empty"}
	}
	priceLines := make([]pricing.Line, 0, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		product, err := s.repo.GetProduct(ctx, sku)
		if errors.Is(err, store.ErrNotFound) {
			return pricing.Quote{}, &domain.ValidationError{Field: "lines", Reason: "unknown sku " + sku}
		}
		if err != nil {
			return pricing.Quote{}, err
		}
		if !product.Active {
			return pricing.Quote{}, &domain.ValidationError{Field: "lines", Reason: "product " + sku + " is inactive"}
		}
		priceLines = append(priceLines, pricing.Line{
			SKU:            product.SKU,
			Qty:            line.Qty,
			UnitPriceCents: product.UnitPriceCents,
			TaxRatePercent: product.TaxRatePercent,
		})
	}
	return pricing.Compute(priceLines, discount)
}

// commitWithNumberRetry runs the atomic commit, regenerating the
// transaction number on a uniqueness collision. A concurrent duplicate
// idempotency key resolves to the stored transaction. The caller's
// cancellation stops mattering here: once committing starts the unit of
// work runs to completed or aborted.
func (s *Service) commitWithNumberRetry(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; attempt <= numbering.MaxAttempts; attempt++ {
		tx.Number = numbering.Transaction(s.now())
		committed, err := s.repo.CommitCheckout(ctx, tx)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, store.ErrDuplicateNumber) {
			s.logger.Warn("transaction number collision, regenerating",
				zap.String("number", tx.Number),
				zap.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && tx.IdempotencyKey != "" {
			return s.repo.GetTransactionByIdempotencyKey(ctx, tx.IdempotencyKey)
		}
		return domain.Transaction{}, err
	}
	return domain.Transaction{}, &domain.IdentifierExhaustedError{Kind: "transaction", Attempts: numbering.MaxAttempts}
}

// issueInvoice persists the invoice for a committed transaction with
// the same regenerate-on-collision loop as transaction numbers.
func (s *Service) issueInvoice(ctx context.Context, tx domain.Transaction) (domain.Invoice, error) {
	for attempt := 1; attempt <= numbering.MaxAttempts; attempt++ {
		inv := s.issuer.Issue(tx, numbering.Invoice(s.now()), s.now())
		err := s.repo.CreateInvoice(ctx, inv)
		if err == nil {
			return inv, nil
		}
		if errors.Is(err, store.ErrDuplicateNumber) {
			continue
		}
		if errors.Is(err, store.ErrAlreadyExists) {
			return s.repo.GetInvoiceByTransaction(ctx, tx.ID)
		}
		return domain.Invoice{}, err
	}
	return domain.Invoice{}, &domain.IdentifierExhaustedError{Kind: "invoice", Attempts: numbering.MaxAttempts}
}

func (s *Service) replayResponse(ctx context.Context, tx domain.Transaction) domain.CheckoutResponse {
	resp := domain.CheckoutResponse{Transaction: tx, Duplicate: true}
	if inv, err := s.repo.GetInvoiceByTransaction(ctx, tx.ID); err == nil {
		resp.Invoice = &inv
	} else {
		resp.InvoicePending = true
	}
	return resp
}

// CheckoutByIdempotencyKey lets a client that lost the response to a
// network failure recover the stored outcome without re-submitting.
func (s *Service) CheckoutByIdempotencyKey(ctx context.Context, key string) (domain.CheckoutLookupResponse, error) {
	tx, err := s.repo.GetTransactionByIdempotencyKey(ctx, strings.TrimSpace(key))
	if errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutLookupResponse{Found: false}, nil
	}
	if err != nil {
		return domain.CheckoutLookupResponse{}, err
	}
	resp := s.replayResponse(ctx, tx)
	return domain.CheckoutLookupResponse{Found: true, Checkout: &resp}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// Refund moves a completed transaction to refunded and restores stock.
func (s *Service) Refund(ctx context.Context, id, reason, userID string) (domain.Transaction, error) {
	return s.reverse(ctx, id, domain.TxStatusRefunded, reason, userID)
}

// Void moves a completed transaction to voided and restores stock. The
// invoice's monetary snapshot is left untouched.
func (s *Service) Void(ctx context.Context, id, reason, userID string) (domain.Transaction, error) {
	return s.reverse(ctx, id, domain.TxStatusVoided, reason, userID)
}

func (s *Service) reverse(ctx context.Context, id, toStatus, reason, userID string) (domain.Transaction, error) {
	tx, err := s.repo.ReverseTransaction(ctx, id, toStatus, userID, reason)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.logger.Info("transaction reversed",
		zap.String("transaction_id", id),
		zap.String("status", toStatus),
		zap.String("user", userID))
	return tx, nil
}

// VerifyInvoicePayload checks a scanned payload offline.
func (s *Service) VerifyInvoicePayload(req domain.VerifyPayloadRequest) domain.VerifyPayloadResponse {
	payload, ok := s.issuer.Verify(req.Payload)
	if !ok {
		return domain.VerifyPayloadResponse{Valid: false, Reason: "signature mismatch or malformed payload"}
	}
	return domain.VerifyPayloadResponse{Valid: true, Payload: &payload}
}

func (s *Service) InvoiceByTransaction(ctx context.Context, transactionID string) (domain.Invoice, error) {
	return s.repo.GetInvoiceByTransaction(ctx, transactionID)
}

func (s *Service) InvoiceByNumber(ctx context.Context, number string) (domain.Invoice, error) {
	return s.repo.GetInvoiceByNumber(ctx, strings.TrimSpace(number))
}

func (s *Service) GetInventory(ctx context.Context, storeID, sku string) (domain.Inventory, error) {
	return s.repo.GetInventory(ctx, storeID, sku)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if strings.TrimSpace(req.SKU) == "" {
		return domain.Product{}, &domain.ValidationError{Field: "sku", Reason: "is required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Product{}, &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if req.UnitPriceCents < 0 {
		return domain.Product{}, &domain.ValidationError{Field: "unit_price_cents", Reason: "must not be negative"}
	}
	if req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return domain.Product{}, &domain.ValidationError{Field: "tax_rate_percent", Reason: "must be between 0 and 100"}
	}
	if req.InitialStock < 0 {
		return domain.Product{}, &domain.ValidationError{Field: "initial_stock", Reason: "must not be negative"}
	}
	return s.repo.CreateProduct(ctx, req)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListInventory(ctx context.Context, storeID string) ([]domain.Inventory, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, &domain.ValidationError{Field: "store_id", Reason: "is required"}
	}
	return s.repo.ListInventory(ctx, storeID)
}

func (s *Service) StockHistory(ctx context.Context, storeID, sku string, limit int) ([]domain.StockHistory, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, &domain.ValidationError{Field: "store_id", Reason: "is required"}
	}
	return s.repo.ListStockHistory(ctx, storeID, sku, limit)
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest, userID string) (domain.Inventory, error) {
	if strings.TrimSpace(req.StoreID) == "" || strings.TrimSpace(req.SKU) == "" {
		return domain.Inventory{}, &domain.ValidationError{Field: "stock", Reason: "store_id and sku are required"}
	}
	if req.Qty == 0 {
		return domain.Inventory{}, &domain.ValidationError{Field: "qty", Reason: "must not be zero"}
	}
	return s.repo.AdjustStock(ctx, req, userID)
}

func (s *Service) TransferStock(ctx context.Context, req domain.StockTransferRequest, userID string) error {
	if strings.TrimSpace(req.FromStoreID) == "" || strings.TrimSpace(req.ToStoreID) == "" || strings.TrimSpace(req.SKU) == "" {
		return &domain.ValidationError{Field: "stock", Reason: "from_store_id, to_store_id and sku are required"}
	}
	if req.FromStoreID == req.ToStoreID {
		return &domain.ValidationError{Field: "to_store_id", Reason: "must differ from from_store_id"}
	}
	if req.Qty < 1 {
		return &domain.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	return s.repo.TransferStock(ctx, req, userID)
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest, userID string) (domain.Inventory, error) {
	if strings.TrimSpace(req.StoreID) == "" || strings.TrimSpace(req.SKU) == "" {
		return domain.Inventory{}, &domain.ValidationError{Field: "stock", Reason: "store_id and sku are required"}
	}
	if req.Qty < 1 {
		return domain.Inventory{}, &domain.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	return s.repo.ReceiveStock(ctx, req, userID)
}

// RetryPendingInvoices drains up to batch queued tasks and retries
// issuance for each. Failures go back on the queue until
// maxPendingAttempts.
func (s *Service) RetryPendingInvoices(ctx context.Context, batch int) {
	tasks, err := s.queue.Dequeue(ctx, batch)
	if err != nil {
		s.logger.Error("pending invoice dequeue failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if _, err := s.repo.GetInvoiceByTransaction(ctx, task.TransactionID); err == nil {
			continue // already issued
		}
		tx, err := s.repo.GetTransaction(ctx, task.TransactionID)
		if err != nil {
			s.logger.Error("pending invoice references unknown transaction",
				zap.String("transaction_id", task.TransactionID),
				zap.Error(err))
			continue
		}
		if _, err := s.issueInvoice(ctx, tx); err != nil {
			task.Attempts++
			if task.Attempts >= maxPendingAttempts {
				s.logger.Error("pending invoice dropped after repeated failures",
					zap.String("transaction_id", task.TransactionID),
					zap.Int("attempts", task.Attempts),
					zap.Error(err))
				continue
			}
			if err := s.queue.Enqueue(ctx, task); err != nil {
				s.logger.Error("pending invoice re-enqueue failed",
					zap.String("transaction_id", task.TransactionID),
					zap.Error(err))
			}
			continue
		}
		s.logger.Info("pending invoice issued",
			zap.String("transaction_id", task.TransactionID),
			zap.Int("attempts", task.Attempts+1))
	}
}

// StartInvoiceWorker retries pending invoices on a fixed interval until
// ctx is cancelled.
func (s *Service) StartInvoiceWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RetryPendingInvoices(ctx, 20)
			}
		}
	}()
}
