// Package memory is a mutex-guarded in-memory Repository used for
// development and tests when Postgres is not available. It mirrors the
// Postgres backend's semantics, including atomic checkout commits.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
)

type stockKey struct {
	storeID string
	sku     string
}

type Store struct {
	mu sync.Mutex

	products  map[string]domain.Product
	inventory map[stockKey]domain.Inventory
	history   []domain.StockHistory

	transactions map[string]domain.Transaction
	txByNumber   map[string]string
	txByIdemKey  map[string]string

	invoices       map[string]domain.Invoice
	invoiceNumbers map[string]string

	users map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:       make(map[string]domain.Product),
		inventory:      make(map[stockKey]domain.Inventory),
		transactions:   make(map[string]domain.Transaction),
		txByNumber:     make(map[string]string),
		txByIdemKey:    make(map[string]string),
		invoices:       make(map[string]domain.Invoice),
		invoiceNumbers: make(map[string]string),
		users:          make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small catalog so the
// server is usable out of the box without Postgres.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	seed := []struct {
		product domain.Product
		qty     int
	}{
		{domain.Product{SKU: "COF-001", Name: "Drip Coffee 250g", UnitPriceCents: 500, TaxRatePercent: 10, MinStockThreshold: 5, Active: true}, 10},
		{domain.Product{SKU: "TEA-002", Name: "Green Tea 40ct", UnitPriceCents: 350, TaxRatePercent: 10, MinStockThreshold: 5, Active: true}, 25},
		{domain.Product{SKU: "MUG-010", Name: "Ceramic Mug", UnitPriceCents: 1299, TaxRatePercent: 0, MinStockThreshold: 2, Active: true}, 8},
	}
	for _, item := range seed {
		s.products[item.product.SKU] = item.product
		key := stockKey{storeID: "main", sku: item.product.SKU}
		s.inventory[key] = domain.Inventory{StoreID: "main", SKU: item.product.SKU, Qty: item.qty, UpdatedAt: now}
	}
	return s
}

func (s *Store) CreateProduct(_ context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sku := strings.TrimSpace(req.SKU)
	if _, ok := s.products[sku]; ok {
		return domain.Product{}, store.ErrAlreadyExists
	}
	product := domain.Product{
		SKU:               sku,
		Name:              req.Name,
		UnitPriceCents:    req.UnitPriceCents,
		TaxRatePercent:    req.TaxRatePercent,
		MinStockThreshold: req.MinStockThreshold,
		Active:            true,
	}
	s.products[sku] = product

	if req.StoreID != "" && req.InitialStock > 0 {
		key := stockKey{storeID: req.StoreID, sku: sku}
		s.inventory[key] = domain.Inventory{
			StoreID:       req.StoreID,
			SKU:           sku,
			Qty:           req.InitialStock,
			ShelfLocation: req.ShelfLocation,
			UpdatedAt:     time.Now().UTC(),
		}
		s.history = append(s.history, domain.StockHistory{
			ID:        uuid.NewString(),
			StoreID:   req.StoreID,
			SKU:       sku,
			QtyChange: req.InitialStock,
			Type:      domain.StockTypePurchase,
			Note:      "initial stock",
			CreatedAt: time.Now().UTC(),
		})
	}
	return product, nil
}

func (s *Store) GetProduct(_ context.Context, sku string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[sku]
	if !ok {
		return domain.Product{}, store.ErrNotFound
	}
	return product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		out = append(out, product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) GetInventory(_ context.Context, storeID, sku string) (domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.inventory[stockKey{storeID: storeID, sku: sku}]
	if !ok {
		return domain.Inventory{}, store.ErrNotFound
	}
	return inv, nil
}

func (s *Store) ListInventory(_ context.Context, storeID string) ([]domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Inventory, 0)
	for key, inv := range s.inventory {
		if key.storeID == storeID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) ListStockHistory(_ context.Context, storeID, sku string, limit int) ([]domain.StockHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.StockHistory, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		row := s.history[i]
		if row.StoreID != storeID {
			continue
		}
		if sku != "" && row.SKU != sku {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CommitCheckout(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, ok := s.txByIdemKey[tx.IdempotencyKey]; ok {
			return domain.Transaction{}, store.ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := s.txByNumber[tx.Number]; ok {
		return domain.Transaction{}, store.ErrDuplicateNumber
	}

	// Verify every line before touching any counter so a late failure
	// leaves nothing behind.
	for _, item := range tx.Items {
		inv, ok := s.inventory[stockKey{storeID: tx.StoreID, sku: item.SKU}]
		if !ok {
			return domain.Transaction{}, &domain.InsufficientStockError{SKU: item.SKU, Requested: item.Qty, Available: 0}
		}
		if inv.Qty < item.Qty {
			return domain.Transaction{}, &domain.InsufficientStockError{SKU: item.SKU, Requested: item.Qty, Available: inv.Qty}
		}
	}

	now := time.Now().UTC()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.Status = domain.TxStatusCompleted
	for i := range tx.Payments {
		if tx.Payments[i].ID == "" {
			tx.Payments[i].ID = uuid.NewString()
		}
		tx.Payments[i].TransactionID = tx.ID
	}

	for _, item := range tx.Items {
		key := stockKey{storeID: tx.StoreID, sku: item.SKU}
		inv := s.inventory[key]
		inv.Qty -= item.Qty
		inv.UpdatedAt = now
		s.inventory[key] = inv
		s.history = append(s.history, domain.StockHistory{
			ID:          uuid.NewString(),
			StoreID:     tx.StoreID,
			SKU:         item.SKU,
			QtyChange:   -item.Qty,
			Type:        domain.StockTypeSale,
			ReferenceID: tx.ID,
			UserID:      tx.UserID,
			CreatedAt:   now,
		})
	}

	s.transactions[tx.ID] = tx
	s.txByNumber[tx.Number] = tx.ID
	if tx.IdempotencyKey != "" {
		s.txByIdemKey[tx.IdempotencyKey] = tx.ID
	}
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return tx, nil
}

func (s *Store) GetTransactionByIdempotencyKey(_ context.Context, key string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.txByIdemKey[key]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return s.transactions[id], nil
}

func (s *Store) ReverseTransaction(_ context.Context, id, toStatus, userID, reason string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusCompleted {
		return domain.Transaction{}, &domain.InvalidStateTransitionError{TransactionID: id, From: tx.Status, To: toStatus}
	}

	now := time.Now().UTC()
	for _, item := range tx.Items {
		key := stockKey{storeID: tx.StoreID, sku: item.SKU}
		inv, ok := s.inventory[key]
		if !ok {
			inv = domain.Inventory{StoreID: tx.StoreID, SKU: item.SKU}
		}
		inv.Qty += item.Qty
		inv.UpdatedAt = now
		s.inventory[key] = inv
		s.history = append(s.history, domain.StockHistory{
			ID:          uuid.NewString(),
			StoreID:     tx.StoreID,
			SKU:         item.SKU,
			QtyChange:   item.Qty,
			Type:        domain.StockTypeReturn,
			ReferenceID: tx.ID,
			UserID:      userID,
			Note:        reason,
			CreatedAt:   now,
		})
	}

	// The invoice keeps its monetary snapshot; only its status moves.
	if inv, ok := s.invoices[id]; ok {
		inv.Status = domain.InvoiceStatusCancelled
		s.invoices[id] = inv
	}

	tx.Status = toStatus
	s.transactions[id] = tx
	return tx, nil
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoiceNumbers[inv.Number]; ok {
		return store.ErrDuplicateNumber
	}
	if _, ok := s.invoices[inv.TransactionID]; ok {
		return store.ErrAlreadyExists
	}
	s.invoices[inv.TransactionID] = inv
	s.invoiceNumbers[inv.Number] = inv.TransactionID
	return nil
}

func (s *Store) GetInvoiceByTransaction(_ context.Context, transactionID string) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[transactionID]
	if !ok {
		return domain.Invoice{}, store.ErrNotFound
	}
	return inv, nil
}

func (s *Store) GetInvoiceByNumber(_ context.Context, number string) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID, ok := s.invoiceNumbers[number]
	if !ok {
		return domain.Invoice{}, store.ErrNotFound
	}
	return s.invoices[txID], nil
}

func (s *Store) AdjustStock(_ context.Context, req domain.StockAdjustRequest, userID string) (domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[req.SKU]; !ok {
		return domain.Inventory{}, store.ErrNotFound
	}
	key := stockKey{storeID: req.StoreID, sku: req.SKU}
	inv, ok := s.inventory[key]
	if !ok {
		inv = domain.Inventory{StoreID: req.StoreID, SKU: req.SKU}
	}
	if inv.Qty+req.Qty < 0 {
		return domain.Inventory{}, &domain.InsufficientStockError{SKU: req.SKU, Requested: -req.Qty, Available: inv.Qty}
	}
	inv.Qty += req.Qty
	inv.UpdatedAt = time.Now().UTC()
	s.inventory[key] = inv
	s.history = append(s.history, domain.StockHistory{
		ID:        uuid.NewString(),
		StoreID:   req.StoreID,
		SKU:       req.SKU,
		QtyChange: req.Qty,
		Type:      domain.StockTypeAdjustment,
		UserID:    userID,
		Note:      req.Note,
		CreatedAt: inv.UpdatedAt,
	})
	return inv, nil
}

func (s *Store) TransferStock(_ context.Context, req domain.StockTransferRequest, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromKey := stockKey{storeID: req.FromStoreID, sku: req.SKU}
	from, ok := s.inventory[fromKey]
	if !ok {
		return store.ErrNotFound
	}
	if from.Qty < req.Qty {
		return &domain.InsufficientStockError{SKU: req.SKU, Requested: req.Qty, Available: from.Qty}
	}

	now := time.Now().UTC()
	from.Qty -= req.Qty
	from.UpdatedAt = now
	s.inventory[fromKey] = from

	toKey := stockKey{storeID: req.ToStoreID, sku: req.SKU}
	to, ok := s.inventory[toKey]
	if !ok {
		to = domain.Inventory{StoreID: req.ToStoreID, SKU: req.SKU}
	}
	to.Qty += req.Qty
	to.UpdatedAt = now
	s.inventory[toKey] = to

	s.history = append(s.history,
		domain.StockHistory{
			ID: uuid.NewString(), StoreID: req.FromStoreID, SKU: req.SKU,
			QtyChange: -req.Qty, Type: domain.StockTypeTransfer,
			UserID: userID, Note: req.Note, CreatedAt: now,
		},
		domain.StockHistory{
			ID: uuid.NewString(), StoreID: req.ToStoreID, SKU: req.SKU,
			QtyChange: req.Qty, Type: domain.StockTypeTransfer,
			UserID: userID, Note: req.Note, CreatedAt: now,
		},
	)
	return nil
}

func (s *Store) ReceiveStock(_ context.Context, req domain.StockReceiveRequest, userID string) (domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[req.SKU]; !ok {
		return domain.Inventory{}, store.ErrNotFound
	}
	key := stockKey{storeID: req.StoreID, sku: req.SKU}
	inv, ok := s.inventory[key]
	if !ok {
		inv = domain.Inventory{StoreID: req.StoreID, SKU: req.SKU}
	}
	inv.Qty += req.Qty
	inv.UpdatedAt = time.Now().UTC()
	s.inventory[key] = inv
	s.history = append(s.history, domain.StockHistory{
		ID:          uuid.NewString(),
		StoreID:     req.StoreID,
		SKU:         req.SKU,
		QtyChange:   req.Qty,
		Type:        domain.StockTypePurchase,
		ReferenceID: req.Reference,
		UserID:      userID,
		Note:        req.Note,
		CreatedAt:   inv.UpdatedAt,
	})
	return inv, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return store.ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
