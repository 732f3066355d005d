// Package store defines the persistence contract shared by the
// Postgres and in-memory backends.
package store

import (
	"context"
	"errors"

	"tillpoint/internal/domain"
)

var (
	// ErrNotFound is returned when a product, transaction, invoice,
	// inventory row or user does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on a duplicate product SKU or
	// username.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrDuplicateNumber is returned when a generated transaction or
	// invoice number collides with an existing one. The caller
	// regenerates and retries the whole unit of work.
	ErrDuplicateNumber = errors.New("store: duplicate number")

	// ErrDuplicateIdempotencyKey is returned when a concurrent commit
	// with the same idempotency key won the race. The caller re-reads
	// the stored result.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
)

// Repository is the full persistence surface. CommitCheckout and
// ReverseTransaction are atomic: partial effects never survive an
// error return.
type Repository interface {
	// Catalog.
	CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error)
	GetProduct(ctx context.Context, sku string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	// Inventory reads.
	GetInventory(ctx context.Context, storeID, sku string) (domain.Inventory, error)
	ListInventory(ctx context.Context, storeID string) ([]domain.Inventory, error)
	ListStockHistory(ctx context.Context, storeID, sku string, limit int) ([]domain.StockHistory, error)

	// CommitCheckout persists a fully priced and reconciled
	// transaction: it locks each inventory row, decrements stock only
	// if every line has enough on hand, and writes the transaction,
	// its items, payments and one stock movement per line in a single
	// database transaction. Returns InsufficientStockError,
	// ErrDuplicateNumber or ErrDuplicateIdempotencyKey on the
	// corresponding conflicts.
	CommitCheckout(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)

	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error)

	// ReverseTransaction moves a completed transaction to refunded or
	// voided, restores stock for every line and appends return
	// movements. The status change is a compare-and-set on completed:
	// a second reversal fails with InvalidStateTransitionError.
	ReverseTransaction(ctx context.Context, id, toStatus, userID, reason string) (domain.Transaction, error)

	// Invoices.
	CreateInvoice(ctx context.Context, inv domain.Invoice) error
	GetInvoiceByTransaction(ctx context.Context, transactionID string) (domain.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (domain.Invoice, error)

	// Manual stock movements.
	AdjustStock(ctx context.Context, req domain.StockAdjustRequest, userID string) (domain.Inventory, error)
	TransferStock(ctx context.Context, req domain.StockTransferRequest, userID string) error
	ReceiveStock(ctx context.Context, req domain.StockReceiveRequest, userID string) (domain.Inventory, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	Ping(ctx context.Context) error
	Close() error
}
