package domain

import "time"

// Product carries the catalog attributes that get snapshotted into a
// transaction line at commit time. Price and tax rate are never re-read
// after the line is written.
type Product struct {
	SKU               string  `json:"sku"`
	Name              string  `json:"name"`
	UnitPriceCents    int64   `json:"unit_price_cents"`
	TaxRatePercent    float64 `json:"tax_rate_percent"`
	MinStockThreshold int     `json:"min_stock_threshold"`
	Active            bool    `json:"active"`
}

type ProductCreateRequest struct {
	StoreID           string  `json:"store_id"`
	SKU               string  `json:"sku"`
	Name              string  `json:"name"`
	UnitPriceCents    int64   `json:"unit_price_cents"`
	TaxRatePercent    float64 `json:"tax_rate_percent"`
	MinStockThreshold int     `json:"min_stock_threshold"`
	InitialStock      int     `json:"initial_stock"`
	ShelfLocation     string  `json:"shelf_location,omitempty"`
}

// Inventory is the authoritative per-(store, sku) stock count. No other
// counter may be trusted once a row exists for the pair.
type Inventory struct {
	StoreID       string    `json:"store_id"`
	SKU           string    `json:"sku"`
	Qty           int       `json:"qty"`
	ShelfLocation string    `json:"shelf_location,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CartLine is a requested product + quantity prior to commit.
type CartLine struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

const (
	DiscountTypeFlat    = "flat"
	DiscountTypePercent = "percent"
)

// Discount is a flat or percentage cart discount gated on a minimum
// purchase amount.
type Discount struct {
	Type             string  `json:"type"`
	Percent          float64 `json:"percent,omitempty"`
	FlatCents        int64   `json:"flat_cents,omitempty"`
	MinPurchaseCents int64   `json:"min_purchase_cents,omitempty"`
}

const (
	PaymentMethodCash    = "cash"
	PaymentMethodCard    = "card"
	PaymentMethodQRIS    = "qris"
	PaymentMethodEWallet = "ewallet"
	PaymentMethodSplit   = "split"
)

// Payment is one tender entry. A transaction has one or more; cash
// change is derived from the cash entry, never stored as paid.
type Payment struct {
	ID            string `json:"id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Method        string `json:"method"`
	AmountCents   int64  `json:"amount_cents"`
	Reference     string `json:"reference,omitempty"`
}

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusRefunded  = "refunded"
	TxStatusVoided    = "voided"
)

type TransactionItem struct {
	SKU            string  `json:"sku"`
	Qty            int     `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	TaxCents       int64   `json:"tax_cents"`
	SubtotalCents  int64   `json:"subtotal_cents"`
	TotalCents     int64   `json:"total_cents"`
}

type Transaction struct {
	ID             string            `json:"id"`
	Number         string            `json:"number"`
	StoreID        string            `json:"store_id"`
	UserID         string            `json:"user_id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	PaymentMethod  string            `json:"payment_method"`
	SubtotalCents  int64             `json:"subtotal_cents"`
	TaxCents       int64             `json:"tax_cents"`
	DiscountCents  int64             `json:"discount_cents"`
	TotalCents     int64             `json:"total_cents"`
	ChangeCents    int64             `json:"change_cents"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	Items          []TransactionItem `json:"items"`
	Payments       []Payment         `json:"payments"`
}

const (
	StockTypeSale       = "sale"
	StockTypeReturn     = "return"
	StockTypeAdjustment = "adjustment"
	StockTypeTransfer   = "transfer"
	StockTypePurchase   = "purchase"
)

// StockHistory is the append-only movement audit record. Summing all
// rows for a (store, sku) pair from epoch equals Inventory.Qty.
type StockHistory struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	SKU         string    `json:"sku"`
	QtyChange   int       `json:"qty_change"`
	Type        string    `json:"type"`
	ReferenceID string    `json:"reference_id,omitempty"`
	UserID      string    `json:"user_id"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	InvoiceStatusDraft     = "draft"
	InvoiceStatusSent      = "sent"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusOverdue   = "overdue"
	InvoiceStatusCancelled = "cancelled"
)

// Invoice is 1:1 with a completed transaction. The monetary snapshot is
// copied at issue time and never drifts, even after a void.
type Invoice struct {
	ID            string    `json:"id"`
	Number        string    `json:"number"`
	TransactionID string    `json:"transaction_id"`
	SubtotalCents int64     `json:"subtotal_cents"`
	TaxCents      int64     `json:"tax_cents"`
	DiscountCents int64     `json:"discount_cents"`
	TotalCents    int64     `json:"total_cents"`
	Status        string    `json:"status"`
	Payload       string    `json:"payload"`
	IssuedAt      time.Time `json:"issued_at"`
}

// InvoicePayload is the tamper-evident verification payload rendered
// into a scannable code. Signature is recomputable from the embedded
// fields and the server secret without a database lookup.
type InvoicePayload struct {
	InvoiceNumber string    `json:"invoice_number"`
	TotalCents    int64     `json:"total_cents"`
	IssuedAt      time.Time `json:"issued_at"`
	TransactionID string    `json:"transaction_id"`
	Signature     string    `json:"signature"`
}

type CheckoutRequest struct {
	StoreID        string     `json:"store_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Lines          []CartLine `json:"lines"`
	Discount       *Discount  `json:"discount,omitempty"`
	Payments       []Payment  `json:"payments"`
}

type CheckoutResponse struct {
	Transaction    Transaction `json:"transaction"`
	Invoice        *Invoice    `json:"invoice,omitempty"`
	InvoicePending bool        `json:"invoice_pending,omitempty"`
	Duplicate      bool        `json:"duplicate,omitempty"`
}

type CheckoutLookupResponse struct {
	Found    bool              `json:"found"`
	Checkout *CheckoutResponse `json:"checkout,omitempty"`
}

type ReversalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type StockAdjustRequest struct {
	StoreID string `json:"store_id"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
	Note    string `json:"note,omitempty"`
}

type StockTransferRequest struct {
	FromStoreID string `json:"from_store_id"`
	ToStoreID   string `json:"to_store_id"`
	SKU         string `json:"sku"`
	Qty         int    `json:"qty"`
	Note        string `json:"note,omitempty"`
}

type StockReceiveRequest struct {
	StoreID   string `json:"store_id"`
	SKU       string `json:"sku"`
	Qty       int    `json:"qty"`
	Reference string `json:"reference,omitempty"`
	Note      string `json:"note,omitempty"`
}

type VerifyPayloadRequest struct {
	Payload string `json:"payload"`
}

type VerifyPayloadResponse struct {
	Valid   bool            `json:"valid"`
	Payload *InvoicePayload `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
