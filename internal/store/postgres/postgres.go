// Package postgres is the production Repository backed by Postgres via
// the pgx stdlib driver. Checkout commits and reversals run in
// transactions that take FOR UPDATE row locks on inventory. Read
// committed is deliberate: a locking read re-reads the current row
// after the lock is granted, so a raced-for last unit surfaces as an
// insufficient-stock shortfall instead of a serialization abort.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpoint/internal/domain"
	"tillpoint/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the tables on first boot. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			sku                 TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			unit_price_cents    BIGINT NOT NULL,
			tax_rate_percent    DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_stock_threshold INT NOT NULL DEFAULT 0,
			active              BOOLEAN NOT NULL DEFAULT TRUE,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS inventory (
			store_id       TEXT NOT NULL,
			sku            TEXT NOT NULL REFERENCES products (sku),
			qty            INT NOT NULL CHECK (qty >= 0),
			shelf_location TEXT,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (store_id, sku)
		);
		CREATE TABLE IF NOT EXISTS transactions (
			id              UUID PRIMARY KEY,
			number          TEXT NOT NULL,
			store_id        TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			customer_id     TEXT,
			idempotency_key TEXT,
			payment_method  TEXT NOT NULL,
			subtotal_cents  BIGINT NOT NULL,
			tax_cents       BIGINT NOT NULL,
			discount_cents  BIGINT NOT NULL,
			total_cents     BIGINT NOT NULL,
			change_cents    BIGINT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT transactions_number_key UNIQUE (number),
			CONSTRAINT transactions_idempotency_key UNIQUE (idempotency_key)
		);
		CREATE TABLE IF NOT EXISTS transaction_items (
			transaction_id   UUID NOT NULL REFERENCES transactions (id),
			sku              TEXT NOT NULL,
			qty              INT NOT NULL CHECK (qty > 0),
			unit_price_cents BIGINT NOT NULL,
			tax_rate_percent DOUBLE PRECISION NOT NULL,
			tax_cents        BIGINT NOT NULL,
			subtotal_cents   BIGINT NOT NULL,
			total_cents      BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS payments (
			id             UUID PRIMARY KEY,
			transaction_id UUID NOT NULL REFERENCES transactions (id),
			method         TEXT NOT NULL,
			amount_cents   BIGINT NOT NULL CHECK (amount_cents > 0),
			reference      TEXT
		);
		CREATE TABLE IF NOT EXISTS stock_history (
			id           UUID PRIMARY KEY,
			store_id     TEXT NOT NULL,
			sku          TEXT NOT NULL,
			qty_change   INT NOT NULL,
			type         TEXT NOT NULL,
			reference_id TEXT,
			user_id      TEXT,
			note         TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS invoices (
			id             UUID PRIMARY KEY,
			number         TEXT NOT NULL,
			transaction_id UUID NOT NULL REFERENCES transactions (id),
			subtotal_cents BIGINT NOT NULL,
			tax_cents      BIGINT NOT NULL,
			discount_cents BIGINT NOT NULL,
			total_cents    BIGINT NOT NULL,
			status         TEXT NOT NULL,
			payload        TEXT NOT NULL,
			issued_at      TIMESTAMPTZ NOT NULL,
			CONSTRAINT invoices_number_key UNIQUE (number),
			CONSTRAINT invoices_transaction_key UNIQUE (transaction_id)
		);
		CREATE TABLE IF NOT EXISTS users (
			username   TEXT PRIMARY KEY,
			password   TEXT NOT NULL,
			role       TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (s *Store) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	sku := strings.TrimSpace(req.SKU)
	product := domain.Product{
		SKU:               sku,
		Name:              req.Name,
		UnitPriceCents:    req.UnitPriceCents,
		TaxRatePercent:    req.TaxRatePercent,
		MinStockThreshold: req.MinStockThreshold,
		Active:            true,
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Product{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (sku, name, unit_price_cents, tax_rate_percent, min_stock_threshold, active)
		VALUES ($1,$2,$3,$4,$5,TRUE)
	`, sku, req.Name, req.UnitPriceCents, req.TaxRatePercent, req.MinStockThreshold)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, store.ErrAlreadyExists
		}
		return domain.Product{}, err
	}

	if req.StoreID != "" && req.InitialStock > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory (store_id, sku, qty, shelf_location, updated_at)
			VALUES ($1,$2,$3,$4,now())
		`, req.StoreID, sku, req.InitialStock, nullIfEmpty(req.ShelfLocation))
		if err != nil {
			return domain.Product{}, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_history (id, store_id, sku, qty_change, type, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,now())
		`, uuid.NewString(), req.StoreID, sku, req.InitialStock, domain.StockTypePurchase, "initial stock")
		if err != nil {
			return domain.Product{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Store) GetProduct(ctx context.Context, sku string) (domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, unit_price_cents, tax_rate_percent, min_stock_threshold, active
		FROM products WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.UnitPriceCents,
		&product.TaxRatePercent, &product.MinStockThreshold, &product.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, unit_price_cents, tax_rate_percent, min_stock_threshold, active
		FROM products ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0)
	for rows.Next() {
		var product domain.Product
		if err := rows.Scan(&product.SKU, &product.Name, &product.UnitPriceCents,
			&product.TaxRatePercent, &product.MinStockThreshold, &product.Active); err != nil {
			return nil, err
		}
		out = append(out, product)
	}
	return out, rows.Err()
}

func (s *Store) GetInventory(ctx context.Context, storeID, sku string) (domain.Inventory, error) {
	var inv domain.Inventory
	var shelf sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, sku, qty, shelf_location, updated_at
		FROM inventory WHERE store_id = $1 AND sku = $2
	`, storeID, sku).Scan(&inv.StoreID, &inv.SKU, &inv.Qty, &shelf, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Inventory{}, err
	}
	inv.ShelfLocation = shelf.String
	return inv, nil
}

func (s *Store) ListInventory(ctx context.Context, storeID string) ([]domain.Inventory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id, sku, qty, shelf_location, updated_at
		FROM inventory WHERE store_id = $1 ORDER BY sku
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Inventory, 0)
	for rows.Next() {
		var inv domain.Inventory
		var shelf sql.NullString
		if err := rows.Scan(&inv.StoreID, &inv.SKU, &inv.Qty, &shelf, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		inv.ShelfLocation = shelf.String
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) ListStockHistory(ctx context.Context, storeID, sku string, limit int) ([]domain.StockHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, sku, qty_change, type, reference_id, user_id, note, created_at
		FROM stock_history
		WHERE store_id = $1 AND ($2 = '' OR sku = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, storeID, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockHistory, 0)
	for rows.Next() {
		var row domain.StockHistory
		var ref, user, note sql.NullString
		if err := rows.Scan(&row.ID, &row.StoreID, &row.SKU, &row.QtyChange,
			&row.Type, &ref, &user, &note, &row.CreatedAt); err != nil {
			return nil, err
		}
		row.ReferenceID = ref.String
		row.UserID = user.String
		row.Note = note.String
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) CommitCheckout(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Status = domain.TxStatusCompleted

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Transaction{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Lock and decrement stock line by line. Any shortfall rolls back
	// the whole commit.
	for _, item := range tx.Items {
		var available int
		err := pgTx.QueryRowContext(ctx, `
			SELECT qty FROM inventory WHERE store_id = $1 AND sku = $2 FOR UPDATE
		`, tx.StoreID, item.SKU).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, &domain.InsufficientStockError{SKU: item.SKU, Requested: item.Qty, Available: 0}
		}
		if err != nil {
			return domain.Transaction{}, err
		}
		if available < item.Qty {
			return domain.Transaction{}, &domain.InsufficientStockError{SKU: item.SKU, Requested: item.Qty, Available: available}
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE inventory SET qty = qty - $3, updated_at = now()
			WHERE store_id = $1 AND sku = $2
		`, tx.StoreID, item.SKU, item.Qty); err != nil {
			return domain.Transaction{}, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, number, store_id, user_id, customer_id, idempotency_key,
			payment_method, subtotal_cents, tax_cents, discount_cents,
			total_cents, change_cents, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, tx.ID, tx.Number, tx.StoreID, tx.UserID, nullIfEmpty(tx.CustomerID),
		nullIfEmpty(tx.IdempotencyKey), tx.PaymentMethod, tx.SubtotalCents,
		tx.TaxCents, tx.DiscountCents, tx.TotalCents, tx.ChangeCents,
		tx.Status, tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "idempotency") {
				return domain.Transaction{}, store.ErrDuplicateIdempotencyKey
			}
			return domain.Transaction{}, store.ErrDuplicateNumber
		}
		return domain.Transaction{}, err
	}

	for _, item := range tx.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				transaction_id, sku, qty, unit_price_cents, tax_rate_percent,
				tax_cents, subtotal_cents, total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, tx.ID, item.SKU, item.Qty, item.UnitPriceCents, item.TaxRatePercent,
			item.TaxCents, item.SubtotalCents, item.TotalCents); err != nil {
			return domain.Transaction{}, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_history (id, store_id, sku, qty_change, type, reference_id, user_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, uuid.NewString(), tx.StoreID, item.SKU, -item.Qty,
			domain.StockTypeSale, tx.ID, tx.UserID, tx.CreatedAt); err != nil {
			return domain.Transaction{}, err
		}
	}

	for i := range tx.Payments {
		if tx.Payments[i].ID == "" {
			tx.Payments[i].ID = uuid.NewString()
		}
		tx.Payments[i].TransactionID = tx.ID
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO payments (id, transaction_id, method, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, tx.Payments[i].ID, tx.ID, tx.Payments[i].Method,
			tx.Payments[i].AmountCents, nullIfEmpty(tx.Payments[i].Reference)); err != nil {
			return domain.Transaction{}, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.scanTransaction(ctx, `WHERE id = $1`, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return s.attachLines(ctx, tx)
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error) {
	tx, err := s.scanTransaction(ctx, `WHERE idempotency_key = $1`, key)
	if err != nil {
		return domain.Transaction{}, err
	}
	return s.attachLines(ctx, tx)
}

func (s *Store) scanTransaction(ctx context.Context, where string, arg any) (domain.Transaction, error) {
	var tx domain.Transaction
	var customer, idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, store_id, user_id, customer_id, idempotency_key,
		       payment_method, subtotal_cents, tax_cents, discount_cents,
		       total_cents, change_cents, status, created_at
		FROM transactions `+where, arg).Scan(
		&tx.ID, &tx.Number, &tx.StoreID, &tx.UserID, &customer, &idemKey,
		&tx.PaymentMethod, &tx.SubtotalCents, &tx.TaxCents, &tx.DiscountCents,
		&tx.TotalCents, &tx.ChangeCents, &tx.Status, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.CustomerID = customer.String
	tx.IdempotencyKey = idemKey.String
	return tx, nil
}

func (s *Store) attachLines(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty, unit_price_cents, tax_rate_percent, tax_cents, subtotal_cents, total_cents
		FROM transaction_items WHERE transaction_id = $1
	`, tx.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var item domain.TransactionItem
		if err := itemRows.Scan(&item.SKU, &item.Qty, &item.UnitPriceCents,
			&item.TaxRatePercent, &item.TaxCents, &item.SubtotalCents, &item.TotalCents); err != nil {
			return domain.Transaction{}, err
		}
		tx.Items = append(tx.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return domain.Transaction{}, err
	}

	payRows, err := s.db.QueryContext(ctx, `
		SELECT id, method, amount_cents, reference
		FROM payments WHERE transaction_id = $1
	`, tx.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var payment domain.Payment
		var ref sql.NullString
		if err := payRows.Scan(&payment.ID, &payment.Method, &payment.AmountCents, &ref); err != nil {
			return domain.Transaction{}, err
		}
		payment.TransactionID = tx.ID
		payment.Reference = ref.String
		tx.Payments = append(tx.Payments, payment)
	}
	return tx, payRows.Err()
}

func (s *Store) ReverseTransaction(ctx context.Context, id, toStatus, userID, reason string) (domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Transaction{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status, storeID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, store_id FROM transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	if status != domain.TxStatusCompleted {
		return domain.Transaction{}, &domain.InvalidStateTransitionError{TransactionID: id, From: status, To: toStatus}
	}

	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions SET status = $2 WHERE id = $1 AND status = $3
	`, id, toStatus, domain.TxStatusCompleted)
	if err != nil {
		return domain.Transaction{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Transaction{}, &domain.InvalidStateTransitionError{TransactionID: id, From: status, To: toStatus}
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, qty FROM transaction_items WHERE transaction_id = $1
	`, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	type line struct {
		sku string
		qty int
	}
	lines := make([]line, 0)
	for itemRows.Next() {
		var l line
		if err := itemRows.Scan(&l.sku, &l.qty); err != nil {
			itemRows.Close()
			return domain.Transaction{}, err
		}
		lines = append(lines, l)
	}
	if err := itemRows.Err(); err != nil {
		itemRows.Close()
		return domain.Transaction{}, err
	}
	itemRows.Close()

	now := time.Now().UTC()
	for _, l := range lines {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO inventory (store_id, sku, qty, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (store_id, sku)
			DO UPDATE SET qty = inventory.qty + EXCLUDED.qty, updated_at = EXCLUDED.updated_at
		`, storeID, l.sku, l.qty, now); err != nil {
			return domain.Transaction{}, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_history (id, store_id, sku, qty_change, type, reference_id, user_id, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, uuid.NewString(), storeID, l.sku, l.qty, domain.StockTypeReturn,
			id, nullIfEmpty(userID), nullIfEmpty(reason), now); err != nil {
			return domain.Transaction{}, err
		}
	}

	// The invoice keeps its monetary snapshot; only its status moves.
	if _, err := pgTx.ExecContext(ctx, `
		UPDATE invoices SET status = $2 WHERE transaction_id = $1
	`, id, domain.InvoiceStatusCancelled); err != nil {
		return domain.Transaction{}, err
	}

	if err := pgTx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, number, transaction_id, subtotal_cents, tax_cents,
			discount_cents, total_cents, status, payload, issued_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, inv.ID, inv.Number, inv.TransactionID, inv.SubtotalCents, inv.TaxCents,
		inv.DiscountCents, inv.TotalCents, inv.Status, inv.Payload, inv.IssuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "transaction") {
				return store.ErrAlreadyExists
			}
			return store.ErrDuplicateNumber
		}
		return err
	}
	return nil
}

func (s *Store) GetInvoiceByTransaction(ctx context.Context, transactionID string) (domain.Invoice, error) {
	return s.scanInvoice(ctx, `WHERE transaction_id = $1`, transactionID)
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (domain.Invoice, error) {
	return s.scanInvoice(ctx, `WHERE number = $1`, number)
}

func (s *Store) scanInvoice(ctx context.Context, where string, arg any) (domain.Invoice, error) {
	var inv domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, transaction_id, subtotal_cents, tax_cents,
		       discount_cents, total_cents, status, payload, issued_at
		FROM invoices `+where, arg).Scan(&inv.ID, &inv.Number, &inv.TransactionID,
		&inv.SubtotalCents, &inv.TaxCents, &inv.DiscountCents, &inv.TotalCents,
		&inv.Status, &inv.Payload, &inv.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *Store) AdjustStock(ctx context.Context, req domain.StockAdjustRequest, userID string) (domain.Inventory, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Inventory{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1)
	`, req.SKU).Scan(&exists); err != nil {
		return domain.Inventory{}, err
	}
	if !exists {
		return domain.Inventory{}, store.ErrNotFound
	}

	var current int
	err = pgTx.QueryRowContext(ctx, `
		SELECT qty FROM inventory WHERE store_id = $1 AND sku = $2 FOR UPDATE
	`, req.StoreID, req.SKU).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
	} else if err != nil {
		return domain.Inventory{}, err
	}
	if current+req.Qty < 0 {
		return domain.Inventory{}, &domain.InsufficientStockError{SKU: req.SKU, Requested: -req.Qty, Available: current}
	}

	inv, err := upsertInventory(ctx, pgTx, req.StoreID, req.SKU, req.Qty)
	if err != nil {
		return domain.Inventory{}, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_history (id, store_id, sku, qty_change, type, user_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, uuid.NewString(), req.StoreID, req.SKU, req.Qty,
		domain.StockTypeAdjustment, nullIfEmpty(userID), nullIfEmpty(req.Note)); err != nil {
		return domain.Inventory{}, err
	}

	if err := pgTx.Commit(); err != nil {
		return domain.Inventory{}, err
	}
	return inv, nil
}

func (s *Store) TransferStock(ctx context.Context, req domain.StockTransferRequest, userID string) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var available int
	err = pgTx.QueryRowContext(ctx, `
		SELECT qty FROM inventory WHERE store_id = $1 AND sku = $2 FOR UPDATE
	`, req.FromStoreID, req.SKU).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if available < req.Qty {
		return &domain.InsufficientStockError{SKU: req.SKU, Requested: req.Qty, Available: available}
	}

	if _, err := upsertInventory(ctx, pgTx, req.FromStoreID, req.SKU, -req.Qty); err != nil {
		return err
	}
	if _, err := upsertInventory(ctx, pgTx, req.ToStoreID, req.SKU, req.Qty); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, movement := range []struct {
		storeID string
		change  int
	}{
		{req.FromStoreID, -req.Qty},
		{req.ToStoreID, req.Qty},
	} {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_history (id, store_id, sku, qty_change, type, user_id, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, uuid.NewString(), movement.storeID, req.SKU, movement.change,
			domain.StockTypeTransfer, nullIfEmpty(userID), nullIfEmpty(req.Note), now); err != nil {
			return err
		}
	}
	return pgTx.Commit()
}

func (s *Store) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest, userID string) (domain.Inventory, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Inventory{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var exists bool
	if err := pgTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1)
	`, req.SKU).Scan(&exists); err != nil {
		return domain.Inventory{}, err
	}
	if !exists {
		return domain.Inventory{}, store.ErrNotFound
	}

	inv, err := upsertInventory(ctx, pgTx, req.StoreID, req.SKU, req.Qty)
	if err != nil {
		return domain.Inventory{}, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_history (id, store_id, sku, qty_change, type, reference_id, user_id, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, uuid.NewString(), req.StoreID, req.SKU, req.Qty, domain.StockTypePurchase,
		nullIfEmpty(req.Reference), nullIfEmpty(userID), nullIfEmpty(req.Note)); err != nil {
		return domain.Inventory{}, err
	}

	if err := pgTx.Commit(); err != nil {
		return domain.Inventory{}, err
	}
	return inv, nil
}

func upsertInventory(ctx context.Context, tx *sql.Tx, storeID, sku string, delta int) (domain.Inventory, error) {
	var inv domain.Inventory
	var shelf sql.NullString
	err := tx.QueryRowContext(ctx, `
		INSERT INTO inventory (store_id, sku, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (store_id, sku)
		DO UPDATE SET qty = inventory.qty + EXCLUDED.qty, updated_at = now()
		RETURNING store_id, sku, qty, shelf_location, updated_at
	`, storeID, sku, delta).Scan(&inv.StoreID, &inv.SKU, &inv.Qty, &shelf, &inv.UpdatedAt)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv.ShelfLocation = shelf.String
	return inv, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserAccount{}, store.ErrNotFound
	}
	if err != nil {
		return domain.UserAccount{}, err
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UserAccount, 0)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

func (s *Store) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
