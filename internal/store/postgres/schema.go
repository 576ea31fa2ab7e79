package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaVersion is the schema revision this build reads and writes.
const SchemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS employees (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'cashier')),
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		price NUMERIC(12,2) NOT NULL CHECK (price > 0),
		cost NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (cost >= 0),
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS inventory (
		product_id TEXT PRIMARY KEY REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS paymenttypes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS paymenttypes_name_idx ON paymenttypes (lower(name))`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		employee_id TEXT NOT NULL,
		payment_type_id TEXT NOT NULL REFERENCES paymenttypes(id),
		amount NUMERIC(14,2) NOT NULL,
		tax NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Confirmed', 'Voided'))
	)`,
	`CREATE INDEX IF NOT EXISTS sales_created_at_idx ON sales (created_at)`,
	`CREATE TABLE IF NOT EXISTS sales_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
		tax_amount NUMERIC(12,2) NOT NULL CHECK (tax_amount >= 0),
		UNIQUE (sale_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		refund_type TEXT NOT NULL CHECK (refund_type IN ('full', 'partial')),
		total_refund_amount NUMERIC(14,2) NOT NULL,
		processed_by TEXT NOT NULL,
		approved_by TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS refunds_sale_id_idx ON refunds (sale_id)`,
	`CREATE TABLE IF NOT EXISTS refund_items (
		id TEXT PRIMARY KEY,
		refund_id TEXT NOT NULL REFERENCES refunds(id),
		sale_item_id TEXT NOT NULL REFERENCES sales_items(id),
		quantity_refunded INTEGER NOT NULL CHECK (quantity_refunded > 0),
		price_per_unit NUMERIC(12,2) NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS refund_items_sale_item_idx ON refund_items (sale_item_id)`,
	`CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		total NUMERIC(14,2) NOT NULL,
		employee_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS expense_items (
		id TEXT PRIMARY KEY,
		expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
		description TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_cost NUMERIC(12,2) NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`INSERT INTO paymenttypes (id, name) VALUES
		('pay-cash', 'Cash'), ('pay-card', 'Card'), ('pay-ewallet', 'E-Wallet')
		ON CONFLICT DO NOTHING`,
	`CREATE OR REPLACE VIEW confirmed_sales AS
		SELECT id, created_at, employee_id, payment_type_id, amount, tax, status
		FROM sales
		WHERE status = 'Confirmed'`,
	`CREATE OR REPLACE VIEW view_top_products_sold AS
		SELECT p.id AS product_id, p.name AS product_name, p.category,
			SUM(si.quantity - COALESCE(r.refunded, 0))::BIGINT AS quantity_sold,
			SUM((si.quantity - COALESCE(r.refunded, 0)) * si.unit_price) AS revenue
		FROM sales_items si
		JOIN confirmed_sales cs ON cs.id = si.sale_id
		JOIN products p ON p.id = si.product_id
		LEFT JOIN (
			SELECT sale_item_id, SUM(quantity_refunded) AS refunded
			FROM refund_items
			GROUP BY sale_item_id
		) r ON r.sale_item_id = si.id
		WHERE si.quantity > COALESCE(r.refunded, 0)
		GROUP BY p.id, p.name, p.category`,
	`CREATE OR REPLACE VIEW view_top_selling_categories AS
		SELECT category, SUM(quantity_sold)::BIGINT AS quantity_sold, SUM(revenue) AS revenue
		FROM view_top_products_sold
		GROUP BY category`,
}

// Migrate creates the schema on an empty database and stamps it. On a
// database that already carries a stamp it only verifies the version.
func (s *Store) Migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err == nil {
		return checkVersion(version)
	}
	if !errors.Is(err, errNoSchema) {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("apply schema", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, SchemaVersion); err != nil {
		return storageErr("stamp schema", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit migration", err)
	}
	return nil
}

// VerifySchema fails unless the database is stamped with SchemaVersion.
func (s *Store) VerifySchema(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	return checkVersion(version)
}

var errNoSchema = errors.New("schema_version table is missing or empty")

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass('public.schema_version') IS NOT NULL`).Scan(&exists); err != nil {
		return 0, storageErr("probe schema_version", err)
	}
	if !exists {
		return 0, errNoSchema
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errNoSchema
		}
		return 0, storageErr("read schema_version", err)
	}
	return version, nil
}

func checkVersion(version int) error {
	if version != SchemaVersion {
		return fmt.Errorf("schema version %d does not match expected %d", version, SchemaVersion)
	}
	return nil
}
