package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"go.uber.org/zap"
)

// KeyCodeSealer encrypts key codes at rest.
type KeyCodeSealer interface {
	Seal(code string) ([]byte, error)
	Open(sealed []byte) (string, error)
}

const keyColumns = `
	id, key_code_enc, product_id, variant_id, provider, sku, platform, region, status,
	order_id, customer_id, line_item_id, assigned_at, delivered_at, revoked_at,
	created_at, updated_at`

const uniqueViolation = "23505"

type DigitalKeyRepository struct {
	db     *pgxpool.Pool
	sealer KeyCodeSealer
	logger *zap.Logger
}

func NewDigitalKeyRepository(db *pgxpool.Pool, sealer KeyCodeSealer, logger *zap.Logger) *DigitalKeyRepository {
	return &DigitalKeyRepository{
		db:     db,
		sealer: sealer,
		logger: logger.Named("DigitalKeyRepository"),
	}
}

var _ digitalkey.Repository = (*DigitalKeyRepository)(nil)

func (r *DigitalKeyRepository) FindAvailable(ctx context.Context, productID, variantID string, exclude []uuid.UUID) (*digitalkey.DigitalKey, error) {
	query := `
		SELECT` + keyColumns + `
		FROM digital_keys
		WHERE status = 'available'
		  AND product_id = $1
		  AND ($2 = '' OR variant_id = $2)
		  AND NOT (id = ANY($3::uuid[]))
		ORDER BY created_at, id
		LIMIT 1
	`
	excluded := make([]string, len(exclude))
	for i, id := range exclude {
		excluded[i] = id.String()
	}

	k, err := r.scanKey(r.db.QueryRow(ctx, query, productID, variantID, excluded))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no available key for product %s", ierr.ErrNotFound, productID)
	}
	return k, err
}

// Claim is the conditional write that serializes available -> assigned per key.
func (r *DigitalKeyRepository) Claim(ctx context.Context, id uuid.UUID, b digitalkey.Binding) (*digitalkey.DigitalKey, error) {
	query := `
		UPDATE digital_keys SET
			status = 'assigned',
			order_id = $2,
			customer_id = $3,
			line_item_id = $4,
			assigned_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'available'
		RETURNING` + keyColumns

	k, err := r.scanKey(r.db.QueryRow(ctx, query, id,
		digitalkey.NullString(b.OrderID),
		digitalkey.NullString(b.CustomerID),
		digitalkey.NullString(b.LineItemID),
	))
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Claim lost race", zap.String("key_id", id.String()), zap.String("status", string(current.Status)))
	return nil, fmt.Errorf("%w: key %s is %s", ierr.ErrAlreadyClaimed, id, current.Status)
}

func (r *DigitalKeyRepository) MarkDelivered(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	query := `
		UPDATE digital_keys SET
			status = 'delivered',
			delivered_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'assigned'
		RETURNING` + keyColumns

	k, err := r.scanKey(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, digitalkey.CheckTransition(id, current.Status, digitalkey.StatusDelivered)
}

func (r *DigitalKeyRepository) Release(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	query := `
		UPDATE digital_keys SET
			status = 'available',
			order_id = NULL,
			customer_id = NULL,
			line_item_id = NULL,
			assigned_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'assigned'
		RETURNING` + keyColumns

	k, err := r.scanKey(r.db.QueryRow(ctx, query, id))
	if err == nil {
		r.logger.Info("Key released back to inventory", zap.String("key_id", id.String()))
		return k, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == digitalkey.StatusAvailable {
		return current, nil
	}
	return nil, digitalkey.CheckTransition(id, current.Status, digitalkey.StatusAvailable)
}

func (r *DigitalKeyRepository) Revoke(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	query := `
		UPDATE digital_keys SET
			status = 'revoked',
			revoked_at = now(),
			updated_at = now()
		WHERE id = $1 AND status <> 'revoked'
		RETURNING` + keyColumns

	k, err := r.scanKey(r.db.QueryRow(ctx, query, id))
	if err == nil {
		r.logger.Info("Key revoked", zap.String("key_id", id.String()))
		return k, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *DigitalKeyRepository) CountAvailable(ctx context.Context, productID, variantID string) (int64, error) {
	query := `
		SELECT count(*) FROM digital_keys
		WHERE status = 'available' AND product_id = $1 AND ($2 = '' OR variant_id = $2)
	`
	var n int64
	if err := r.db.QueryRow(ctx, query, productID, variantID).Scan(&n); err != nil {
		r.logger.Error("Failed to count available keys", zap.String("product_id", productID), zap.Error(err))
		return 0, fmt.Errorf("db error counting available keys: %w", err)
	}
	return n, nil
}

func (r *DigitalKeyRepository) BulkCreate(ctx context.Context, keys []*digitalkey.DigitalKey) ([]*digitalkey.DigitalKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO digital_keys (
			key_code_enc, key_hash, product_id, variant_id, provider, sku, platform, region,
			status, order_id, customer_id, line_item_id, assigned_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			CASE WHEN $9 = 'assigned' THEN now() END
		)
		ON CONFLICT (key_hash) DO NOTHING
		RETURNING` + keyColumns

	batch := &pgx.Batch{}
	for _, k := range keys {
		sealed, err := r.sealer.Seal(strings.TrimSpace(k.KeyCode))
		if err != nil {
			return nil, fmt.Errorf("seal key code: %w", err)
		}

		status := digitalkey.StatusAvailable
		orderID, customerID, lineItemID := k.OrderID, k.CustomerID, k.LineItemID
		if k.Status == digitalkey.StatusAssigned && k.OrderID.Valid {
			status = digitalkey.StatusAssigned
		} else {
			orderID, customerID, lineItemID = digitalkey.NullString(""), digitalkey.NullString(""), digitalkey.NullString("")
		}

		batch.Queue(query,
			sealed,
			util.HashKeyCode(k.KeyCode),
			k.ProductID,
			k.VariantID,
			providerOrManual(k.Provider),
			k.SKU,
			k.Platform,
			k.Region,
			string(status),
			orderID,
			customerID,
			lineItemID,
		)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk create: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	created := make([]*digitalkey.DigitalKey, 0, len(keys))
	for range keys {
		k, err := r.scanKey(results.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("bulk create keys: %w", err)
		}
		created = append(created, k)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("bulk create keys: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk create: %w", err)
	}

	r.logger.Info("Keys imported", zap.Int("requested", len(keys)), zap.Int("created", len(created)))
	return created, nil
}

func (r *DigitalKeyRepository) CreateAssigned(ctx context.Context, key *digitalkey.DigitalKey, b digitalkey.Binding) (*digitalkey.DigitalKey, error) {
	query := `
		INSERT INTO digital_keys (
			key_code_enc, key_hash, product_id, variant_id, provider, sku, platform, region,
			status, order_id, customer_id, line_item_id, assigned_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, 'assigned', $9, $10, $11, now()
		)
		RETURNING` + keyColumns

	sealed, err := r.sealer.Seal(strings.TrimSpace(key.KeyCode))
	if err != nil {
		return nil, fmt.Errorf("seal key code: %w", err)
	}

	k, err := r.scanKey(r.db.QueryRow(ctx, query,
		sealed,
		util.HashKeyCode(key.KeyCode),
		key.ProductID,
		key.VariantID,
		providerOrManual(key.Provider),
		key.SKU,
		key.Platform,
		key.Region,
		digitalkey.NullString(b.OrderID),
		digitalkey.NullString(b.CustomerID),
		digitalkey.NullString(b.LineItemID),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.Warn("Provider returned a key code that already exists",
				zap.String("provider", string(key.Provider)),
				zap.String("key_code", util.MaskKeyCode(key.KeyCode)),
			)
			return nil, fmt.Errorf("%w: %s", ierr.ErrDuplicateKeyCode, util.MaskKeyCode(key.KeyCode))
		}
		return nil, err
	}

	r.logger.Info("Provider key stored as assigned",
		zap.String("key_id", k.ID.String()),
		zap.String("order_id", b.OrderID),
		zap.String("provider", string(k.Provider)),
	)
	return k, nil
}

func (r *DigitalKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*digitalkey.DigitalKey, error) {
	query := `SELECT` + keyColumns + ` FROM digital_keys WHERE id = $1`

	k, err := r.scanKey(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %s", ierr.ErrNotFound, id)
	}
	return k, err
}

func (r *DigitalKeyRepository) FindByOrder(ctx context.Context, orderID string) ([]*digitalkey.DigitalKey, error) {
	query := `SELECT` + keyColumns + ` FROM digital_keys WHERE order_id = $1 ORDER BY assigned_at, id`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		r.logger.Error("Failed to query keys by order", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("db error listing keys for order: %w", err)
	}
	return r.collect(rows)
}

func (r *DigitalKeyRepository) List(ctx context.Context, params digitalkey.ListParams) ([]*digitalkey.DigitalKey, int64, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if params.ProductID != nil {
		add("product_id = $%d", *params.ProductID)
	}
	if params.Status != nil {
		add("status = $%d", string(*params.Status))
	}
	if params.Provider != nil {
		add("provider = $%d", string(*params.Provider))
	}
	if params.OrderID != nil {
		add("order_id = $%d", *params.OrderID)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM digital_keys"+where, args...).Scan(&total); err != nil {
		r.logger.Error("Failed to count keys", zap.Error(err))
		return nil, 0, fmt.Errorf("db error counting keys: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(params.Offset, 0))
	query := fmt.Sprintf(`SELECT%s FROM digital_keys%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		keyColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query list of keys", zap.Error(err))
		return nil, 0, fmt.Errorf("db error listing keys: %w", err)
	}
	keys, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

func (r *DigitalKeyRepository) CountByStatus(ctx context.Context) (map[digitalkey.Status]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM digital_keys GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("db error counting keys by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[digitalkey.Status]int64)
	for rows.Next() {
		var (
			status digitalkey.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("db scan error counting keys: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *DigitalKeyRepository) collect(rows pgx.Rows) ([]*digitalkey.DigitalKey, error) {
	defer rows.Close()

	keys := make([]*digitalkey.DigitalKey, 0)
	for rows.Next() {
		k, err := r.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating key rows", zap.Error(err))
		return nil, fmt.Errorf("db iteration error on keys: %w", err)
	}
	return keys, nil
}

func (r *DigitalKeyRepository) scanKey(row pgx.Row) (*digitalkey.DigitalKey, error) {
	var (
		k      digitalkey.DigitalKey
		sealed []byte
	)
	err := row.Scan(
		&k.ID,
		&sealed,
		&k.ProductID,
		&k.VariantID,
		&k.Provider,
		&k.SKU,
		&k.Platform,
		&k.Region,
		&k.Status,
		&k.OrderID,
		&k.CustomerID,
		&k.LineItemID,
		&k.AssignedAt,
		&k.DeliveredAt,
		&k.RevokedAt,
		&k.CreatedAt,
		&k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		r.logger.Error("Failed to scan key row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}

	code, err := r.sealer.Open(sealed)
	if err != nil {
		r.logger.Error("Failed to open sealed key code", zap.String("key_id", k.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("open key %s: %w", k.ID, err)
	}
	k.KeyCode = code
	return &k, nil
}

func providerOrManual(p digitalkey.Provider) string {
	if p == "" {
		return string(digitalkey.ProviderManual)
	}
	return string(p)
}
