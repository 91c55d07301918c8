package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nestview/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DetailsValidator checks payout method details against the JSON schema for
// their type before they are decoded into a variant.
type DetailsValidator struct {
	schemas map[models.PayoutMethodType]*jsonschema.Schema
}

// NewDetailsValidator compiles the embedded schema for every payout method type.
func NewDetailsValidator() (*DetailsValidator, error) {
	v := &DetailsValidator{schemas: make(map[models.PayoutMethodType]*jsonschema.Schema)}
	for _, t := range []models.PayoutMethodType{models.PayoutBankTransfer, models.PayoutMobileMoney} {
		data, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", t, err)
		}
		schema, err := jsonschema.CompileString("https://nestview.dev/schemas/payout/"+string(t)+".json", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", t, err)
		}
		v.schemas[t] = schema
	}
	return v, nil
}

// Decode validates raw against the schema for t and returns the typed details.
func (v *DetailsValidator) Decode(t models.PayoutMethodType, raw json.RawMessage) (models.PayoutDetails, error) {
	schema, ok := v.schemas[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", models.ErrInvalidPayoutMethod, t)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: details are not valid JSON", models.ErrInvalidPayoutMethod)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayoutMethod, err)
	}
	return models.DecodePayoutDetails(t, raw)
}

const methodColumns = `id, user_id, type, details, is_default, status, created_at`

func (r *Repository) InsertPayoutMethod(ctx context.Context, m *models.PayoutMethod) error {
	details, err := json.Marshal(m.Details)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if m.IsDefault {
		if _, err := tx.Exec(ctx, `UPDATE payout_methods SET is_default = false WHERE user_id = $1`, m.UserID); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payout_methods (id, user_id, type, details, is_default, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.UserID, m.Type, details, m.IsDefault, m.Status, m.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetPayoutMethod(ctx context.Context, id uuid.UUID) (*models.PayoutMethod, error) {
	m, err := scanPayoutMethod(r.pool.QueryRow(ctx, `SELECT `+methodColumns+` FROM payout_methods WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return m, err
}

func (r *Repository) ListPayoutMethods(ctx context.Context, userID uuid.UUID) ([]*models.PayoutMethod, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+methodColumns+` FROM payout_methods
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PayoutMethod
	for rows.Next() {
		m, err := scanPayoutMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPayoutMethod(row pgx.Row) (*models.PayoutMethod, error) {
	var m models.PayoutMethod
	var raw []byte
	if err := row.Scan(&m.ID, &m.UserID, &m.Type, &raw, &m.IsDefault, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	details, err := models.DecodePayoutDetails(m.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("payout method %s: %w", m.ID, err)
	}
	m.Details = details
	return &m, nil
}
