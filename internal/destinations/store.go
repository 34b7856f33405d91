// Package destinations stores the payout destinations users register and
// resolves them into the snapshot an allocation carries.
package destinations

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/escrow"
)

type Destination struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Value       string    `json:"-"`
	MaskedValue string    `json:"masked_value"`
	BankName    string    `json:"bank_name,omitempty"`
	OwnerName   string    `json:"owner_name,omitempty"`
	Title       string    `json:"title"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Input struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	BankName  string `json:"bank_name"`
	OwnerName string `json:"owner_name"`
	Title     string `json:"title"`
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const columns = "id, user_id, type, value, bank_name, owner_name, title, enabled, created_at, updated_at"

func scan(row pgx.Row) (Destination, error) {
	var d Destination
	err := row.Scan(&d.ID, &d.UserID, &d.Type, &d.Value, &d.BankName, &d.OwnerName, &d.Title, &d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Destination{}, err
	}
	if t, ok := lookup(d.Type); ok {
		d.MaskedValue = Mask(t.Kind, d.Value)
	} else {
		d.MaskedValue = Mask(KindWallet, d.Value)
	}
	return d, nil
}

func (s *Store) Create(ctx context.Context, tx pgx.Tx, userID string, in Input) (Destination, error) {
	if userID == "" {
		return Destination{}, apperr.InvalidInput("user is required")
	}
	t, ok := lookup(in.Type)
	if !ok {
		return Destination{}, apperr.InvalidInput("unknown destination type %q", in.Type)
	}
	value, ok := normalize(t.Kind, in.Value)
	if !ok {
		return Destination{}, apperr.InvalidInput("invalid %s value", t.Title)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = t.Title
	}
	return scan(tx.QueryRow(ctx, `
		INSERT INTO payment_destinations (user_id, type, value, bank_name, owner_name, title)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+columns,
		userID, t.ID, value, strings.TrimSpace(in.BankName), strings.TrimSpace(in.OwnerName), title))
}

func (s *Store) List(ctx context.Context, tx pgx.Tx, userID string) ([]Destination, error) {
	rows, err := tx.Query(ctx, "SELECT "+columns+" FROM payment_destinations WHERE user_id = $1 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Destination
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, tx pgx.Tx, userID, id string) (Destination, error) {
	d, err := scan(tx.QueryRow(ctx, "SELECT "+columns+" FROM payment_destinations WHERE id = $1 AND user_id = $2", id, userID))
	return d, db.NotFound(err, "destination %s not found", id)
}

func (s *Store) SetEnabled(ctx context.Context, tx pgx.Tx, userID, id string, enabled bool) error {
	tag, err := tx.Exec(ctx, "UPDATE payment_destinations SET enabled = $3, updated_at = now() WHERE id = $1 AND user_id = $2", id, userID, enabled)
	if err != nil {
		return db.NotFound(err, "destination %s not found", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("destination %s not found", id)
	}
	return nil
}

// Resolve returns the allocation snapshot of an enabled destination owned
// by ownerID.
func (s *Store) Resolve(ctx context.Context, tx pgx.Tx, ownerID, destinationID string) (escrow.Destination, error) {
	d, err := s.Get(ctx, tx, ownerID, destinationID)
	if err != nil {
		return escrow.Destination{}, err
	}
	if !d.Enabled {
		return escrow.Destination{}, apperr.InvalidState("destination %s is disabled", destinationID)
	}
	return escrow.Destination{
		ID:          d.ID,
		Type:        d.Type,
		Value:       d.Value,
		MaskedValue: d.MaskedValue,
		BankName:    d.BankName,
		OwnerName:   d.OwnerName,
		Title:       d.Title,
	}, nil
}
