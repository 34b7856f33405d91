// Package attachments keeps the metadata of files users upload as payment
// proof and checks ownership when a proof references them.
package attachments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
)

type File struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}

var allowedMime = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Record(ctx context.Context, tx pgx.Tx, ownerID, name, mimeType string) (File, error) {
	if ownerID == "" {
		return File{}, apperr.InvalidInput("owner is required")
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !allowedMime[mimeType] {
		return File{}, apperr.InvalidInput("unsupported file type %q", mimeType)
	}
	f := File{OwnerID: ownerID, Name: strings.TrimSpace(name), MimeType: mimeType}
	err := tx.QueryRow(ctx, `
		INSERT INTO uploaded_files (owner_id, name, mime_type)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, f.OwnerID, f.Name, f.MimeType).Scan(&f.ID, &f.CreatedAt)
	return f, err
}

// VerifyFiles fails unless every id names a file uploaded by ownerID.
func (s *Store) VerifyFiles(ctx context.Context, tx pgx.Tx, ownerID string, fileIDs []string) error {
	want := make(map[string]struct{}, len(fileIDs))
	for _, id := range fileIDs {
		if _, err := uuid.Parse(id); err != nil {
			return apperr.InvalidInput("invalid file id %q", id)
		}
		want[id] = struct{}{}
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	var owned int
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM uploaded_files WHERE id = ANY($1::uuid[]) AND owner_id = $2", ids, ownerID).Scan(&owned); err != nil {
		return err
	}
	if owned != len(ids) {
		return apperr.Forbidden("proof references files not uploaded by %s", ownerID)
	}
	return nil
}
