package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/shapefabric/internal/shape"
)

// Record is one stored shape with its ID.
type Record struct {
	ID    shape.ID
	Shape shape.Shape
}

// LoadShape returns the durable state for id.
// The bool is false when the shape has never been persisted.
func (s *Store) LoadShape(ctx context.Context, id shape.ID) (shape.Shape, bool, error) {
	var sh shape.Shape
	err := s.db.QueryRowContext(ctx, `
		SELECT x, y, diff_x, diff_y, angle
		FROM shapes
		WHERE id = ?
	`, id.String()).Scan(&sh.X, &sh.Y, &sh.DiffX, &sh.DiffY, &sh.Angle)
	if errors.Is(err, sql.ErrNoRows) {
		return shape.Shape{}, false, nil
	}
	if err != nil {
		return shape.Shape{}, false, fmt.Errorf("load shape %s: %w", id, err)
	}
	return sh, true, nil
}

// InsertShape persists sh only if id has no state yet.
// Returns inserted=false when a row already existed; the existing row is
// left untouched.
func (s *Store) InsertShape(ctx context.Context, id shape.ID, sh shape.Shape) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO shapes (id, x, y, diff_x, diff_y, angle)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.String(), sh.X, sh.Y, sh.DiffX, sh.DiffY, sh.Angle)
	if err != nil {
		return false, fmt.Errorf("insert shape %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert shape %s: rows affected: %w", id, err)
	}
	return rows > 0, nil
}

// SaveShape writes sh as the current state of id.
func (s *Store) SaveShape(ctx context.Context, id shape.ID, sh shape.Shape) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shapes (id, x, y, diff_x, diff_y, angle)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			x = excluded.x,
			y = excluded.y,
			diff_x = excluded.diff_x,
			diff_y = excluded.diff_y,
			angle = excluded.angle
	`, id.String(), sh.X, sh.Y, sh.DiffX, sh.DiffY, sh.Angle)
	if err != nil {
		return fmt.Errorf("save shape %s: %w", id, err)
	}
	return nil
}

// ListShapes returns every stored shape ordered by ID.
// Returns an empty slice (not nil) when nothing is stored.
func (s *Store) ListShapes(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, x, y, diff_x, diff_y, angle
		FROM shapes
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rawID string
			rec   Record
		)
		if err := rows.Scan(&rawID, &rec.Shape.X, &rec.Shape.Y, &rec.Shape.DiffX, &rec.Shape.DiffY, &rec.Shape.Angle); err != nil {
			return nil, fmt.Errorf("scan shape: %w", err)
		}
		id, err := shape.ParseID(rawID)
		if err != nil {
			return nil, err
		}
		rec.ID = id
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shapes: %w", err)
	}
	return records, nil
}
