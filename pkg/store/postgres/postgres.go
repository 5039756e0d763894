// Package postgres persists committed node transactions to PostgreSQL
// through GORM. The in-memory arena stays the authoritative hot path; this
// adapter receives each transaction's write batch and applies it atomically
// in one database transaction, with the optimistic version check compiled
// into a guarded UPDATE so a divergent durable row surfaces as a conflict
// instead of being silently overwritten.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/store"
)

// nodeRow is the relational shape of a scene node. Geometry and style are
// stored as JSONB documents since their fields vary per node type.
type nodeRow struct {
	ID       string  `gorm:"type:uuid;primary_key"`
	PageID   string  `gorm:"type:uuid;not null;index"`
	ParentID *string `gorm:"type:uuid;index"`
	Type     string  `gorm:"not null"`
	OrderKey float64 `gorm:"not null"`

	X        float64
	Y        float64
	Rotation float64
	Opacity  float64

	Geometry []byte `gorm:"type:jsonb"`
	Style    []byte `gorm:"type:jsonb"`

	Visible bool
	Locked  bool

	Version int64 `gorm:"not null"`

	CreatedBy string `gorm:"type:uuid"`
	CreatedAt time.Time
	UpdatedBy string `gorm:"type:uuid"`
	UpdatedAt time.Time
}

func (nodeRow) TableName() string { return "scene_nodes" }

// Store implements [store.Persister] on PostgreSQL.
type Store struct {
	db *gorm.DB
}

// New opens a connection and returns the adapter.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates or extends the node table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&nodeRow{})
}

// Apply writes one committed transaction. All writes succeed or none do.
func (s *Store) Apply(ctx context.Context, writes []store.Write) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			switch w.Kind {
			case models.ChangeRemoved:
				if err := tx.Delete(&nodeRow{}, "id = ?", w.Node.ID.String()).Error; err != nil {
					return err
				}
			case models.ChangeCreated:
				row, err := toRow(w.Node)
				if err != nil {
					return err
				}
				if err := tx.Create(row).Error; err != nil {
					return err
				}
			case models.ChangeUpdated:
				row, err := toRow(w.Node)
				if err != nil {
					return err
				}
				// Guarded update: only a row strictly behind the committed
				// version may be overwritten.
				res := tx.Model(&nodeRow{}).
					Where("id = ? AND version < ?", row.ID, row.Version).
					Select("*").Omit("created_at", "created_by").
					Updates(row)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					var count int64
					if err := tx.Model(&nodeRow{}).Where("id = ?", row.ID).Count(&count).Error; err != nil {
						return err
					}
					if count == 0 {
						// First durable sighting of a node loaded before the
						// adapter was attached.
						if err := tx.Create(row).Error; err != nil {
							return err
						}
						continue
					}
					return fmt.Errorf("%w: durable row %s ahead of v%d",
						constants.ErrVersionConflict, row.ID, row.Version)
				}
			}
		}
		return nil
	})
}

// LoadPage reads every persisted node of one page.
func (s *Store) LoadPage(ctx context.Context, pageID models.PageID) ([]*models.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).Where("page_id = ?", pageID.String()).Find(&rows).Error; err != nil {
		return nil, err
	}

	nodes := make([]*models.Node, 0, len(rows))
	for i := range rows {
		n, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func toRow(n *models.Node) (*nodeRow, error) {
	geom, err := json.Marshal(n.Geometry)
	if err != nil {
		return nil, fmt.Errorf("marshal geometry of %s: %w", n.ID, err)
	}
	style, err := json.Marshal(n.Style)
	if err != nil {
		return nil, fmt.Errorf("marshal style of %s: %w", n.ID, err)
	}

	row := &nodeRow{
		ID:        n.ID.String(),
		PageID:    n.PageID.String(),
		Type:      string(n.Type),
		OrderKey:  n.OrderKey,
		X:         n.X,
		Y:         n.Y,
		Rotation:  n.Rotation,
		Opacity:   n.Opacity,
		Geometry:  geom,
		Style:     style,
		Visible:   n.Visible,
		Locked:    n.Locked,
		Version:   n.Version,
		CreatedBy: n.CreatedBy.String(),
		CreatedAt: n.CreatedAt,
		UpdatedBy: n.UpdatedBy.String(),
		UpdatedAt: n.UpdatedAt,
	}
	if n.ParentID != nil {
		pid := n.ParentID.String()
		row.ParentID = &pid
	}
	return row, nil
}

func fromRow(r *nodeRow) (*models.Node, error) {
	id, err := models.ParseNodeID(r.ID)
	if err != nil {
		return nil, err
	}
	pageID, err := models.ParsePageID(r.PageID)
	if err != nil {
		return nil, err
	}

	n := &models.Node{
		ID:        id,
		PageID:    pageID,
		Type:      models.NodeType(r.Type),
		OrderKey:  r.OrderKey,
		X:         r.X,
		Y:         r.Y,
		Rotation:  r.Rotation,
		Opacity:   r.Opacity,
		Visible:   r.Visible,
		Locked:    r.Locked,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ParentID != nil {
		pid, err := models.ParseNodeID(*r.ParentID)
		if err != nil {
			return nil, err
		}
		n.ParentID = &pid
	}
	if r.CreatedBy != "" {
		if n.CreatedBy, err = models.ParseActorID(r.CreatedBy); err != nil {
			return nil, err
		}
	}
	if r.UpdatedBy != "" {
		if n.UpdatedBy, err = models.ParseActorID(r.UpdatedBy); err != nil {
			return nil, err
		}
	}
	if len(r.Geometry) > 0 {
		if err := json.Unmarshal(r.Geometry, &n.Geometry); err != nil {
			return nil, fmt.Errorf("unmarshal geometry of %s: %w", n.ID, err)
		}
	}
	if len(r.Style) > 0 {
		if err := json.Unmarshal(r.Style, &n.Style); err != nil {
			return nil, fmt.Errorf("unmarshal style of %s: %w", n.ID, err)
		}
	}
	return n, nil
}
