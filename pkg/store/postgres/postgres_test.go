package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatecanvas/slate/pkg/models"
)

func TestRowCodecRoundTrip(t *testing.T) {
	parentID := models.NewNodeID()
	node := &models.Node{
		ID:       models.NewNodeID(),
		PageID:   models.NewPageID(),
		ParentID: &parentID,
		Type:     models.NodeTypeRectangle,
		OrderKey: 1500,
		X:        10.5,
		Y:        -3.25,
		Rotation: 0.7853981633974483,
		Opacity:  0.8,
		Geometry: models.GeometryEnvelope{
			Geometry: models.RectangleGeometry{Width: 120, Height: 80},
		},
		Style:     models.Style{Fill: "#ff8800", Stroke: "#222222", StrokeWidth: 2},
		Visible:   true,
		Version:   4,
		CreatedBy: models.NewActorID(),
		CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedBy: models.NewActorID(),
		UpdatedAt: time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC),
	}

	row, err := toRow(node)
	require.NoError(t, err)
	assert.Equal(t, node.ID.String(), row.ID)
	require.NotNil(t, row.ParentID)
	assert.Equal(t, parentID.String(), *row.ParentID)
	assert.JSONEq(t, `{"kind":"rectangle","data":{"width":120,"height":80}}`, string(row.Geometry))

	back, err := fromRow(row)
	require.NoError(t, err)
	assert.Equal(t, node, back)
}

func TestRowCodecRootNodeAndEmptyGeometry(t *testing.T) {
	node := &models.Node{
		ID:       models.NewNodeID(),
		PageID:   models.NewPageID(),
		Type:     models.NodeTypeGroup,
		OrderKey: 1000,
		Opacity:  1,
		Geometry: models.GeometryEnvelope{Geometry: models.GroupGeometry{}},
		Visible:  true,
		Version:  1,
	}

	row, err := toRow(node)
	require.NoError(t, err)
	assert.Nil(t, row.ParentID)

	back, err := fromRow(row)
	require.NoError(t, err)
	assert.Nil(t, back.ParentID)
	assert.Equal(t, models.GroupGeometry{}, back.Geometry.Geometry)
}
