package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/slatecanvas/slate/pkg/channel"
	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/models"
	"github.com/slatecanvas/slate/pkg/store"
)

// actorHeader carries the caller identity supplied by the identity layer.
// The core attributes writes to it without authenticating.
const actorHeader = "X-Actor-ID"

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the error taxonomy onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, constants.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, constants.ErrVersionConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, constants.ErrCycleRejected):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, constants.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func actorFrom(r *http.Request) (models.ActorID, error) {
	return models.ParseActorID(r.Header.Get(actorHeader))
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync serves the document channel of a scene. The scene's canvas is
// one page; the path ID is that page.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	pageID, err := models.ParsePageID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid scene ID")
		return
	}
	if err := a.store.LoadPage(r.Context(), pageID); err != nil {
		a.log.Error("hydrate page", "page_id", pageID, "error", err)
		respondError(w, http.StatusInternalServerError, "page unavailable")
		return
	}
	a.hub.ServeSync(w, r, pageID)
}

// handlePresence serves the presence channel. Identity comes from query
// parameters; a production deployment would derive it from the session.
func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	sceneID, err := models.ParseSceneID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid scene ID")
		return
	}
	userID, err := models.ParseActorID(r.URL.Query().Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	a.hub.ServePresence(w, r, sceneID, channel.Identity{
		UserID:      userID,
		DisplayName: r.URL.Query().Get("name"),
		Color:       r.URL.Query().Get("color"),
	})
}

func (a *App) handleListNodes(w http.ResponseWriter, r *http.Request) {
	pageID, err := models.ParsePageID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid page ID")
		return
	}
	if err := a.store.LoadPage(r.Context(), pageID); err != nil {
		a.log.Error("hydrate page", "page_id", pageID, "error", err)
		respondError(w, http.StatusInternalServerError, "page unavailable")
		return
	}
	respondJSON(w, http.StatusOK, a.store.Page(pageID))
}

type createNodeRequest struct {
	PageID   models.PageID           `json:"page_id"`
	ParentID *models.NodeID          `json:"parent_id,omitempty"`
	Type     models.NodeType         `json:"type"`
	Geometry models.GeometryEnvelope `json:"geometry"`
	X        float64                 `json:"x"`
	Y        float64                 `json:"y"`
	Rotation float64                 `json:"rotation"`
	Opacity  float64                 `json:"opacity"`
	Style    models.Style            `json:"style"`
}

func (a *App) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	nodeID, err := a.store.Create(r.Context(), store.CreateRequest{
		PageID:   req.PageID,
		ParentID: req.ParentID,
		Type:     req.Type,
		Geometry: req.Geometry.Geometry,
		X:        req.X,
		Y:        req.Y,
		Rotation: req.Rotation,
		Opacity:  req.Opacity,
		Style:    req.Style,
	}, actor)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	node, err := a.store.Get(nodeID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, node)
}

func (a *App) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	node, err := a.store.Get(nodeID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

type updateNodeRequest struct {
	X           *float64                 `json:"x,omitempty"`
	Y           *float64                 `json:"y,omitempty"`
	Rotation    *float64                 `json:"rotation,omitempty"`
	Opacity     *float64                 `json:"opacity,omitempty"`
	Style       *models.Style            `json:"style,omitempty"`
	Geometry    *models.GeometryEnvelope `json:"geometry,omitempty"`
	Visible     *bool                    `json:"visible,omitempty"`
	Locked      *bool                    `json:"locked,omitempty"`
	BaseVersion int64                    `json:"base_version,omitempty"`
}

func (a *App) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	var req updateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	patch := store.Patch{
		X:           req.X,
		Y:           req.Y,
		Rotation:    req.Rotation,
		Opacity:     req.Opacity,
		Style:       req.Style,
		Visible:     req.Visible,
		Locked:      req.Locked,
		BaseVersion: req.BaseVersion,
	}
	if req.Geometry != nil {
		patch.Geometry = req.Geometry.Geometry
	}

	if err := a.store.Update(r.Context(), nodeID, patch, actor); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (a *App) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	if err := a.store.Delete(r.Context(), nodeID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type reorderNodeRequest struct {
	PrevID *models.NodeID `json:"prev_id,omitempty"`
	NextID *models.NodeID `json:"next_id,omitempty"`
}

func (a *App) handleReorderNode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	var req reorderNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := a.store.ReorderSibling(r.Context(), nodeID, req.PrevID, req.NextID, actor); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type reparentNodeRequest struct {
	NewParentID *models.NodeID `json:"new_parent_id,omitempty"`
	PrevID      *models.NodeID `json:"prev_id,omitempty"`
	NextID      *models.NodeID `json:"next_id,omitempty"`
}

func (a *App) handleReparentNode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	nodeID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	var req reparentNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := a.store.Reparent(r.Context(), nodeID, req.NewParentID, req.PrevID, req.NextID, actor); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type groupNodesRequest struct {
	NodeIDs  []models.NodeID `json:"node_ids"`
	PageID   models.PageID   `json:"page_id"`
	ParentID *models.NodeID  `json:"parent_id,omitempty"`
}

func (a *App) handleGroupNodes(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	var req groupNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if len(req.NodeIDs) == 0 {
		respondError(w, http.StatusBadRequest, "node_ids is empty")
		return
	}
	groupID, err := a.store.Group(r.Context(), req.NodeIDs, req.PageID, req.ParentID, actor)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]models.NodeID{"group_id": groupID})
}

func (a *App) handleUngroupNode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing or invalid "+actorHeader)
		return
	}
	groupID, err := models.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid node ID")
		return
	}
	if err := a.store.Ungroup(r.Context(), groupID, actor); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
