package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/ot/command"
)

type DocumentHandler struct {
	svc collab.Service
}

func NewDocumentHandler(svc collab.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

type createDocumentReq struct {
	Title string `json:"title"`
}

type createSnapshotReq struct {
	Content   json.RawMessage `json:"content" binding:"required"`
	OTVersion *uint64         `json:"ot_version" binding:"required"`
}

type snapshotView struct {
	Content         json.RawMessage `json:"content"`
	SnapshotVersion uint64          `json:"snapshot_version"`
	OTVersion       uint64          `json:"ot_version"`
}

type documentView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	OwnerID   uint64        `json:"ownerId"`
	OTVersion uint64        `json:"ot_version"`
	Snapshot  *snapshotView `json:"snapshot"`
}

type stepsResp struct {
	Steps      []json.RawMessage `json:"steps"`
	OTVersions []uint64          `json:"ot_versions"`
	UserIDs    []string          `json:"userIDs"`
}

// writeError 把业务错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "DOCUMENT_NOT_FOUND"})
	case errors.Is(err, collab.ErrHistoryTooOld):
		c.JSON(http.StatusGone, gin.H{"error": "HISTORY_TOO_OLD"})
	case errors.Is(err, collab.ErrSnapshotStale):
		c.JSON(http.StatusConflict, gin.H{"error": "SNAPSHOT_STALE"})
	case errors.Is(err, collab.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Version mismatch"})
	case errors.Is(err, collab.ErrVersionAhead), errors.Is(err, collab.ErrInvalidSnapshot),
		errors.Is(err, command.ErrMalformedStep):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("request failed path=%s err=%v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL"})
	}
}

// POST /documents
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	ownerID := c.GetUint64("userId")
	var req createDocumentReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	doc, err := h.svc.CreateDocument(c.Request.Context(), ownerID, req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": doc.ID, "ot_version": doc.OTVersion})
}

// GET /documents/:id
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	view, err := h.svc.LoadDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := documentView{
		ID:        view.Document.ID,
		Title:     view.Document.Title,
		OwnerID:   view.Document.OwnerID,
		OTVersion: view.Document.OTVersion,
	}
	if s := view.Snapshot; s != nil {
		resp.Snapshot = &snapshotView{Content: s.ContentJSON, SnapshotVersion: s.SnapshotVersion, OTVersion: s.OTVersion}
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// GET /documents/:id/steps?since=V
func (h *DocumentHandler) GetStepsSince(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	steps, err := h.svc.StepsSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := stepsResp{
		Steps:      make([]json.RawMessage, 0, len(steps)),
		OTVersions: make([]uint64, 0, len(steps)),
		UserIDs:    make([]string, 0, len(steps)),
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, json.RawMessage(s.StepJSON))
		resp.OTVersions = append(resp.OTVersions, s.Version)
		resp.UserIDs = append(resp.UserIDs, s.AuthorID)
	}
	c.JSON(http.StatusOK, resp)
}

// POST /documents/:id/snapshots
func (h *DocumentHandler) CreateSnapshot(c *gin.Context) {
	var req createSnapshotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.svc.CreateSnapshot(c.Request.Context(), c.Param("id"), req.Content, *req.OTVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot_version": v})
}

// POST /documents/:id/save 由服务端重放出的内容生成快照
func (h *DocumentHandler) SaveDocument(c *gin.Context) {
	v, err := h.svc.SaveSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot_version": v})
}
