package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"intelgraph/internal/accumulator"
	"intelgraph/internal/entity"
	"intelgraph/internal/pipeline"
	"intelgraph/internal/resolver"
	"intelgraph/internal/store"
	pkgerrors "intelgraph/pkg/errors"
)

func (s *Server) getEntity(c *gin.Context) {
	ctx := c.Request.Context()
	resolved, err := s.store.ResolveID(ctx, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "entity not found")
		return
	}
	e, err := s.store.GetEntity(ctx, resolved)
	if err != nil {
		fail(c, http.StatusNotFound, "entity not found")
		return
	}
	ok(c, http.StatusOK, e)
}

func (s *Server) listEntities(c *gin.Context) {
	variant := entity.Variant(c.Query("variant"))
	if variant != "" && !variant.IsValid() {
		fail(c, http.StatusBadRequest, "unknown variant")
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entities, err := s.store.ListEntities(c.Request.Context(), variant, offset, limit)
	if err != nil {
		s.logger.Error("failed to list entities", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list entities")
		return
	}
	ok(c, http.StatusOK, entities)
}

func (s *Server) getEntityByName(c *gin.Context) {
	variant := entity.Variant(c.Query("variant"))
	name := c.Query("name")
	if !variant.IsValid() || name == "" {
		fail(c, http.StatusBadRequest, "variant and name are required")
		return
	}
	e, err := s.store.GetEntityByName(c.Request.Context(), variant, name)
	if err != nil {
		fail(c, http.StatusNotFound, "entity not found")
		return
	}
	ok(c, http.StatusOK, e)
}

func (s *Server) listRelationships(c *gin.Context) {
	ctx := c.Request.Context()
	resolved, err := s.store.ResolveID(ctx, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "entity not found")
		return
	}
	edges, err := s.store.ListEdgesFor(ctx, resolved)
	if err != nil {
		s.logger.Error("failed to list relationships", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list relationships")
		return
	}
	ok(c, http.StatusOK, edges)
}

func (s *Server) promoteEntity(c *gin.Context) {
	e, err := s.accumulator.Promote(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == store.ErrEntityNotFound || pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeGraph) {
			fail(c, http.StatusNotFound, "entity not found")
			return
		}
		s.logger.Error("failed to promote entity", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to promote entity")
		return
	}
	ok(c, http.StatusOK, e)
}

func (s *Server) correctEntity(c *gin.Context) {
	var fix accumulator.Correction
	if err := c.ShouldBindJSON(&fix); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.accumulator.Correct(c.Request.Context(), c.Param("id"), fix)
	if err != nil {
		if err == store.ErrEntityNotFound || pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeGraph) {
			fail(c, http.StatusNotFound, "entity not found")
			return
		}
		s.logger.Error("failed to correct entity", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to correct entity")
		return
	}
	ok(c, http.StatusOK, e)
}

type submitEventRequest struct {
	SourceID    string                `json:"source_id" binding:"required"`
	ContentHash string                `json:"content_hash"`
	Tier        string                `json:"tier" binding:"required"`
	Document    string                `json:"document"`
	Candidates  []entity.Candidate    `json:"candidates"`
	Relations   []entity.RelationHint `json:"relations"`
	UserAction  bool                  `json:"user_action"`
	ObservedAt  time.Time             `json:"observed_at"`
}

func (s *Server) submitEvent(c *gin.Context) {
	var req submitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	tier, err := pipeline.ParseTier(req.Tier)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Document == "" && len(req.Candidates) == 0 {
		fail(c, http.StatusBadRequest, "either document or candidates is required")
		return
	}

	rec, err := s.pipeline.Submit(c.Request.Context(), pipeline.Submission{
		SourceID:    req.SourceID,
		ContentHash: req.ContentHash,
		Tier:        tier,
		Document:    req.Document,
		Candidates:  req.Candidates,
		Relations:   req.Relations,
		UserAction:  req.UserAction,
		ObservedAt:  req.ObservedAt,
	})
	if err != nil {
		if pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeQueue) {
			fail(c, http.StatusTooManyRequests, err.Error())
			return
		}
		s.logger.Error("failed to submit event", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to submit event")
		return
	}
	ok(c, http.StatusAccepted, rec)
}

func (s *Server) getEvent(c *gin.Context) {
	rec, err := s.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "event not found")
		return
	}
	ok(c, http.StatusOK, rec)
}

type resolveRequest struct {
	Candidate entity.Candidate `json:"candidate" binding:"required"`
	SourceID  string           `json:"source_id"`
	Excerpt   string           `json:"excerpt"`
}

// resolveCandidate runs one synchronous resolution, for interactive user
// flows that want the answer now instead of queueing an event
func (s *Server) resolveCandidate(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	src := entity.SourceContext{
		SourceID:   req.SourceID,
		Excerpt:    req.Excerpt,
		ObservedAt: time.Now(),
		UserAction: true,
	}
	res, err := s.resolver.Resolve(c.Request.Context(), req.Candidate, src)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if res.Outcome == resolver.OutcomeAmbiguous {
		pending(c, res)
		return
	}
	ok(c, http.StatusOK, res)
}

type mergeRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	TargetID string `json:"target_id" binding:"required"`
}

func (s *Server) mergeEntities(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	survivor, err := s.accumulator.Merge(c.Request.Context(), req.SourceID, req.TargetID)
	if err != nil {
		if pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeMerge) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		if err == store.ErrEntityNotFound || pkgerrors.IsErrorType(err, pkgerrors.ErrorTypeGraph) {
			fail(c, http.StatusNotFound, "entity not found")
			return
		}
		s.logger.Error("failed to merge entities", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to merge entities")
		return
	}
	ok(c, http.StatusOK, survivor)
}

func (s *Server) listInsights(c *gin.Context) {
	insights, err := s.store.ListInsights(c.Request.Context(),
		entity.InsightKind(c.Query("kind")), c.Query("entity"), time.Now())
	if err != nil {
		s.logger.Error("failed to list insights", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list insights")
		return
	}
	ok(c, http.StatusOK, insights)
}

func (s *Server) listReview(c *gin.Context) {
	items, err := s.store.ListReviewItems(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list review items", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list review items")
		return
	}
	ok(c, http.StatusOK, items)
}

type resolveReviewRequest struct {
	EntityID  string `json:"entity_id"`
	CreateNew bool   `json:"create_new"`
	Discard   bool   `json:"discard"`
}

// resolveReview lets a user settle a parked item: pick one of the tied
// candidates, create a new entity from the evidence, or discard the item
func (s *Server) resolveReview(c *gin.Context) {
	ctx := c.Request.Context()
	var req resolveReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	item, err := s.store.GetReviewItem(ctx, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, "review item not found")
		return
	}

	if req.Discard {
		if err := s.store.DeleteReviewItem(ctx, item.ID); err != nil {
			fail(c, http.StatusInternalServerError, "failed to discard review item")
			return
		}
		ok(c, http.StatusOK, gin.H{"discarded": true})
		return
	}

	if item.Kind != store.ReviewAmbiguous || item.Candidate == nil {
		fail(c, http.StatusBadRequest, "only ambiguous items can be resolved; use discard for failed events")
		return
	}

	src := entity.SourceContext{ObservedAt: time.Now(), UserAction: true}
	if item.Source != nil {
		src = *item.Source
	}

	var resolved *entity.Entity
	switch {
	case req.CreateNew:
		resolved, err = s.resolver.CreateFromCandidate(ctx, *item.Candidate, src)
	case req.EntityID != "":
		if !contains(item.MatchIDs, req.EntityID) {
			fail(c, http.StatusBadRequest, "entity_id is not one of the tied candidates")
			return
		}
		resolved, err = s.accumulator.Accumulate(ctx, req.EntityID, *item.Candidate, src)
	default:
		fail(c, http.StatusBadRequest, "entity_id, create_new or discard is required")
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve review item", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to resolve review item")
		return
	}

	// Relationship hints carried from the originating event reinforce now
	// that the candidate has a settled identity
	for _, rel := range item.PendingRelations {
		from, to := resolved.ID, rel.OtherID
		if !rel.Outbound {
			from, to = rel.OtherID, resolved.ID
		}
		if _, err := s.tracker.Reinforce(ctx, from, to, rel.Kind, src); err != nil {
			s.logger.Warn("pending relation not reinforced",
				zap.String("from", from),
				zap.String("to", to),
				zap.Error(err))
		}
	}

	if err := s.store.DeleteReviewItem(ctx, item.ID); err != nil {
		s.logger.Warn("resolved review item not removed", zap.Error(err))
	}
	ok(c, http.StatusOK, resolved)
}

func (s *Server) stats(c *gin.Context) {
	pipelineStats, err := s.pipeline.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to collect stats", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	items, err := s.store.ListReviewItems(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"pipeline":       pipelineStats,
		"review_pending": len(items),
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
