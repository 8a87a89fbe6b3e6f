package resolver

import (
	"context"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"intelgraph/internal/entity"
	"intelgraph/internal/store"
	pkgerrors "intelgraph/pkg/errors"
	"intelgraph/pkg/logger"
)

// Outcome is the result class of a resolution attempt
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeCreated   Outcome = "created"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Resolution is the answer for one candidate. Ambiguous resolutions carry
// the near-tied match ids and the id of the parked review item.
type Resolution struct {
	Outcome  Outcome        `json:"outcome"`
	Entity   *entity.Entity `json:"entity,omitempty"`
	Score    float64        `json:"score,omitempty"`
	MatchIDs []string       `json:"match_ids,omitempty"`
	ReviewID string         `json:"review_id,omitempty"`
}

// Config holds the matching tunables
type Config struct {
	Threshold     float64 // minimum fuzzy score to consider a match
	Epsilon       float64 // top-two gap below which resolution is ambiguous
	NameWeight    float64
	KeywordWeight float64
}

// Resolver maps extracted candidates onto existing entities, or creates new
// ones when nothing matches
type Resolver struct {
	store  store.Store
	config Config
	logger *zap.Logger
}

// NewResolver creates a resolver backed by the given store
func NewResolver(s store.Store, cfg Config) *Resolver {
	return &Resolver{
		store:  s,
		config: cfg,
		logger: logger.Named("resolver"),
	}
}

// Resolve finds the entity a candidate refers to. Exact normalized-name and
// alias matches within the variant win outright; otherwise candidates are
// scored fuzzily and the threshold/epsilon rules apply. Ambiguous evidence
// is parked on the review surface, never dropped.
func (r *Resolver) Resolve(ctx context.Context, cand entity.Candidate, src entity.SourceContext) (*Resolution, error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	// Exact match on normalized name or alias
	if exact, err := r.store.GetEntityByName(ctx, cand.Variant, cand.Name); err == nil {
		return &Resolution{Outcome: OutcomeMatched, Entity: exact, Score: 1.0}, nil
	} else if err != store.ErrEntityNotFound {
		return nil, err
	}

	scored, err := r.scoreAgainstVariant(ctx, cand)
	if err != nil {
		return nil, err
	}

	if len(scored) == 0 {
		created, err := r.CreateFromCandidate(ctx, cand, src)
		if err != nil {
			return nil, err
		}
		return &Resolution{Outcome: OutcomeCreated, Entity: created}, nil
	}

	if len(scored) == 1 || scored[0].score-scored[1].score >= r.config.Epsilon {
		return &Resolution{Outcome: OutcomeMatched, Entity: scored[0].e, Score: scored[0].score}, nil
	}

	// Top two within epsilon. A single user-created entity among the
	// near-tied group breaks the tie; otherwise a human has to decide.
	tied := nearTied(scored, r.config.Epsilon)
	if winner := singleUserCreated(tied); winner != nil {
		return &Resolution{Outcome: OutcomeMatched, Entity: winner.e, Score: winner.score}, nil
	}

	matchIDs := make([]string, 0, len(tied))
	for _, m := range tied {
		matchIDs = append(matchIDs, m.e.ID)
	}
	reviewID, err := r.park(ctx, cand, src, matchIDs)
	if err != nil {
		return nil, err
	}
	r.logger.Info("ambiguous resolution parked for review",
		zap.String("candidate", cand.Name),
		zap.Strings("match_ids", matchIDs),
		zap.String("review_id", reviewID))

	return &Resolution{Outcome: OutcomeAmbiguous, MatchIDs: matchIDs, ReviewID: reviewID}, nil
}

// CreateFromCandidate inserts a fresh system-discovered entity built from an
// extracted candidate
func (r *Resolver) CreateFromCandidate(ctx context.Context, cand entity.Candidate, src entity.SourceContext) (*entity.Entity, error) {
	now := time.Now()
	origin := entity.OriginSystemDiscovered
	if src.UserAction {
		origin = entity.OriginUserCreated
	}
	e := &entity.Entity{
		ID:            uuid.NewString(),
		Variant:       cand.Variant,
		CanonicalName: cand.Name,
		Aliases:       append([]string(nil), cand.Aliases...),
		Confidence:    cand.Confidence,
		MentionCount:  1,
		Origin:        origin,
		Description:   cand.Description,
		Keywords:      append([]string(nil), cand.Keywords...),
		Email:         cand.Email,
		Status:        cand.Status,
		DueDate:       cand.DueDate,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if src.SourceID != "" {
		e.Provenance = []entity.ProvenanceRef{{
			SourceID:  src.SourceID,
			Excerpt:   src.Excerpt,
			Timestamp: src.ObservedAt,
		}}
	}
	if err := r.store.PutEntity(ctx, e); err != nil {
		return nil, err
	}
	r.logger.Debug("entity created",
		zap.String("id", e.ID),
		zap.String("name", e.CanonicalName),
		zap.String("variant", string(e.Variant)))
	return e, nil
}

type scoredMatch struct {
	e     *entity.Entity
	score float64
}

func (r *Resolver) scoreAgainstVariant(ctx context.Context, cand entity.Candidate) ([]scoredMatch, error) {
	existing, err := r.store.ListEntities(ctx, cand.Variant, 0, 0)
	if err != nil {
		return nil, err
	}

	candTokens := entity.NameTokens(cand.Name)
	candKeywords := keywordSet(cand.Keywords)

	var scored []scoredMatch
	for _, e := range existing {
		score := r.score(candTokens, candKeywords, e)
		if score >= r.config.Threshold {
			scored = append(scored, scoredMatch{e: e, score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		// Stable preference order for equal scores
		if (scored[i].e.Origin == entity.OriginUserCreated) != (scored[j].e.Origin == entity.OriginUserCreated) {
			return scored[i].e.Origin == entity.OriginUserCreated
		}
		return scored[i].e.Importance > scored[j].e.Importance
	})
	return scored, nil
}

// score blends name similarity with keyword overlap. The name term takes the
// best similarity across the canonical name and every alias. When either
// side has no keywords the name term stands alone.
func (r *Resolver) score(candTokens []string, candKeywords mapset.Set[string], e *entity.Entity) float64 {
	nameScore := tokenJaccard(candTokens, entity.NameTokens(e.CanonicalName))
	for _, alias := range e.Aliases {
		if s := tokenJaccard(candTokens, entity.NameTokens(alias)); s > nameScore {
			nameScore = s
		}
	}

	entityKeywords := keywordSet(e.Keywords)
	if candKeywords.Cardinality() == 0 || entityKeywords.Cardinality() == 0 {
		return nameScore
	}

	keywordScore := setJaccard(candKeywords, entityKeywords)
	total := r.config.NameWeight + r.config.KeywordWeight
	return (r.config.NameWeight*nameScore + r.config.KeywordWeight*keywordScore) / total
}

func (r *Resolver) park(ctx context.Context, cand entity.Candidate, src entity.SourceContext, matchIDs []string) (string, error) {
	ambiguity := pkgerrors.NewResolutionAmbiguous(cand.Name, matchIDs)
	item := &store.ReviewItem{
		ID:        uuid.NewString(),
		Kind:      store.ReviewAmbiguous,
		Candidate: &cand,
		Source:    &src,
		MatchIDs:  matchIDs,
		Reason:    ambiguity.Error(),
		CreatedAt: time.Now(),
	}
	if err := r.store.PutReviewItem(ctx, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// nearTied returns the leading run of matches whose score is within epsilon
// of the best one
func nearTied(scored []scoredMatch, epsilon float64) []scoredMatch {
	tied := scored[:1]
	for _, m := range scored[1:] {
		if scored[0].score-m.score >= epsilon {
			break
		}
		tied = append(tied, m)
	}
	return tied
}

func singleUserCreated(tied []scoredMatch) *scoredMatch {
	var winner *scoredMatch
	for i := range tied {
		if tied[i].e.Origin == entity.OriginUserCreated {
			if winner != nil {
				return nil
			}
			winner = &tied[i]
		}
	}
	return winner
}

func keywordSet(keywords []string) mapset.Set[string] {
	set := mapset.NewSet[string]()
	for _, k := range keywords {
		if n := entity.NormalizeName(k); n != "" {
			set.Add(n)
		}
	}
	return set
}

func tokenJaccard(a, b []string) float64 {
	return setJaccard(sliceSet(a), sliceSet(b))
}

func sliceSet(items []string) mapset.Set[string] {
	set := mapset.NewSet[string]()
	for _, s := range items {
		set.Add(s)
	}
	return set
}

func setJaccard(a, b mapset.Set[string]) float64 {
	union := a.Union(b).Cardinality()
	if union == 0 {
		return 0
	}
	return float64(a.Intersect(b).Cardinality()) / float64(union)
}
