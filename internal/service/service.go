// Package service validates requests, dispatches them to the edge repository
// and translates failures into a small error taxonomy.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/matijazezelj/relgraph/internal/events"
	"github.com/matijazezelj/relgraph/internal/graph"
	"github.com/matijazezelj/relgraph/pkg/models"
)

// healthReporter is implemented by graph.DualStore.
type healthReporter interface {
	Health(ctx context.Context) graph.Health
}

// Service exposes the relationship operations.
type Service struct {
	repo      graph.Repository
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Service. repo is usually a *graph.DualStore, or a
// *graph.SQLStore when the graph store is disabled. publisher may be nil.
func New(repo graph.Repository, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{repo: repo, publisher: publisher, logger: logger}
}

// CreateFollow makes from follow to. Repeating it is a no-op.
func (s *Service) CreateFollow(ctx context.Context, from, to string) error {
	return s.createEdge(ctx, models.EdgeFollow, from, to)
}

// DeleteFollow removes the follow edge if present.
func (s *Service) DeleteFollow(ctx context.Context, from, to string) error {
	return s.deleteEdge(ctx, models.EdgeFollow, from, to)
}

func (s *Service) CreateMute(ctx context.Context, from, to string) error {
	return s.createEdge(ctx, models.EdgeMute, from, to)
}

func (s *Service) DeleteMute(ctx context.Context, from, to string) error {
	return s.deleteEdge(ctx, models.EdgeMute, from, to)
}

func (s *Service) CreateBlock(ctx context.Context, from, to string) error {
	return s.createEdge(ctx, models.EdgeBlock, from, to)
}

func (s *Service) DeleteBlock(ctx context.Context, from, to string) error {
	return s.deleteEdge(ctx, models.EdgeBlock, from, to)
}

// IsFollowing reports whether from follows to.
func (s *Service) IsFollowing(ctx context.Context, from, to string) (bool, error) {
	return s.hasEdge(ctx, models.EdgeFollow, from, to)
}

func (s *Service) IsMuted(ctx context.Context, from, to string) (bool, error) {
	return s.hasEdge(ctx, models.EdgeMute, from, to)
}

func (s *Service) IsBlocked(ctx context.Context, from, to string) (bool, error) {
	return s.hasEdge(ctx, models.EdgeBlock, from, to)
}

// CreateEdge creates an edge of any type.
func (s *Service) CreateEdge(ctx context.Context, edgeType models.EdgeType, from, to string) error {
	if !edgeType.Valid() {
		return invalidArgument("unknown edge type %q", edgeType)
	}
	return s.createEdge(ctx, edgeType, from, to)
}

// DeleteEdge deletes an edge of any type.
func (s *Service) DeleteEdge(ctx context.Context, edgeType models.EdgeType, from, to string) error {
	if !edgeType.Valid() {
		return invalidArgument("unknown edge type %q", edgeType)
	}
	return s.deleteEdge(ctx, edgeType, from, to)
}

// HasEdge checks an edge of any type.
func (s *Service) HasEdge(ctx context.Context, edgeType models.EdgeType, from, to string) (bool, error) {
	if !edgeType.Valid() {
		return false, invalidArgument("unknown edge type %q", edgeType)
	}
	return s.hasEdge(ctx, edgeType, from, to)
}

// GetFollowers lists users following userID, oldest first. limit is clamped
// into [1, graph.MaxPageLimit] with non-positive values meaning the default.
func (s *Service) GetFollowers(ctx context.Context, userID string, limit, offset int) (*models.EdgePage, error) {
	id, err := parseID("user_id", userID)
	if err != nil {
		return nil, err
	}
	page, err := s.repo.ListFollowers(ctx, id, graph.Page{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		return nil, translate("get followers", err)
	}
	return page, nil
}

// GetFollowing lists users userID follows, oldest first.
func (s *Service) GetFollowing(ctx context.Context, userID string, limit, offset int) (*models.EdgePage, error) {
	id, err := parseID("user_id", userID)
	if err != nil {
		return nil, err
	}
	page, err := s.repo.ListFollowing(ctx, id, graph.Page{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		return nil, translate("get following", err)
	}
	return page, nil
}

// BatchCheckFollowing answers IsFollowing for up to graph.MaxBatchCheck
// targets. The result is keyed by the ids exactly as given.
func (s *Service) BatchCheckFollowing(ctx context.Context, from string, to []string) (map[string]bool, error) {
	if len(to) > graph.MaxBatchCheck {
		return nil, invalidArgument("to_user_ids has %d entries, at most %d allowed", len(to), graph.MaxBatchCheck)
	}
	fromID, err := parseID("from_user_id", from)
	if err != nil {
		return nil, err
	}
	canonical := make([]string, len(to))
	for i, raw := range to {
		if canonical[i], err = parseID("to_user_ids", raw); err != nil {
			return nil, err
		}
	}

	found, err := s.repo.BatchCheckFollowing(ctx, fromID, canonical)
	if err != nil {
		return nil, translate("batch check following", err)
	}
	result := make(map[string]bool, len(to))
	for i, raw := range to {
		result[raw] = found[canonical[i]]
	}
	return result, nil
}

// GetGraphStats returns the four edge counts of userID.
func (s *Service) GetGraphStats(ctx context.Context, userID string) (*models.GraphStats, error) {
	id, err := parseID("user_id", userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.GraphStats(ctx, id)
	if err != nil {
		return nil, translate("get graph stats", err)
	}
	return stats, nil
}

// Health reports both backends when the repository is a dual store, or the
// relational backend alone otherwise.
func (s *Service) Health(ctx context.Context) graph.Health {
	if hr, ok := s.repo.(healthReporter); ok {
		return hr.Health(ctx)
	}
	return graph.CheckHealth(ctx, s.repo, nil, 0)
}

func (s *Service) createEdge(ctx context.Context, edgeType models.EdgeType, from, to string) error {
	fromID, toID, err := parsePair(from, to)
	if err != nil {
		return err
	}
	edge := models.Edge{FromID: fromID, ToID: toID, Type: edgeType}
	if err := s.repo.CreateEdge(ctx, edge); err != nil {
		return translate("create "+string(edgeType), err)
	}
	s.publish(ctx, edge.Key(), events.ActionCreated)
	return nil
}

func (s *Service) deleteEdge(ctx context.Context, edgeType models.EdgeType, from, to string) error {
	fromID, toID, err := parsePair(from, to)
	if err != nil {
		return err
	}
	key := models.EdgeKey{FromID: fromID, ToID: toID, Type: edgeType}
	if err := s.repo.DeleteEdge(ctx, key); err != nil {
		return translate("delete "+string(edgeType), err)
	}
	s.publish(ctx, key, events.ActionDeleted)
	return nil
}

func (s *Service) hasEdge(ctx context.Context, edgeType models.EdgeType, from, to string) (bool, error) {
	fromID, toID, err := parsePair(from, to)
	if err != nil {
		return false, err
	}
	ok, err := s.repo.HasEdge(ctx, models.EdgeKey{FromID: fromID, ToID: toID, Type: edgeType})
	if err != nil {
		return false, translate("check "+string(edgeType), err)
	}
	return ok, nil
}

func (s *Service) publish(ctx context.Context, key models.EdgeKey, action string) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:   key.Type,
		FromID: key.FromID,
		ToID:   key.ToID,
		Action: action,
		At:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publishing edge event failed", "edge", key.String(), "action", action, "error", err)
	}
}

func parsePair(from, to string) (string, string, error) {
	fromID, err := parseID("from_user_id", from)
	if err != nil {
		return "", "", err
	}
	toID, err := parseID("to_user_id", to)
	if err != nil {
		return "", "", err
	}
	return fromID, toID, nil
}

func parseID(field, raw string) (string, error) {
	id, err := models.ParseUserID(raw)
	if err != nil {
		return "", &Error{Code: CodeInvalidArgument, Message: field + ": " + err.Error(), Err: err}
	}
	return id, nil
}
