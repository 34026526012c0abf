package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	mutationFunc func(ctx context.Context, from, to string) error
	checkFunc    func(ctx context.Context, from, to string) (bool, error)
)

// RegisterRoutes registers all API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	mutations := map[string]mutationFunc{
		"CreateFollow": s.svc.CreateFollow,
		"DeleteFollow": s.svc.DeleteFollow,
		"CreateMute":   s.svc.CreateMute,
		"DeleteMute":   s.svc.DeleteMute,
		"CreateBlock":  s.svc.CreateBlock,
		"DeleteBlock":  s.svc.DeleteBlock,
	}
	for op, fn := range mutations {
		mux.HandleFunc("POST /api/v1/"+op, s.handleMutation(fn))
	}

	checks := map[string]struct {
		field string
		fn    checkFunc
	}{
		"IsFollowing": {"is_following", s.svc.IsFollowing},
		"IsMuted":     {"is_muted", s.svc.IsMuted},
		"IsBlocked":   {"is_blocked", s.svc.IsBlocked},
	}
	for op, c := range checks {
		mux.HandleFunc("POST /api/v1/"+op, s.handleCheck(c.field, c.fn))
	}

	mux.HandleFunc("POST /api/v1/GetFollowers", s.handleList(s.svc.GetFollowers))
	mux.HandleFunc("POST /api/v1/GetFollowing", s.handleList(s.svc.GetFollowing))
	mux.HandleFunc("POST /api/v1/BatchCheckFollowing", s.handleBatchCheckFollowing)
	mux.HandleFunc("POST /api/v1/GetGraphStats", s.handleGraphStats)

	mux.HandleFunc("POST /api/v1/{op}", s.handleUnknown)
}
