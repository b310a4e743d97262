package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// PeeringStatus reports how many configured peerings are currently
// established, used by readyz to distinguish a cold-started process
// (no peers up yet, may still be normal right after start) from one that
// has actually converged at least one session.
type PeeringStatus interface {
	ActivePeerings() int
}

// RouteView is the wire shape for one entry in a route dump response.
type RouteView struct {
	Prefix    string   `json:"prefix"`
	NextHop   string   `json:"next_hop"`
	ASPath    []uint32 `json:"as_path"`
	Origin    string   `json:"origin"`
	LocalPref *uint32  `json:"local_pref,omitempty"`
	MED       *uint32  `json:"med,omitempty"`
	PeerID    uint32   `json:"peer_id"`
	Winner    bool     `json:"winner"`
}

// RouteReader serves paginated reads of a table's current contents for the
// route-dump HTTP endpoint. afi/safi are the lowercase wire names ("ipv4",
// "unicast"); cursor is an opaque continuation token, empty for the first
// page.
type RouteReader interface {
	ListRoutes(afi, safi, cursor string, limit int) (routes []RouteView, nextCursor string, err error)
}

type Server struct {
	srv     *http.Server
	pool    *pgxpool.Pool
	checker DBChecker
	peering PeeringStatus
	routes  RouteReader
	logger  *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, peering PeeringStatus, routes RouteReader, logger *zap.Logger) *Server {
	s := &Server{
		pool:    pool,
		peering: peering,
		routes:  routes,
		logger:  logger,
	}
	if pool != nil {
		s.checker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/routes/", s.handleRoutes)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.checker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "disabled"
	}

	if s.peering != nil {
		if s.peering.ActivePeerings() > 0 {
			checks["peerings"] = "ok"
		} else {
			checks["peerings"] = "none_up"
			allOK = false
		}
	} else {
		checks["peerings"] = "disabled"
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleRoutes serves GET /v1/routes/{afi}/{safi}?cursor=&limit=.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.routes == nil {
		http.Error(w, "route dump unavailable", http.StatusServiceUnavailable)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/routes/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /v1/routes/{afi}/{safi}", http.StatusBadRequest)
		return
	}
	afi, safi := parts[0], parts[1]

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be an integer between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	routes, next, err := s.routes.ListRoutes(afi, safi, cursor, limit)
	if err != nil {
		s.logger.Error("route dump failed", zap.String("afi", afi), zap.String("safi", safi), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"routes":      routes,
		"next_cursor": next,
	})
}
