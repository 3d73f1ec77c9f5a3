package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nodakmesh/meshberry/internal/config"
	"github.com/nodakmesh/meshberry/internal/observability"
)

// statusSnapshot is what the HTTP handlers serve. The engine is confined
// to the foreground loop, so the loop publishes a fresh snapshot each
// pass and the handlers only ever read the atomic copy.
type statusSnapshot struct {
	Node       string        `json:"node"`
	Forwarding bool          `json:"forwarding"`
	Repeater   string        `json:"repeater_state"`
	PendingDMs int           `json:"pending_dms"`
	Nodes      []nodeStatus  `json:"nodes"`
	Messages   []messageView `json:"messages"`
}

type nodeStatus struct {
	ID        uint32  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	LastHeard uint32  `json:"last_heard"`
	SNR       float32 `json:"snr"`
}

type messageView struct {
	SenderID  uint32 `json:"sender_id"`
	Timestamp uint32 `json:"timestamp"`
	Text      string `json:"text"`
	Outgoing  bool   `json:"outgoing"`
	Delivered bool   `json:"delivered"`
}

type statusStore struct {
	v atomic.Value
}

func newStatusStore() *statusStore {
	s := &statusStore{}
	s.v.Store(statusSnapshot{})
	return s
}

func (s *statusStore) Update(snap statusSnapshot) { s.v.Store(snap) }
func (s *statusStore) Load() statusSnapshot      { return s.v.Load().(statusSnapshot) }

func newRouter(log zerolog.Logger, cfg config.NodeConfig, store *statusStore) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log))
	router.Use(observability.RequestMetricsMiddleware(cfg.Name))

	if len(cfg.CorsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/status", func(c *gin.Context) {
		snap := store.Load()
		c.JSON(http.StatusOK, gin.H{
			"node":           snap.Node,
			"forwarding":     snap.Forwarding,
			"repeater_state": snap.Repeater,
			"pending_dms":    snap.PendingDMs,
			"node_count":     len(snap.Nodes),
			"message_count":  len(snap.Messages),
		})
	})
	router.GET("/api/nodes", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.Load().Nodes)
	})
	router.GET("/api/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.Load().Messages)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
