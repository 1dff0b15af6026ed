// Package api exposes a read-only status surface over the running
// simulation: health, orders and positions.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradesim/internal/events"
	"tradesim/internal/order"
	"tradesim/internal/position"
)

// Server wires the HTTP endpoints around the live components.
type Server struct {
	Router *gin.Engine
	OMS    *order.Manager
	PM     *position.Manager
	Bus    *events.Bus
	Meta   SystemMeta
}

// SystemMeta describes the running instance.
type SystemMeta struct {
	Source  string
	Version string
}

// NewServer builds the router. The server only reads; all mutation stays
// inside the pipeline.
func NewServer(oms *order.Manager, pm *position.Manager, bus *events.Bus, meta SystemMeta) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{Router: r, OMS: oms, PM: pm, Bus: bus, Meta: meta}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/events", s.streamEvents)

	api := s.Router.Group("/api")
	{
		api.GET("/orders", s.getOrders)
		api.GET("/positions", s.getPositions)
	}
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"source":  s.Meta.Source,
		"version": s.Meta.Version,
		"bartime": s.OMS.Bartime().Format(time.RFC3339),
	})
}

// getOrders returns the order book projection. ?state=LIVE&symbol=X filter
// by equality; ?open=true restricts to open orders.
func (s *Server) getOrders(c *gin.Context) {
	f := order.Filter{
		Symbol:      c.Query("symbol"),
		StrategyID:  c.Query("strategy_id"),
		ProductType: c.Query("product_type"),
	}
	if st := c.Query("state"); st != "" {
		f.States = []order.State{order.State(st)}
	}
	if c.Query("open") == "true" {
		open := false
		f.Closed = &open
	}
	// Snapshot under the OMS lock; the pipeline mutates orders concurrently.
	orders := s.OMS.OrdersSnapshot(f)
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) getPositions(c *gin.Context) {
	rows := s.PM.Rows()
	out := make([]gin.H, 0, len(rows))
	for _, p := range rows {
		out = append(out, gin.H{
			"strategy_id":      p.Key.StrategyID,
			"product_type":     p.Key.ProductType,
			"symbol":           p.Key.Symbol,
			"start_position":   p.StartPosition,
			"current_position": p.CurrentPosition,
			"buy_quantity":     p.BuyQuantity,
			"buy_avg_price":    p.BuyAvgPrice,
			"sell_quantity":    p.SellQuantity,
			"sell_avg_price":   p.SellAvgPrice,
			"commission":       p.Commission,
			"trade_pnl":        p.TradePnL,
			"position_pnl":     p.PositionPnL,
			"gross_pnl":        p.GrossPnL,
			"net_pnl":          p.NetPnL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}
