package feed

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httperr "github.com/gridflow-lab/gridflow/internal/core/errors"
	"github.com/gridflow-lab/gridflow/internal/core/geo"
)

const heartbeatInterval = 15 * time.Second

// RegisterRoutes mounts the feed API on the given router.
func (f *Feed) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1")
	api.GET("/grid", f.handleGrid)
	api.GET("/aggregates/latest", f.handleLatest)
	api.GET("/aggregates/citywide", f.handleCitywide)
	api.GET("/aggregates/cells/:row/:col", f.handleCell)
	api.GET("/stream", f.handleStream)
}

// handleGrid handles GET /api/v1/grid
func (f *Feed) handleGrid(c *gin.Context) {
	c.JSON(http.StatusOK, f.info)
}

// handleLatest handles GET /api/v1/aggregates/latest
// Query parameters: limit, finalized
func (f *Feed) handleLatest(c *gin.Context) {
	var query struct {
		Limit     int   `form:"limit"`
		Finalized *bool `form:"finalized"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	finalizedOnly := query.Finalized != nil && *query.Finalized
	rows := f.store.Latest(query.Limit, finalizedOnly)
	c.JSON(http.StatusOK, RowsResponse{
		Count:       len(rows),
		GeneratedAt: time.Now().UTC(),
		Rows:        rows,
	})
}

// handleCitywide handles GET /api/v1/aggregates/citywide
// An empty store yields an all-zero summary.
func (f *Feed) handleCitywide(c *gin.Context) {
	summary, _ := f.store.Citywide()
	summary.GeneratedAt = time.Now().UTC()
	c.JSON(http.StatusOK, summary)
}

// handleCell handles GET /api/v1/aggregates/cells/:row/:col
// Query parameters: limit
func (f *Feed) handleCell(c *gin.Context) {
	var uri struct {
		Row int `uri:"row"`
		Col int `uri:"col"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}

	cell := geo.Cell{Row: uri.Row, Col: uri.Col}
	if !f.knownCell(cell) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpNotFoundError,
			Message:   "Cell outside the grid",
			Details:   cell.String(),
		})
		return
	}

	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	rows := f.store.CellHistory(cell, query.Limit)
	c.JSON(http.StatusOK, CellResponse{
		Cell:        cell,
		Count:       len(rows),
		GeneratedAt: time.Now().UTC(),
		Rows:        rows,
	})
}

// knownCell accepts grid cells plus the out-of-bounds bucket, which is a
// legitimate key for rides picked up outside the city box.
func (f *Feed) knownCell(cell geo.Cell) bool {
	if cell == geo.OutOfBoundsCell {
		return true
	}
	return cell.Row >= 0 && cell.Row < f.info.Rows && cell.Col >= 0 && cell.Col < f.info.Cols
}

// handleStream handles GET /api/v1/stream with server-sent events. Every
// batch lands as one "aggregates" event; heartbeats keep idle connections
// open through proxies.
// Query parameters: finalized_only
func (f *Feed) handleStream(c *gin.Context) {
	var query struct {
		FinalizedOnly bool `form:"finalized_only"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	ch, cancel := f.hub.Subscribe(query.FinalizedOnly)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	// Flush the headers right away so the client sees the stream as
	// established even when no snapshot or batch is pending yet.
	c.Writer.Flush()

	// Opening snapshot so a fresh dashboard has state before the next batch.
	if snapshot := f.store.Latest(defaultLimit, query.FinalizedOnly); len(snapshot) > 0 {
		payload, err := json.Marshal(streamEvent{Rows: snapshot, EmittedAt: time.Now().UTC()})
		if err == nil {
			c.SSEvent("snapshot", string(payload))
			c.Writer.Flush()
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("aggregates", string(payload))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
