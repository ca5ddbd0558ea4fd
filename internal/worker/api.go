package worker

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/store"
)

// API is the worker's own HTTP surface: health self-report, failure
// injection config, and operation submission.
type API struct {
	store    *store.Store
	broker   *queue.Client
	injector *Injector
	flag     *HealthFlag
}

// NewAPI creates the worker HTTP API.
func NewAPI(st *store.Store, broker *queue.Client, injector *Injector, flag *HealthFlag) *API {
	return &API{store: st, broker: broker, injector: injector, flag: flag}
}

// Router builds the gin engine for the worker API.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/health", a.handleHealth)
	r.GET("/config", a.handleGetConfig)
	r.POST("/config/failure-rate", a.handleFailureRate)
	r.POST("/config/force-failure", a.handleForceFailure)
	r.POST("/config/reset", a.handleReset)
	r.POST("/operations", a.handleCreateOperation)
	r.GET("/operations/:id", a.handleGetOperation)
	return r
}

// handleHealth self-reports UNHEALTHY (still HTTP 200) while a recent
// processing failure is inside the rolling window. The monitor's prober
// reads the body, not just the status code.
func (a *API) handleHealth(c *gin.Context) {
	status := store.StatusUp
	if a.flag.Unhealthy() {
		status = store.StatusUnhealthy
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "service": "worker"})
}

func (a *API) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.injector.State())
}

func (a *API) handleFailureRate(c *gin.Context) {
	var body struct {
		Rate *float64 `json:"rate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Rate == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"rate\": <0..1>}"})
		return
	}
	if !a.injector.SetRate(*body.Rate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rate must be between 0.0 and 1.0"})
		return
	}
	c.JSON(http.StatusOK, a.injector.State())
}

func (a *API) handleForceFailure(c *gin.Context) {
	var body struct {
		Force *bool `json:"force"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Force == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"force\": <bool>}"})
		return
	}
	a.injector.SetForce(*body.Force)
	c.JSON(http.StatusOK, a.injector.State())
}

func (a *API) handleReset(c *gin.Context) {
	a.injector.Reset()
	c.JSON(http.StatusOK, a.injector.State())
}

func (a *API) handleCreateOperation(c *gin.Context) {
	var body struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"type\": <string>, \"payload\": <object>}"})
		return
	}

	now := time.Now().UTC()
	op := &store.Operation{
		ID:        "op-" + uuid.NewString()[:8],
		Type:      body.Type,
		Payload:   body.Payload,
		Status:    store.OpPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx := c.Request.Context()
	if err := a.store.SaveOperation(ctx, op); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.broker.Enqueue(ctx, queue.OperationsQueue, queue.OperationTask{OperationID: op.ID}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (a *API) handleGetOperation(c *gin.Context) {
	op, err := a.store.GetOperation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, op)
}
