package handlers

import (
	"net/http"
	"strconv"

	"example.com/backstage/services/production/internal/models"
	"example.com/backstage/services/production/internal/services"
	"example.com/backstage/services/production/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ProductionHandler handles production-order HTTP requests
type ProductionHandler struct {
	productionService *services.ProductionService
	tracer            tracing.Tracer
}

// NewProductionHandler creates a new production handler
func NewProductionHandler(productionService *services.ProductionService, tracer tracing.Tracer) *ProductionHandler {
	return &ProductionHandler{
		productionService: productionService,
		tracer:            tracer,
	}
}

// actorFrom builds the acting user from the identity headers set by the
// gateway. An empty user id means the request never passed authentication.
func actorFrom(c *gin.Context) (services.Actor, bool) {
	actor := services.Actor{
		ID:   c.GetHeader("X-User-Id"),
		Name: c.GetHeader("X-User-Name"),
		Role: c.GetHeader("X-User-Role"),
	}
	if actor.Role == "" {
		actor.Role = services.RoleOperator
	}
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-Id header"})
		return actor, false
	}
	return actor, true
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *services.ValidationError
		orderErr      *services.OrderViolationError
		permErr       *services.PermissionError
		lockedErr     *services.AlreadyLockedError
		notOwnerErr   *services.NotOwnerError
		resolvedErr   *services.AlreadyResolvedError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &orderErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &permErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &lockedErr):
		c.JSON(http.StatusLocked, gin.H{
			"error":       err.Error(),
			"locked_by":   lockedErr.OwnerID,
			"locked_name": lockedErr.OwnerName,
			"locked_at":   lockedErr.LockedAt,
		})
	case errors.As(err, &notOwnerErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &resolvedErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": resolvedErr.Status})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Error().Err(err).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// CreateOrderRequest represents an incoming order creation request
type CreateOrderRequest struct {
	OrderNumber   string `json:"order_number" binding:"required"`
	TotalQuantity int    `json:"total_quantity" binding:"required"`
}

// HandleCreateOrder creates a production order with its operation chain
func (h *ProductionHandler) HandleCreateOrder(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-order")
	defer h.tracer.EndTransaction(txn)

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.tracer.AddAttribute(txn, "order_number", req.OrderNumber)

	order, err := h.productionService.CreateOrder(c, req.OrderNumber, req.TotalQuantity)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// HandleGetOrder returns an order with its full operation chain
func (h *ProductionHandler) HandleGetOrder(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	order, err := h.productionService.GetOrder(c, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// HandleGetOrderByNumber returns an order by its order number
func (h *ProductionHandler) HandleGetOrderByNumber(c *gin.Context) {
	number := c.Query("order_number")
	if number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_number query parameter is required"})
		return
	}
	order, err := h.productionService.GetOrderByNumber(c, number)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpdateQuantityRequest represents a total quantity change
type UpdateQuantityRequest struct {
	TotalQuantity int `json:"total_quantity" binding:"required"`
}

// HandleUpdateQuantity changes the ordered quantity and recomputes the chain
func (h *ProductionHandler) HandleUpdateQuantity(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-update-quantity")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req UpdateQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.productionService.UpdateTotalQuantity(c, actor, id, req.TotalQuantity)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// HandleStartOperation starts an operation
func (h *ProductionHandler) HandleStartOperation(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-start-operation")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	op, err := h.productionService.StartOperation(c, actor, id)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// EndOperationRequest represents an operation completion
type EndOperationRequest struct {
	ResourceFactor float64 `json:"resource_factor" binding:"required"`
}

// HandleEndOperation ends an operation and derives its working hours
func (h *ProductionHandler) HandleEndOperation(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-end-operation")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req EndOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op, err := h.productionService.EndOperation(c, actor, id, req.ResourceFactor)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// DefectRequest represents one defect observation
type DefectRequest struct {
	DefectTypeID        uuid.UUID `json:"defect_type_id" binding:"required"`
	Quantity            int       `json:"quantity"`
	QuantityRework      int       `json:"quantity_rework"`
	QuantityNogood      int       `json:"quantity_nogood"`
	QuantityReplacement int       `json:"quantity_replacement"`
}

func (r DefectRequest) toInput() services.DefectInput {
	return services.DefectInput{
		DefectTypeID:        r.DefectTypeID,
		Quantity:            r.Quantity,
		QuantityRework:      r.QuantityRework,
		QuantityNogood:      r.QuantityNogood,
		QuantityReplacement: r.QuantityReplacement,
	}
}

// HandleRecordDefect records a defect observation against an operation
func (h *ProductionHandler) HandleRecordDefect(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-record-defect")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req DefectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	defect, err := h.productionService.RecordDefect(c, actor, id, req.toInput())
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, defect)
}

// HandleDeleteDefect removes a defect observation from an operation
func (h *ProductionHandler) HandleDeleteDefect(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-delete-defect")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	defectTypeID, ok := pathUUID(c, "defectTypeId")
	if !ok {
		return
	}

	if err := h.productionService.DeleteDefect(c, actor, id, defectTypeID); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EditRequestRequest represents an incoming edit request
type EditRequestRequest struct {
	Type                string    `json:"type" binding:"required"`
	OperationID         uuid.UUID `json:"operation_id" binding:"required"`
	DefectTypeID        uuid.UUID `json:"defect_type_id" binding:"required"`
	Quantity            int       `json:"quantity"`
	QuantityRework      int       `json:"quantity_rework"`
	QuantityNogood      int       `json:"quantity_nogood"`
	QuantityReplacement int       `json:"quantity_replacement"`
	Reason              string    `json:"reason" binding:"required"`
}

// HandleCreateEditRequest files an edit request for a completed operation
func (h *ProductionHandler) HandleCreateEditRequest(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-edit-request")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req EditRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := services.DefectInput{
		DefectTypeID:        req.DefectTypeID,
		Quantity:            req.Quantity,
		QuantityRework:      req.QuantityRework,
		QuantityNogood:      req.QuantityNogood,
		QuantityReplacement: req.QuantityReplacement,
	}

	var (
		spec services.EditRequestSpec
		err  error
	)
	switch req.Type {
	case models.EditRequestTypeAdd:
		spec, err = services.AddDefectRequest(req.OperationID, in, req.Reason)
	case models.EditRequestTypeEdit:
		spec, err = services.EditDefectRequest(req.OperationID, in, req.Reason)
	case models.EditRequestTypeDelete:
		spec, err = services.DeleteDefectRequest(req.OperationID, req.DefectTypeID, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be ADD, EDIT or DELETE"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	editReq, err := h.productionService.CreateEditRequest(c, actor, spec)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, editReq)
}

// ResolveEditRequestRequest represents a reviewer decision
type ResolveEditRequestRequest struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note"`
}

// HandleResolveEditRequest approves or rejects a pending edit request
func (h *ProductionHandler) HandleResolveEditRequest(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-resolve-edit-request")
	defer h.tracer.EndTransaction(txn)

	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req ResolveEditRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	editReq, err := h.productionService.ResolveEditRequest(c, actor, id, req.Decision, req.Note)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, editReq)
}

// HandleListEditRequests lists edit requests, optionally by status
func (h *ProductionHandler) HandleListEditRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	reqs, err := h.productionService.ListEditRequests(c, c.Query("status"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

// HandleSearchEditRequestAudit searches the audit index of resolved requests
func (h *ProductionHandler) HandleSearchEditRequestAudit(c *gin.Context) {
	must := []map[string]interface{}{}
	if v := c.Query("order_number"); v != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"order_number": v}})
	}
	if v := c.Query("requested_by"); v != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"requested_by": v}})
	}
	if v := c.Query("status"); v != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"status": v}})
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []map[string]interface{}{
			{"resolved_at": map[string]interface{}{"order": "desc"}},
		},
	}

	docs, err := h.productionService.SearchEditRequestAudit(c, query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// HandleAcquireLock claims the editing lock on an order
func (h *ProductionHandler) HandleAcquireLock(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	order, err := h.productionService.AcquireLock(c, actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// HandleReleaseLock releases the caller's editing lock
func (h *ProductionHandler) HandleReleaseLock(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.productionService.ReleaseLock(c, actor, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleForceReleaseLock releases any lock regardless of owner
func (h *ProductionHandler) HandleForceReleaseLock(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.productionService.ForceReleaseLock(c, actor, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DefectTypeRequest represents a defect type catalog entry
type DefectTypeRequest struct {
	Name       string `json:"name" binding:"required"`
	Category   string `json:"category" binding:"required"`
	StepCode   string `json:"step_code" binding:"required"`
	Reworkable bool   `json:"reworkable"`
	Machine    string `json:"machine"`
}

// HandleCreateDefectType adds a defect type to the catalog
func (h *ProductionHandler) HandleCreateDefectType(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req DefectTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dt, err := h.productionService.CreateDefectType(c, actor, &models.DefectType{
		Name:       req.Name,
		Category:   req.Category,
		StepCode:   req.StepCode,
		Reworkable: req.Reworkable,
		Machine:    req.Machine,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dt)
}

// HandleListDefectTypes lists the active defect type catalog
func (h *ProductionHandler) HandleListDefectTypes(c *gin.Context) {
	types, err := h.productionService.ListDefectTypes(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

// HandleDeactivateDefectType retires a defect type from the catalog
func (h *ProductionHandler) HandleDeactivateDefectType(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.productionService.DeactivateDefectType(c, actor, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the handler's routes
func (h *ProductionHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/orders", h.HandleCreateOrder)
	router.GET("/orders", h.HandleGetOrderByNumber)
	router.GET("/orders/:id", h.HandleGetOrder)
	router.PUT("/orders/:id/quantity", h.HandleUpdateQuantity)
	router.POST("/orders/:id/lock", h.HandleAcquireLock)
	router.DELETE("/orders/:id/lock", h.HandleReleaseLock)
	router.DELETE("/orders/:id/lock/force", h.HandleForceReleaseLock)

	router.POST("/operations/:id/start", h.HandleStartOperation)
	router.POST("/operations/:id/end", h.HandleEndOperation)
	router.POST("/operations/:id/defects", h.HandleRecordDefect)
	router.DELETE("/operations/:id/defects/:defectTypeId", h.HandleDeleteDefect)

	router.POST("/defect-types", h.HandleCreateDefectType)
	router.GET("/defect-types", h.HandleListDefectTypes)
	router.DELETE("/defect-types/:id", h.HandleDeactivateDefectType)

	router.POST("/edit-requests", h.HandleCreateEditRequest)
	router.GET("/edit-requests", h.HandleListEditRequests)
	router.POST("/edit-requests/:id/resolve", h.HandleResolveEditRequest)
	router.GET("/audit/edit-requests", h.HandleSearchEditRequestAudit)
}
