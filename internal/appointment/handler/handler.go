package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment/service"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/middleware"
)

type createBody struct {
	DoctorID        string    `json:"doctorId" binding:"required,max=64"`
	PatientID       string    `json:"patientId" binding:"omitempty,max=64"`
	ScheduledAt     time.Time `json:"scheduledAt" binding:"required"`
	DurationMinutes int       `json:"durationMinutes" binding:"omitempty,min=5,max=480"`
	Notes           string    `json:"notes"`
	VisitType       string    `json:"visitType" binding:"omitempty,visittype"`
}

type listQuery struct {
	DoctorID  string `form:"doctorId" binding:"omitempty,max=64"`
	PatientID string `form:"patientId" binding:"omitempty,max=64"`
	Status    string `form:"status" binding:"omitempty,oneof=SCHEDULED IN_PROGRESS COMPLETED CANCELLED"`
}

type calendarQuery struct {
	From time.Time `form:"from" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	To   time.Time `form:"to" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
}

var registerOnce sync.Once

// registerValidators adds the custom binding tags to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("visittype", func(fl validator.FieldLevel) bool {
			return appointment.VisitType(fl.Field().String()).Valid()
		})
	})
}

// RegisterBookingRoutes mounts the booking endpoints on r. The caller must
// install middleware that sets the Principal.
func RegisterBookingRoutes(r gin.IRouter, svc service.Service) {
	registerValidators()
	h := &bookingHandler{svc: svc}

	r.POST("/bookings", h.create)
	r.GET("/bookings", h.list)
	r.GET("/bookings/:id", h.get)
	r.PUT("/bookings/:id", h.reschedule)
	r.DELETE("/bookings/:id", h.cancel)
	r.POST("/bookings/:id/start", h.start)
	r.POST("/bookings/:id/complete", h.complete)
	r.GET("/doctors/:doctorId/calendar", h.calendar)
}

type bookingHandler struct {
	svc service.Service
}

func principal(c *gin.Context) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok || p.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing principal"})
		return middleware.Principal{}, false
	}
	return p, true
}

func (h *bookingHandler) create(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	if !p.IsStaff() {
		if body.PatientID != "" && body.PatientID != p.UserID {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "patients can only book for themselves"})
			return
		}
		body.PatientID = p.UserID
	}
	a, err := h.svc.CreateAppointment(c.Request.Context(), service.CreateRequest{
		DoctorID:        body.DoctorID,
		PatientID:       body.PatientID,
		ScheduledAt:     body.ScheduledAt,
		DurationMinutes: body.DurationMinutes,
		Notes:           body.Notes,
		VisitType:       appointment.VisitType(body.VisitType),
	})
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *bookingHandler) list(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	if !p.IsStaff() {
		q.PatientID = p.UserID
	}
	list, err := h.svc.ListAppointments(c.Request.Context(), service.ListFilter{
		DoctorID:  q.DoctorID,
		PatientID: q.PatientID,
		Status:    appointment.Status(q.Status),
	})
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusOK, list)
}

// owned loads the appointment and hides it from patients who do not own it.
func (h *bookingHandler) owned(c *gin.Context) (*appointment.Appointment, bool) {
	p, ok := principal(c)
	if !ok {
		return nil, false
	}
	id := c.Param("id")
	a, err := h.svc.GetAppointment(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return nil, false
	}
	if !p.IsStaff() && a.PatientID != p.UserID {
		writeError(c, &appointment.NotFoundError{ID: id}, http.StatusUnprocessableEntity)
		return nil, false
	}
	return a, true
}

func (h *bookingHandler) get(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *bookingHandler) reschedule(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}
	var req service.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	a, err := h.svc.RescheduleAppointment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *bookingHandler) cancel(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}
	a, err := h.svc.CancelAppointment(c.Request.Context(), c.Param("id"))
	if err != nil {
		// cancelling twice is reported as a conflict with the current state
		writeError(c, err, http.StatusConflict)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *bookingHandler) start(c *gin.Context) {
	h.staffTransition(c, h.svc.StartAppointment)
}

func (h *bookingHandler) complete(c *gin.Context) {
	h.staffTransition(c, h.svc.CompleteAppointment)
}

func (h *bookingHandler) staffTransition(c *gin.Context, op func(ctx context.Context, id string) (*appointment.Appointment, error)) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if !p.IsStaff() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only staff can change visit progress"})
		return
	}
	a, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *bookingHandler) calendar(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}
	var q calendarQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	busy, err := h.svc.DoctorCalendar(c.Request.Context(), c.Param("doctorId"), q.From, q.To)
	if err != nil {
		writeError(c, err, http.StatusUnprocessableEntity)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doctorId": c.Param("doctorId"), "from": q.From.UTC(), "to": q.To.UTC(), "busy": busy})
}

// writeError maps domain errors to HTTP responses. illegalStatus is the
// status used for an IllegalStateError, which differs per route.
func writeError(c *gin.Context, err error, illegalStatus int) {
	var (
		ve *appointment.ValidationError
		ce *appointment.ConflictError
		ie *appointment.IllegalStateError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error(), "fields": ve.Fields})
	case errors.Is(err, appointment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &ce):
		body := gin.H{"error": "conflict", "message": ce.Error(), "doctorId": ce.DoctorID, "window": ce.Window}
		if ce.ExistingID != "" {
			body["conflictingId"] = ce.ExistingID
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &ie):
		c.JSON(illegalStatus, gin.H{"error": "illegal_state", "message": ie.Error(), "status": ie.From})
	case errors.Is(err, appointment.ErrTransient):
		logger.Warnf("booking request %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "temporarily unavailable, try again"})
	default:
		logger.Errorf("booking request %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"})
	}
}
