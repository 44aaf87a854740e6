package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -----------------------------
// Helper functions
// -----------------------------

func jsonError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// getUserIDFromContext expects AuthMiddleware to set "user_id" (uint) in context.
// If not present -> unauthorized.
func getUserIDFromContext(c *gin.Context) (uint, bool) {
	uid, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	switch v := uid.(type) {
	case uint:
		return v, true
	case int:
		return uint(v), true
	case float64:
		return uint(v), true
	default:
		return 0, false
	}
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id64, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id64), true
}

// parseEventTime accepts RFC3339 or "YYYY-MM-DD"
func parseEventTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

// -----------------------------
// Events (public)
// -----------------------------

func ListEvents(c *gin.Context) {
	var events []Event
	if err := DB.Order("event_date asc").Find(&events).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, withStatuses(events, time.Now()))
}

func ListUpcomingEvents(c *gin.Context) {
	var events []Event
	now := time.Now()
	if err := DB.Where("event_date >= ?", now).Order("event_date asc").Find(&events).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, withStatuses(events, now))
}

func ListPastEvents(c *gin.Context) {
	var events []Event
	now := time.Now()
	if err := DB.Where("event_date < ?", now).Order("event_date desc").Find(&events).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, withStatuses(events, now))
}

func GetEvent(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var ev Event
	if err := DB.First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "event not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, withStatus(ev, time.Now()))
}

func GetRegistrationCount(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var count int64
	if err := DB.Model(&Registration{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "count": count})
}

// -----------------------------
// Registration (public entry point)
// -----------------------------

func RegisterForEvent(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	reg, err := AttemptRegister(c.Request.Context(), DB, eventID, &req)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
		case errors.Is(err, ErrEventNotFound):
			jsonError(c, http.StatusNotFound, "event not found")
		case errors.Is(err, ErrRegistrationClosed):
			jsonError(c, http.StatusForbidden, "Registration is currently closed for this event")
		case errors.Is(err, ErrDeadlinePassed):
			jsonError(c, http.StatusForbidden, "The registration deadline has passed")
		case errors.Is(err, ErrCapacityExceeded):
			jsonError(c, http.StatusConflict, "This event has reached its maximum capacity")
		case errors.Is(err, ErrDuplicateRegistration):
			jsonError(c, http.StatusConflict, "You have already registered for this event")
		case errors.Is(err, ErrStoreUnavailable):
			logger.Error("registration store unavailable",
				zap.Uint("event_id", eventID),
				zap.Error(err))
			jsonError(c, http.StatusServiceUnavailable, "Registration could not be processed, please try again")
		default:
			logger.Error("registration failed",
				zap.Uint("event_id", eventID),
				zap.Error(err))
			jsonError(c, http.StatusInternalServerError, "Failed to register for this event. Please try again.")
		}
		return
	}

	c.JSON(http.StatusCreated, reg)
}

// -----------------------------
// Events (admin)
// -----------------------------

type EventRequest struct {
	Title                string `json:"title" binding:"required,min=3,max=200"`
	Description          string `json:"description" binding:"omitempty,max=2000"`
	EventType            string `json:"event_type" binding:"required,oneof=symposium workshop contest seminar hackathon other"`
	EventDate            string `json:"event_date" binding:"required"`
	RegistrationDeadline string `json:"registration_deadline" binding:"required"`
	Venue                string `json:"venue" binding:"omitempty,max=200"`
	MaxParticipants      *int   `json:"max_participants" binding:"omitempty,gt=0"`
	RegistrationOpen     bool   `json:"registration_open"`
	PosterURL            string `json:"poster_url" binding:"omitempty,url"`
}

func (r *EventRequest) apply(ev *Event) error {
	eventDate, err := parseEventTime(r.EventDate)
	if err != nil {
		return errors.New("invalid event_date format (use RFC3339 or YYYY-MM-DD)")
	}
	deadline, err := parseEventTime(r.RegistrationDeadline)
	if err != nil {
		return errors.New("invalid registration_deadline format (use RFC3339 or YYYY-MM-DD)")
	}

	ev.Title = strings.TrimSpace(r.Title)
	ev.Description = optional(r.Description)
	ev.EventType = r.EventType
	ev.EventDate = eventDate
	ev.RegistrationDeadline = deadline
	ev.Venue = optional(r.Venue)
	ev.MaxParticipants = r.MaxParticipants
	ev.RegistrationOpen = r.RegistrationOpen
	ev.PosterURL = optional(r.PosterURL)
	return nil
}

func CreateEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body EventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var ev Event
	if err := body.apply(&ev); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}
	ev.CreatedBy = &userID

	if err := DB.Create(&ev).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "could not create event: "+err.Error())
		return
	}

	logger.Info("event created",
		zap.Uint("event_id", ev.ID),
		zap.String("title", ev.Title),
		zap.Uint("created_by", userID))

	c.JSON(http.StatusCreated, withStatus(ev, time.Now()))
}

func UpdateEvent(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var body EventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var ev Event
	if err := DB.First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "event not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	// Full field replace; created_by and timestamps are preserved.
	if err := body.apply(&ev); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := DB.Save(&ev).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "could not update event: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, withStatus(ev, time.Now()))
}

type ToggleRegistrationRequest struct {
	RegistrationOpen *bool `json:"registration_open" binding:"required"`
}

// ToggleRegistration flips the open flag. Once this commits, admission
// attempts starting afterward observe the new flag inside their own
// transaction, so a close cannot be outrun by a later-starting attempt.
func ToggleRegistration(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var body ToggleRegistrationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var ev Event
	if err := DB.First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "event not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	if err := DB.Model(&ev).Update("registration_open", *body.RegistrationOpen).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "could not update event: "+err.Error())
		return
	}

	logger.Info("registration toggled",
		zap.Uint("event_id", ev.ID),
		zap.Bool("registration_open", *body.RegistrationOpen))

	c.JSON(http.StatusOK, withStatus(ev, time.Now()))
}

func DeleteEvent(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var ev Event
	if err := DB.First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "event not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	// Delete registrations and the event in one transaction so no
	// registration row with a dangling event_id can survive.
	if err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", ev.ID).Delete(&Registration{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Event{}, ev.ID).Error
	}); err != nil {
		jsonError(c, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}

	logger.Info("event deleted", zap.Uint("event_id", ev.ID))
	c.JSON(http.StatusOK, gin.H{"message": "event deleted"})
}

// -----------------------------
// Admin dashboard
// -----------------------------

type AdminEventView struct {
	EventView
	RegistrationCount int64 `json:"registration_count"`
}

// ListEventsWithCounts returns every event with its registration count,
// aggregated in one query rather than a count per event.
func ListEventsWithCounts(c *gin.Context) {
	var events []Event
	if err := DB.Order("event_date desc").Find(&events).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	type countRow struct {
		EventID uint
		Total   int64
	}
	var rows []countRow
	if err := DB.Model(&Registration{}).
		Select("event_id, count(*) as total").
		Group("event_id").
		Scan(&rows).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	counts := make(map[uint]int64, len(rows))
	for _, row := range rows {
		counts[row.EventID] = row.Total
	}

	now := time.Now()
	views := make([]AdminEventView, len(events))
	for i, ev := range events {
		views[i] = AdminEventView{
			EventView:         withStatus(ev, now),
			RegistrationCount: counts[ev.ID],
		}
	}

	c.JSON(http.StatusOK, views)
}

// -----------------------------
// Registrations (admin)
// -----------------------------

func ListRegistrations(c *gin.Context) {
	eventID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var ev Event
	if err := DB.First(&ev, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "event not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	var regs []Registration
	if err := DB.Where("event_id = ?", eventID).Order("created_at desc").Find(&regs).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, regs)
}

func DeleteRegistration(c *gin.Context) {
	regID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var reg Registration
	if err := DB.First(&reg, regID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "registration not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "db error: "+err.Error())
		return
	}

	if err := DB.Delete(&Registration{}, reg.ID).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "registration deleted"})
}
