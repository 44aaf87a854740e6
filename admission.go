package main

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Admission outcomes. Every rejection is a decision reported to the caller,
// never a crash; only ErrStoreUnavailable is safe to retry.
var (
	ErrEventNotFound         = errors.New("event not found")
	ErrRegistrationClosed    = errors.New("registration is closed")
	ErrDeadlinePassed        = errors.New("registration deadline has passed")
	ErrCapacityExceeded      = errors.New("event has reached maximum capacity")
	ErrDuplicateRegistration = errors.New("student already registered for this event")
	ErrStoreUnavailable      = errors.New("store unavailable")
)

// ValidationError reports a malformed candidate field, detected before any
// admission logic runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store calls inside one admission decision must not block indefinitely.
const admissionTimeout = 5 * time.Second

// RegistrationRequest is the candidate payload submitted by a student.
type RegistrationRequest struct {
	StudentName       string `json:"student_name" binding:"required,min=2,max=100"`
	StudentEmail      string `json:"student_email" binding:"required,email,max=255"`
	StudentRollNumber string `json:"student_roll_number" binding:"required,min=1,max=50"`
	StudentPhone      string `json:"student_phone" binding:"omitempty,max=20"`
	Department        string `json:"department" binding:"omitempty,max=100"`
	YearOfStudy       string `json:"year_of_study" binding:"omitempty,max=32"`
}

func (r *RegistrationRequest) validate() error {
	name := strings.TrimSpace(r.StudentName)
	if len(name) < 2 || len(name) > 100 {
		return &ValidationError{Field: "student_name", Reason: "must be 2-100 characters"}
	}
	if len(r.StudentEmail) > 255 {
		return &ValidationError{Field: "student_email", Reason: "must be at most 255 characters"}
	}
	if _, err := mail.ParseAddress(r.StudentEmail); err != nil {
		return &ValidationError{Field: "student_email", Reason: "must be a valid email address"}
	}
	roll := strings.TrimSpace(r.StudentRollNumber)
	if len(roll) < 1 || len(roll) > 50 {
		return &ValidationError{Field: "student_roll_number", Reason: "must be 1-50 characters"}
	}
	if len(r.StudentPhone) > 20 {
		return &ValidationError{Field: "student_phone", Reason: "must be at most 20 characters"}
	}
	if len(r.Department) > 100 {
		return &ValidationError{Field: "department", Reason: "must be at most 100 characters"}
	}
	return nil
}

// toRegistration builds the row for an event. Absent optional fields become
// NULLs here; the empty-string coercion belongs to the form layer, not the
// model.
func (r *RegistrationRequest) toRegistration(eventID uint) *Registration {
	return &Registration{
		EventID:           eventID,
		StudentName:       strings.TrimSpace(r.StudentName),
		StudentEmail:      strings.TrimSpace(r.StudentEmail),
		StudentRollNumber: strings.TrimSpace(r.StudentRollNumber),
		StudentPhone:      optional(r.StudentPhone),
		Department:        optional(r.Department),
		YearOfStudy:       optional(r.YearOfStudy),
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// admissionLocks serializes admission attempts per event. The capacity count
// and the insert must act as one atomic unit for a given event; the keyed
// mutex gives that guarantee on any SQL backend, and the unique index still
// backstops duplicates even without it.
var admissionLocks sync.Map // event id -> *sync.Mutex

func admissionLock(eventID uint) *sync.Mutex {
	mu, _ := admissionLocks.LoadOrStore(eventID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// AttemptRegister decides a single registration attempt against a single
// event and commits it atomically on success. On any rejection no row is
// written and the event is never mutated.
func AttemptRegister(ctx context.Context, db *gorm.DB, eventID uint, req *RegistrationRequest) (*Registration, error) {
	return attemptRegisterAt(ctx, db, eventID, req, time.Now())
}

func attemptRegisterAt(ctx context.Context, db *gorm.DB, eventID uint, req *RegistrationRequest, now time.Time) (*Registration, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	mu := admissionLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, admissionTimeout)
	defer cancel()

	var reg *Registration
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev Event
		if err := tx.First(&ev, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return storeError(err)
		}

		if !ev.RegistrationOpen {
			return ErrRegistrationClosed
		}
		if now.After(ev.RegistrationDeadline) {
			return ErrDeadlinePassed
		}
		// event_date is deliberately not checked: an event keeps admitting
		// after it has happened as long as the deadline has not passed.

		if ev.MaxParticipants != nil {
			var count int64
			if err := tx.Model(&Registration{}).Where("event_id = ?", ev.ID).Count(&count).Error; err != nil {
				return storeError(err)
			}
			if count >= int64(*ev.MaxParticipants) {
				return ErrCapacityExceeded
			}
		}

		r := req.toRegistration(ev.ID)
		if err := tx.Create(r).Error; err != nil {
			// A constraint violation means another attempt already won the
			// (event, roll number) slot. That is a decision, not a fault.
			if isUniqueViolation(err) {
				return ErrDuplicateRegistration
			}
			return storeError(err)
		}
		reg = r
		return nil
	})
	if err != nil {
		// Cancellation or timeout can also surface from Begin/Commit, outside
		// the callback. Either way the transaction rolled back: no partial
		// state, safe to retry.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, storeError(err)
		}
		return nil, err
	}
	return reg, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "23505")
}

func storeError(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
