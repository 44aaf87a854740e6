package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRegisterSuccess(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)
	ctx := context.Background()

	reg, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.NoError(t, err)
	require.NotZero(t, reg.ID)
	assert.Equal(t, ev.ID, reg.EventID)
	assert.Equal(t, "CSE001", reg.StudentRollNumber)
	assert.False(t, reg.CreatedAt.IsZero())
	assert.Nil(t, reg.Department)

	assert.EqualValues(t, 1, countRegistrations(t, db, ev.ID))
}

func TestAttemptRegisterEventNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := AttemptRegister(context.Background(), db, 9999, candidate(1))
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestAttemptRegisterClosed(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.RegistrationOpen = false
	})

	_, err := AttemptRegister(context.Background(), db, ev.ID, candidate(1))
	assert.ErrorIs(t, err, ErrRegistrationClosed)
	assert.EqualValues(t, 0, countRegistrations(t, db, ev.ID))
}

// A closed event that is also past its deadline reports closed: the open flag
// is checked before the deadline.
func TestAttemptRegisterClosedBeforeDeadline(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.RegistrationOpen = false
		ev.RegistrationDeadline = time.Now().Add(-time.Hour)
	})

	_, err := AttemptRegister(context.Background(), db, ev.ID, candidate(1))
	assert.ErrorIs(t, err, ErrRegistrationClosed)
}

func TestAttemptRegisterDeadlinePassed(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.RegistrationDeadline = time.Now().Add(-time.Hour)
	})

	_, err := AttemptRegister(context.Background(), db, ev.ID, candidate(1))
	assert.ErrorIs(t, err, ErrDeadlinePassed)
	assert.EqualValues(t, 0, countRegistrations(t, db, ev.ID))
}

// The event date is not part of the admission decision: an event that already
// happened still admits while the deadline holds.
func TestAttemptRegisterPastEventBeforeDeadline(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.EventDate = time.Now().Add(-2 * time.Hour)
		ev.RegistrationDeadline = time.Now().Add(time.Hour)
	})

	_, err := AttemptRegister(context.Background(), db, ev.ID, candidate(1))
	assert.NoError(t, err)
}

func TestAttemptRegisterCapacityExceeded(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.MaxParticipants = intPtr(1)
	})
	ctx := context.Background()

	_, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.NoError(t, err)

	_, err = AttemptRegister(ctx, db, ev.ID, candidate(2))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.EqualValues(t, 1, countRegistrations(t, db, ev.ID))
}

// Admin lifts the cap, the rejected student retries and gets in.
func TestCapacityLiftedRetrySucceeds(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.MaxParticipants = intPtr(1)
	})
	ctx := context.Background()

	_, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.NoError(t, err)
	_, err = AttemptRegister(ctx, db, ev.ID, candidate(2))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, db.Model(ev).Update("max_participants", nil).Error)

	_, err = AttemptRegister(ctx, db, ev.ID, candidate(2))
	assert.NoError(t, err)
	assert.EqualValues(t, 2, countRegistrations(t, db, ev.ID))
}

func TestDuplicateRegistrationIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)
	ctx := context.Background()

	_, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.NoError(t, err)

	// Same roll number, different everything else.
	dup := candidate(1)
	dup.StudentName = "Same Student Again"
	dup.StudentEmail = "other@example.edu"

	for i := 0; i < 3; i++ {
		_, err = AttemptRegister(ctx, db, ev.ID, dup)
		assert.ErrorIs(t, err, ErrDuplicateRegistration)
	}
	assert.EqualValues(t, 1, countRegistrations(t, db, ev.ID))
}

func TestSameRollDifferentEvents(t *testing.T) {
	db := setupTestDB(t)
	ev1 := createTestEvent(t, db, nil)
	ev2 := createTestEvent(t, db, func(ev *Event) { ev.Title = "Winter Hackathon"; ev.EventType = EventHackathon })
	ctx := context.Background()

	_, err := AttemptRegister(ctx, db, ev1.ID, candidate(1))
	require.NoError(t, err)
	_, err = AttemptRegister(ctx, db, ev2.ID, candidate(1))
	assert.NoError(t, err)
}

func TestAttemptRegisterValidation(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RegistrationRequest)
		field  string
	}{
		{"short name", func(r *RegistrationRequest) { r.StudentName = "A" }, "student_name"},
		{"bad email", func(r *RegistrationRequest) { r.StudentEmail = "not-an-email" }, "student_email"},
		{"empty roll", func(r *RegistrationRequest) { r.StudentRollNumber = "  " }, "student_roll_number"},
		{"long phone", func(r *RegistrationRequest) { r.StudentPhone = "123456789012345678901" }, "student_phone"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := candidate(1)
			tc.mutate(req)

			_, err := AttemptRegister(ctx, db, ev.ID, req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	assert.EqualValues(t, 0, countRegistrations(t, db, ev.ID))
}

// Fire far more concurrent attempts than there are spots and verify no
// oversell: exactly max_participants successes, the rest capacity rejections.
func TestConcurrentCapacityNoOversell(t *testing.T) {
	db := setupTestDB(t)

	capacity := 5
	ev := createTestEvent(t, db, func(ev *Event) {
		ev.MaxParticipants = intPtr(capacity)
	})
	ctx := context.Background()

	attempts := 100
	var success, full, other int32

	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := AttemptRegister(ctx, db, ev.ID, candidate(i))
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
			case errors.Is(err, ErrCapacityExceeded):
				atomic.AddInt32(&full, 1)
			default:
				t.Logf("attempt %d: unexpected error: %v", i, err)
				atomic.AddInt32(&other, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, capacity, success)
	assert.EqualValues(t, attempts-capacity, full)
	assert.Zero(t, other)
	assert.EqualValues(t, capacity, countRegistrations(t, db, ev.ID))
}

// Two identical candidates racing for the same event: exactly one wins.
func TestConcurrentDuplicateOneWinner(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)
	ctx := context.Background()

	pairs := 10
	var success, duplicate int32

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(i int) {
				defer wg.Done()
				req := &RegistrationRequest{
					StudentName:       fmt.Sprintf("Racer %d", i),
					StudentEmail:      fmt.Sprintf("racer%d@example.edu", i),
					StudentRollNumber: fmt.Sprintf("RACE%03d", i),
				}
				_, err := AttemptRegister(ctx, db, ev.ID, req)
				if err == nil {
					atomic.AddInt32(&success, 1)
				} else if errors.Is(err, ErrDuplicateRegistration) {
					atomic.AddInt32(&duplicate, 1)
				} else {
					t.Logf("pair %d: unexpected error: %v", i, err)
				}
			}(i)
		}
	}
	wg.Wait()

	assert.EqualValues(t, pairs, success)
	assert.EqualValues(t, pairs, duplicate)
	assert.EqualValues(t, pairs, countRegistrations(t, db, ev.ID))
}

// Once the close is committed, every later-starting attempt is rejected.
func TestCloseFencesLaterAttempts(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)
	ctx := context.Background()

	_, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.NoError(t, err)

	require.NoError(t, db.Model(ev).Update("registration_open", false).Error)

	for i := 2; i <= 5; i++ {
		_, err := AttemptRegister(ctx, db, ev.ID, candidate(i))
		assert.ErrorIs(t, err, ErrRegistrationClosed)
	}
	assert.EqualValues(t, 1, countRegistrations(t, db, ev.ID))
}

// A cancelled attempt must leave no partial state behind.
func TestCancelledAttemptLeavesNoRow(t *testing.T) {
	db := setupTestDB(t)
	ev := createTestEvent(t, db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AttemptRegister(ctx, db, ev.ID, candidate(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.EqualValues(t, 0, countRegistrations(t, db, ev.ID))
}
