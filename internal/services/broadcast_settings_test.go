package services

import (
	"testing"
	"time"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/domain"
)

func scheduleService(min time.Duration) *BroadcastSettingsService {
	return NewBroadcastSettingsService(nil, nil, min)
}

func TestValidateSchedule_Cron(t *testing.T) {
	s := scheduleService(24 * time.Hour)

	// Daily at 09:00 fires exactly 24h apart.
	if err := s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "cron", Schedule: "0 9 * * *", Timezone: "UTC",
	}); err != nil {
		t.Fatalf("daily cron rejected: %v", err)
	}

	err := s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "cron", Schedule: "*/5 * * * *",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("five-minute cron: %v", err)
	}

	err = s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "cron", Schedule: "not a cron",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("garbage cron: %v", err)
	}
}

func TestValidateSchedule_Epoch(t *testing.T) {
	s := scheduleService(24 * time.Hour)

	if err := s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "epoch", Schedule: " 1767225600 ",
	}); err != nil {
		t.Fatalf("epoch rejected: %v", err)
	}

	err := s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "epoch", Schedule: "tomorrow",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("non-numeric epoch: %v", err)
	}
}

func TestValidateSchedule_TimezoneAndType(t *testing.T) {
	s := scheduleService(24 * time.Hour)

	err := s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "epoch", Schedule: "1767225600", Timezone: "Mars/Olympus",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad timezone: %v", err)
	}

	err = s.validateSchedule(&domain.SchedulerConfiguration{
		ExpressionType: "interval", Schedule: "10",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad expression type: %v", err)
	}
}
