package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKindValid(t *testing.T) {
	for _, kind := range []SessionKind{
		KindRecovery, KindTransfer, KindScreenUnlock, KindSystemRepair,
		KindDataEraser, KindFRPBypass, KindICloudBypass,
	} {
		assert.True(t, kind.Valid(), "kind %s", kind)
	}

	assert.False(t, SessionKind("").Valid())
	assert.False(t, SessionKind("jailbreak").Valid())
}

func TestStatusClassification(t *testing.T) {
	for _, status := range []SessionStatus{StatusPending, StatusRunning, StatusPaused} {
		assert.True(t, status.IsActive(), "status %s", status)
		assert.False(t, status.IsTerminal(), "status %s", status)
	}
	for _, status := range []SessionStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, status.IsTerminal(), "status %s", status)
		assert.False(t, status.IsActive(), "status %s", status)
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[SessionStatus][]SessionStatus{
		StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
		StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
		StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	}

	all := []SessionStatus{
		StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled,
	}

	for from, targets := range allowed {
		ok := make(map[SessionStatus]bool)
		for _, to := range targets {
			ok[to] = true
		}
		for _, to := range all {
			assert.Equal(t, ok[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	// Terminal statuses never transition anywhere
	for _, from := range []SessionStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}
