package models

import (
	"errors"
	"testing"
)

var allStatuses = []VideoStatus{
	StatusReadyForProcessing,
	StatusWaitingInQueue,
	StatusProcessing,
	StatusFailedInProcessing,
	StatusReadyToPublish,
	StatusPublished,
	StatusDeleted,
}

func TestCanTransition_Edges(t *testing.T) {
	t.Parallel()

	allowed := map[[2]VideoStatus]bool{
		{StatusReadyForProcessing, StatusWaitingInQueue}: true,
		{StatusWaitingInQueue, StatusProcessing}:         true,
		{StatusProcessing, StatusReadyToPublish}:         true,
		{StatusProcessing, StatusFailedInProcessing}:     true,
		{StatusReadyToPublish, StatusPublished}:          true,
	}
	for _, from := range allStatuses {
		if from != StatusDeleted {
			allowed[[2]VideoStatus{from, StatusDeleted}] = true
		}
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]VideoStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_DeletedIsTerminal(t *testing.T) {
	t.Parallel()

	for _, to := range allStatuses {
		if CanTransition(StatusDeleted, to) {
			t.Errorf("Deleted must be terminal, but -> %q is allowed", to)
		}
	}
}

func TestCanTransition_PublishOnlyFromReadyToPublish(t *testing.T) {
	t.Parallel()

	for _, from := range allStatuses {
		if CanTransition(from, StatusPublished) != (from == StatusReadyToPublish) {
			t.Errorf("unexpected publish rule from %q", from)
		}
	}
}

func TestCheckTransition_UnknownStatus(t *testing.T) {
	t.Parallel()

	err := CheckTransition("Archived", StatusDeleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if StatusDeleted.AcceptsCaptionMerge() || !StatusPublished.AcceptsCaptionMerge() {
		t.Fatal("caption merge acceptance is wrong")
	}
}
