package model

import (
	"errors"
	"testing"
)

func TestCanTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusCancelled},
		{StatusConfirmed, StatusCompleted},
		{StatusConfirmed, StatusCancelled},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusConfirmed, StatusPending},
		{StatusCompleted, StatusConfirmed},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusConfirmed},
		{StatusInProgress, StatusCompleted},
		{StatusPending, StatusPending},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be denied", c.from, c.to)
		}
	}
}

func TestTransitionLeavesStatusUnchangedOnFailure(t *testing.T) {
	for _, from := range []Status{StatusConfirmed, StatusCompleted, StatusCancelled} {
		appt := Appointment{ID: "a1", Status: from}
		err := appt.Transition(StatusConfirmed)
		if err == nil {
			t.Fatalf("confirming from %s should fail", from)
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("expected *InvalidTransitionError, got %T", err)
		}
		if ite.From != from || ite.To != StatusConfirmed {
			t.Fatalf("error names wrong pair: %s -> %s", ite.From, ite.To)
		}
		if appt.Status != from {
			t.Fatalf("status mutated to %s on failed transition", appt.Status)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, target := range AllStatuses {
			if CanTransition(s, target) {
				t.Errorf("terminal %s must have no outgoing transition (got %s)", s, target)
			}
		}
	}
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOverrideStatus(t *testing.T) {
	appt := Appointment{Status: StatusPending}
	if err := appt.OverrideStatus(StatusInProgress); err != nil {
		t.Fatalf("non-terminal override rejected: %v", err)
	}
	if appt.Status != StatusInProgress {
		t.Fatalf("override did not apply, status %s", appt.Status)
	}

	// Terminal on either end is refused.
	if err := appt.OverrideStatus(StatusCompleted); err == nil {
		t.Fatal("override into a terminal state should fail")
	}
	done := Appointment{Status: StatusCancelled}
	if err := done.OverrideStatus(StatusPending); err == nil {
		t.Fatal("override out of a terminal state should fail")
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("CONFIRMED"); !ok || s != StatusConfirmed {
		t.Fatalf("ParseStatus(CONFIRMED) = %s, %v", s, ok)
	}
	if _, ok := ParseStatus("BOOKED"); ok {
		t.Fatal("unknown status should not parse")
	}
}
