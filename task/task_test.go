package task

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusClaimed, true},
		{StatusQueued, StatusInProgress, false},
		{StatusQueued, StatusDone, false},
		{StatusClaimed, StatusInProgress, true},
		{StatusClaimed, StatusQueued, true},
		{StatusClaimed, StatusDone, false},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusQueued, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusBlocked, StatusQueued, false},
		{StatusDone, StatusQueued, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCanceled, StatusClaimed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusFailed, StatusCanceled} {
		if !s.Terminal() || s.Held() || !s.Valid() {
			t.Errorf("%s: terminal=%v held=%v valid=%v", s, s.Terminal(), s.Held(), s.Valid())
		}
	}
	for _, s := range []Status{StatusClaimed, StatusInProgress, StatusBlocked} {
		if s.Terminal() || !s.Held() {
			t.Errorf("%s: terminal=%v held=%v", s, s.Terminal(), s.Held())
		}
	}
	if Status("bogus").Valid() {
		t.Error("bogus status reported valid")
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	if err != nil || p != PriorityMedium {
		t.Errorf("empty: %v %v", p, err)
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Error("expected error for critical")
	}
	if PriorityUrgent.Rank() <= PriorityHigh.Rank() || PriorityLow.Rank() >= PriorityMedium.Rank() {
		t.Error("priority ranks out of order")
	}
}
