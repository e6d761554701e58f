package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"venue_admin", RoleVenueAdmin},
		{" venue_admin ", RoleVenueAdmin},
		{"user", RoleUser},
		{"", RoleUser},
		{"super_admin", RoleUser},
		{"VENUE_ADMIN", RoleUser},
	}
	for _, tt := range tests {
		if got := ParseRole(tt.in); got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVenueStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to VenueStatus
		want     bool
	}{
		{VenueStatusPending, VenueStatusApproved, true},
		{VenueStatusPending, VenueStatusRejected, true},
		{VenueStatusPending, VenueStatusPending, false},
		{VenueStatusApproved, VenueStatusPending, false},
		{VenueStatusApproved, VenueStatusRejected, false},
		{VenueStatusRejected, VenueStatusApproved, false},
		{VenueStatusRejected, VenueStatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestVenueStatus_Valid(t *testing.T) {
	if !VenueStatusApproved.Valid() {
		t.Error("approved should be valid")
	}
	if VenueStatus("archived").Valid() {
		t.Error("archived should be invalid")
	}
}

func TestSession_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("session should not be expired before ExpiresAt")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Error("session should be expired at ExpiresAt")
	}
}

func TestReviewRatingValid(t *testing.T) {
	for _, r := range []int{1, 3, 5} {
		if !ReviewRatingValid(r) {
			t.Errorf("rating %d should be valid", r)
		}
	}
	for _, r := range []int{0, 6, -1} {
		if ReviewRatingValid(r) {
			t.Errorf("rating %d should be invalid", r)
		}
	}
}

func TestAsAPIError_WrappedError(t *testing.T) {
	err := fmt.Errorf("sign in: %w", NewInvalidCredentialsError())

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatal("expected APIError in chain")
	}
	if apiErr.Code != ErrCodeInvalidCredentials {
		t.Errorf("Code = %q, want %q", apiErr.Code, ErrCodeInvalidCredentials)
	}
	if !HasCode(err, ErrCodeInvalidCredentials) {
		t.Error("HasCode should match wrapped code")
	}
	if HasCode(errors.New("plain"), ErrCodeInvalidCredentials) {
		t.Error("HasCode should not match plain error")
	}
}

func TestNewNotPermittedError_Category(t *testing.T) {
	if got := NewNotPermittedError().Category; got != CategoryPolicy {
		t.Errorf("Category = %q, want %q", got, CategoryPolicy)
	}
}
