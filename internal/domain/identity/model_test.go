package identity

import (
	"testing"

	"github.com/google/uuid"
)

func TestStatus_Valid(t *testing.T) {
	valid := []Status{StatusActive, StatusInactive, StatusDuplicate, StatusDeleted}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("MERGED").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestVerificationLevel_Valid(t *testing.T) {
	valid := []VerificationLevel{VerificationUnverified, VerificationRequired, VerificationVerified}
	for _, v := range valid {
		if !v.Valid() {
			t.Errorf("expected %s to be valid", v)
		}
	}
	if VerificationLevel("PENDING").Valid() {
		t.Error("expected unknown level to be invalid")
	}
}

func TestIdentity_ActiveRecord(t *testing.T) {
	i := &Identity{Status: StatusActive}
	if !i.ActiveRecord() {
		t.Error("expected ACTIVE record to be active")
	}
	i.Status = StatusDeleted
	if i.ActiveRecord() {
		t.Error("expected DELETED record to be inactive")
	}
	// DUPLICATE rows stay readable; only DELETED leaves the active view.
	i.Status = StatusDuplicate
	if !i.ActiveRecord() {
		t.Error("expected DUPLICATE record to stay in the active view")
	}
}

func TestIdentity_CheckLinkInvariants(t *testing.T) {
	master := uuid.New()
	mk := func(s Status, isMaster bool, masterID *uuid.UUID) Identity {
		return Identity{Status: s, Verification: VerificationUnverified, IsMaster: isMaster, MasterID: masterID}
	}

	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"active master", mk(StatusActive, true, nil), false},
		{"duplicate with master", mk(StatusDuplicate, false, &master), false},
		{"duplicate without master", mk(StatusDuplicate, false, nil), true},
		{"active with master link", mk(StatusActive, true, &master), true},
		{"master flagged duplicate", mk(StatusDuplicate, true, &master), true},
		{"unknown verification", Identity{Status: StatusActive, IsMaster: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.CheckLinkInvariants()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckLinkInvariants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
