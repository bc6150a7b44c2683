package aws

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/accessdesk/accessdesk/internal/cloud"
)

func TestClassify(t *testing.T) {
	apiErr := func(code string) error {
		return &smithy.GenericAPIError{Code: code, Message: "boom"}
	}

	tests := []struct {
		name      string
		err       error
		satisfied []string
		wantNil   bool
		wantSat   bool
	}{
		{
			name:    "nil error passes through",
			err:     nil,
			wantNil: true,
		},
		{
			name:      "code in the satisfied set",
			err:       apiErr("NoSuchEntity"),
			satisfied: []string{"NoSuchEntity"},
			wantSat:   true,
		},
		{
			name:      "code outside the satisfied set",
			err:       apiErr("AccessDenied"),
			satisfied: []string{"NoSuchEntity"},
		},
		{
			// Detach classifies with no satisfied codes at all: a policy that
			// was never attached is an error on the apply path.
			name: "no satisfied codes",
			err:  apiErr("NoSuchEntity"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("iam.DetachRolePolicy", tt.err, tt.satisfied...)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			var ce *cloud.Error
			if !errors.As(got, &ce) {
				t.Fatalf("expected a classified error, got %v", got)
			}
			if cloud.AlreadySatisfied(got) != tt.wantSat {
				t.Errorf("expected AlreadySatisfied=%v for %v", tt.wantSat, got)
			}
		})
	}
}

func TestClassifyNonAPIError(t *testing.T) {
	got := classify("iam.GetRole", errors.New("connection reset"))
	if cloud.AlreadySatisfied(got) {
		t.Error("plain errors must never read as satisfied")
	}
	var ce *cloud.Error
	if errors.As(got, &ce) {
		t.Errorf("expected an unclassified wrap, got %+v", ce)
	}
}
