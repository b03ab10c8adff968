package interaction

import (
	"strings"
	"testing"

	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
)

func meds(names ...string) []model.Medication {
	out := make([]model.Medication, len(names))
	for i, n := range names {
		out[i] = model.Medication{Name: n, Dosage: "1 tablet", Frequency: "daily", DurationDays: 7}
	}
	return out
}

func TestCheck(t *testing.T) {
	checker := NewChecker()

	tests := []struct {
		name    string
		meds    []model.Medication
		wantHit bool
	}{
		{"empty list", nil, false},
		{"single medication", meds("Warfarin"), false},
		{"safe pair", meds("Amoxicillin", "Paracetamol"), false},
		{"warfarin with aspirin", meds("Warfarin", "Aspirin"), true},
		{"order does not matter", meds("Aspirin", "Warfarin"), true},
		{"case insensitive", meds("WARFARIN", "aspirin"), true},
		{"substring match on qualified names", meds("Aspirin 81mg", "Ibuprofen 400mg"), true},
		{"dangerous pair buried in longer list", meds("Paracetamol", "Sildenafil", "Nitroglycerin"), true},
		{"same drug twice is not an interaction", meds("Aspirin", "Aspirin"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checker.Check(tc.meds)
			if tc.wantHit && fault.KindOf(err) != fault.InteractionWarning {
				t.Fatalf("got %v, want InteractionWarning", err)
			}
			if !tc.wantHit && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckNamesBothDrugs(t *testing.T) {
	err := NewChecker().Check(meds("Warfarin", "Aspirin"))
	if err == nil {
		t.Fatal("expected an interaction")
	}
	msg := err.Error()
	for _, want := range []string{"Warfarin", "Aspirin"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not name %s", msg, want)
		}
	}
}
