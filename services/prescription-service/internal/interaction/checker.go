// Package interaction screens medication lists for known dangerous
// combinations. A hit is a hard failure: the prescription is rejected, not
// issued with a logged warning.
package interaction

import (
	"strings"

	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
)

type pair struct {
	a, b string
}

// Known dangerous combinations, matched case-insensitively as substrings so
// brand-qualified names ("Aspirin 81mg") still hit.
var dangerousPairs = []pair{
	{"warfarin", "aspirin"},
	{"aspirin", "ibuprofen"},
	{"warfarin", "ibuprofen"},
	{"methotrexate", "ibuprofen"},
	{"lisinopril", "spironolactone"},
	{"sildenafil", "nitroglycerin"},
	{"tramadol", "sertraline"},
	{"clopidogrel", "omeprazole"},
}

type Checker struct{}

func NewChecker() *Checker {
	return &Checker{}
}

// Check screens every unordered pair of medication names and returns
// InteractionWarning naming the first dangerous combination found.
func (c *Checker) Check(meds []model.Medication) error {
	names := make([]string, len(meds))
	for i, m := range meds {
		names[i] = strings.ToLower(m.Name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			for _, p := range dangerousPairs {
				if matches(names[i], names[j], p) {
					return fault.New(fault.InteractionWarning,
						"dangerous interaction between %s and %s", meds[i].Name, meds[j].Name)
				}
			}
		}
	}
	return nil
}

func matches(a, b string, p pair) bool {
	return (strings.Contains(a, p.a) && strings.Contains(b, p.b)) ||
		(strings.Contains(a, p.b) && strings.Contains(b, p.a))
}
