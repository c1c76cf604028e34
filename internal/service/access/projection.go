package access

import (
	"strings"

	"github.com/jwalitptl/consent-api/internal/model"
)

// project copies the in-scope attributes of the patient's record. An in-scope attribute
// with no stored value is present with its placeholder; an out-of-scope attribute is
// absent.
func (s *Service) project(patient *model.User, scope model.Scope) model.Projection {
	data := make(model.Projection, len(scope))
	for _, attr := range scope {
		switch attr {
		case model.AttrMedicalHistory:
			data[string(attr)] = orPlaceholder(patient.MedicalHistory, s.cfg.MedicalHistoryPlaceholder)
		case model.AttrPrescriptions:
			data[string(attr)] = list(patient.Prescriptions)
		case model.AttrAllergies:
			data[string(attr)] = list(patient.Emergency.Allergies)
		case model.AttrCurrentMedications:
			data[string(attr)] = list(patient.Emergency.CurrentMedications)
		case model.AttrBloodGroup:
			data[string(attr)] = orPlaceholder(patient.Emergency.BloodGroup, s.cfg.BloodGroupPlaceholder)
		}
	}
	return data
}

func orPlaceholder(value, placeholder string) string {
	if strings.TrimSpace(value) == "" {
		return placeholder
	}
	return value
}

func list(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	return out
}
