package validator

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/consent-api/internal/model"
)

// BloodGroups are the accepted ABO/Rh spellings.
var BloodGroups = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}

// Register adds the domain validation tags to v.
func Register(v *validator.Validate) error {
	if err := v.RegisterValidation("scope_item", validateScopeItem); err != nil {
		return err
	}
	return v.RegisterValidation("blood_group", validateBloodGroup)
}

func validateScopeItem(fl validator.FieldLevel) bool {
	_, ok := model.ParseAttribute(fl.Field().String())
	return ok
}

// validateBloodGroup accepts an empty value so a patient can clear the field.
func validateBloodGroup(fl validator.FieldLevel) bool {
	return IsBloodGroup(fl.Field().String())
}

func IsBloodGroup(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return true
	}
	for _, g := range BloodGroups {
		if g == s {
			return true
		}
	}
	return false
}

// New returns a validator with the domain tags registered and gin's "binding" tag name.
func New() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	if err := Register(v); err != nil {
		panic(err)
	}
	return v
}
