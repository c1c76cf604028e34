package model

// Attribute names a shareable category of patient data.
type Attribute string

const (
	AttrMedicalHistory     Attribute = "medical_history"
	AttrPrescriptions      Attribute = "prescriptions"
	AttrAllergies          Attribute = "allergies"
	AttrCurrentMedications Attribute = "current_medications"
	AttrBloodGroup         Attribute = "blood_group"
)

// AllAttributes is the full attribute set in canonical order. Projections, scopes and
// audit entries are always emitted in this order.
var AllAttributes = []Attribute{
	AttrMedicalHistory,
	AttrPrescriptions,
	AttrAllergies,
	AttrCurrentMedications,
	AttrBloodGroup,
}

// ParseAttribute reports whether s names a known attribute.
func ParseAttribute(s string) (Attribute, bool) {
	for _, a := range AllAttributes {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Scope is a set of attributes kept in canonical order without duplicates.
type Scope []Attribute

// FullScope returns a fresh copy of every attribute.
func FullScope() Scope {
	s := make(Scope, len(AllAttributes))
	copy(s, AllAttributes)
	return s
}

// ParseScope normalizes raw scope names. Unknown names are returned separately so the
// caller can reject the request with all offending values at once.
func ParseScope(items []string) (Scope, []string) {
	seen := make(map[Attribute]bool, len(items))
	var invalid []string
	for _, item := range items {
		a, ok := ParseAttribute(item)
		if !ok {
			invalid = append(invalid, item)
			continue
		}
		seen[a] = true
	}
	return scopeFromSet(seen), invalid
}

// Contains reports whether a is in the scope.
func (s Scope) Contains(a Attribute) bool {
	for _, x := range s {
		if x == a {
			return true
		}
	}
	return false
}

// Union merges scopes, keeping canonical order.
func (s Scope) Union(others ...Scope) Scope {
	seen := make(map[Attribute]bool)
	for _, a := range s {
		seen[a] = true
	}
	for _, o := range others {
		for _, a := range o {
			seen[a] = true
		}
	}
	return scopeFromSet(seen)
}

// Strings returns the attribute names.
func (s Scope) Strings() []string {
	out := make([]string, len(s))
	for i, a := range s {
		out[i] = string(a)
	}
	return out
}

func scopeFromSet(set map[Attribute]bool) Scope {
	out := make(Scope, 0, len(set))
	for _, a := range AllAttributes {
		if set[a] {
			out = append(out, a)
		}
	}
	return out
}
