package authz

// Scope is the breadth of a grant. Scopes form a strict total order; a wider
// scope satisfies any narrower requirement.
type Scope string

const (
	ScopeOwn        Scope = "OWN"
	ScopeDepartment Scope = "DEPARTMENT"
	ScopeSchool     Scope = "SCHOOL"
	ScopeAll        Scope = "ALL"
)

var scopeRank = map[Scope]int{
	ScopeOwn:        1,
	ScopeDepartment: 2,
	ScopeSchool:     3,
	ScopeAll:        4,
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// ScopeSufficient reports whether a held scope satisfies the required one.
// No required scope is always satisfied. An absent or unknown held scope
// never satisfies a requirement (fails closed).
func ScopeSufficient(held, required Scope) bool {
	if required == "" {
		return true
	}
	requiredRank, ok := scopeRank[required]
	if !ok {
		return false
	}
	heldRank, ok := scopeRank[held]
	if !ok {
		return false
	}
	return heldRank >= requiredRank
}
