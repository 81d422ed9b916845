package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeSufficient(t *testing.T) {
	cases := []struct {
		name     string
		held     Scope
		required Scope
		want     bool
	}{
		{"own satisfies own", ScopeOwn, ScopeOwn, true},
		{"department satisfies own", ScopeDepartment, ScopeOwn, true},
		{"own does not satisfy department", ScopeOwn, ScopeDepartment, false},
		{"school does not satisfy all", ScopeSchool, ScopeAll, false},
		{"no requirement always satisfied", "", "", true},
		{"no requirement with held scope", ScopeOwn, "", true},
		{"absent held scope fails closed", "", ScopeOwn, false},
		{"unknown held scope fails closed", Scope("GALAXY"), ScopeOwn, false},
		{"unknown required scope fails closed", ScopeAll, Scope("GALAXY"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ScopeSufficient(tc.held, tc.required))
		})
	}
}

func TestScopeOrderProperties(t *testing.T) {
	scopes := []Scope{ScopeOwn, ScopeDepartment, ScopeSchool, ScopeAll}
	for _, s := range scopes {
		assert.True(t, ScopeSufficient(s, s), "scope %s must satisfy itself", s)
		assert.True(t, ScopeSufficient(ScopeAll, s), "ALL must satisfy %s", s)
	}
}

func TestScopeValid(t *testing.T) {
	assert.True(t, ScopeSchool.Valid())
	assert.False(t, Scope("").Valid())
	assert.False(t, Scope("EVERYTHING").Valid())
}
