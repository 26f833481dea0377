package server

import (
	"strings"
	"testing"
)

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"mdonly", RoleUnknown},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}

func TestListDecoder(t *testing.T) {
	const users = `
# user   role   token
alice    Read   1234
bob      write  abcd
carol    admin
dave     Admin  zzzz	extra
`
	ld, err := NewListDecoder(strings.NewReader(users))
	if err != nil {
		t.Fatalf("NewListDecoder() == %s, expected nil", err)
	}
	var table = []struct {
		token string
		user  string
		role  Role
	}{
		{"1234", "alice", RoleRead},
		{"abcd", "bob", RoleWrite},
		{"zzzz", "", RoleUnknown},
		{"", "", RoleUnknown},
		{"token", "", RoleUnknown},
	}
	for _, row := range table {
		user, role, err := ld.TokenDecode(row.token)
		if err != nil {
			t.Fatalf("TokenDecode(%q) == %s, expected nil", row.token, err)
		}
		if user != row.user || role != row.role {
			t.Errorf("TokenDecode(%q) == (%q, %v), expected (%q, %v)",
				row.token, user, role, row.user, row.role)
		}
	}
}
