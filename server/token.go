package server

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"
)

// A TokenDecoder validates and decodes the API keys passed to the server. If
// a key is not valid, for whatever reason, the user "" with a role of
// RoleUnknown is returned. An error is returned only if the lookup itself
// failed and the status of the key is unknown.
type TokenDecoder interface {
	TokenDecode(token string) (user string, role Role, err error)
}

// Role is what a user may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead         // list volumes, filesets, and locks
	RoleWrite        // take and drop locks
	RoleAdmin
)

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "write":
		return RoleWrite
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// NewNobodyDecoder creates a TokenDecoder that for every possible token
// returns a user named "nobody" with the Admin role.
func NewNobodyDecoder() TokenDecoder {
	return nobodyDecoder{}
}

type nobodyDecoder struct{}

func (nobodyDecoder) TokenDecode(token string) (string, Role, error) {
	return "nobody", RoleAdmin, nil
}

// NewListDecoder reads a list of users from r. Each line has the form
//
//	<user name>  <role>  <token>
//
// separated by spaces or tabs. The role is one of "Read", "Write", or
// "Admin" (case insensitive). Blank lines, lines beginning with '#', and
// lines with the wrong number of fields are skipped.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	var users []userEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pieces := strings.Fields(scanner.Text())
		if len(pieces) != 3 || pieces[0][0] == '#' {
			continue
		}
		users = append(users, userEntry{
			token: pieces[2],
			user:  pieces[0],
			role:  atoRole(pieces[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].token < users[j].token })
	return listDecoder(users), nil
}

// NewListDecoderFile reads the user list from the file fname.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

type userEntry struct {
	token string
	user  string
	role  Role
}

// listDecoder is sorted by token.
type listDecoder []userEntry

func (ld listDecoder) TokenDecode(token string) (string, Role, error) {
	i := sort.Search(len(ld), func(i int) bool { return ld[i].token >= token })
	if i < len(ld) && ld[i].token == token {
		return ld[i].user, ld[i].role, nil
	}
	return "", RoleUnknown, nil
}
