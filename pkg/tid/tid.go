// Package tid parses and builds thread identifiers: opaque strings of the
// form "<platform>:<owner>/<repo>#<kind>:<number>" that every outbound
// operation targets. The "<platform>:<owner>/<repo>" prefix is the
// serialization key the dispatch queue schedules work under.
package tid

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes an issue thread from a pull-request thread.
type Kind string

const (
	KindIssue Kind = "issue"
	KindPR    Kind = "pr"
)

// TID is a parsed thread identifier.
type TID struct {
	Platform string
	Owner    string
	Repo     string
	Kind     Kind
	Number   int
}

// Prefix returns the repository-level serialization key: "<platform>:<owner>/<repo>".
func (t TID) Prefix() string {
	return t.Platform + ":" + t.Owner + "/" + t.Repo
}

// String renders the canonical form.
func (t TID) String() string {
	return fmt.Sprintf("%s#%s:%d", t.Prefix(), t.Kind, t.Number)
}

// New builds a TID for an issue or pull request on owner/repo.
func New(platform, owner, repo string, kind Kind, number int) TID {
	return TID{Platform: platform, Owner: owner, Repo: repo, Kind: kind, Number: number}
}

// Parse decodes a serialized TID, rejecting anything that does not round-trip.
func Parse(s string) (TID, error) {
	platformAndRest := strings.SplitN(s, ":", 2)
	if len(platformAndRest) != 2 {
		return TID{}, fmt.Errorf("tid %q: missing platform separator", s)
	}
	platform := platformAndRest[0]

	ownerRepoAndKind := strings.SplitN(platformAndRest[1], "#", 2)
	if len(ownerRepoAndKind) != 2 {
		return TID{}, fmt.Errorf("tid %q: missing thread separator", s)
	}

	ownerRepo := strings.SplitN(ownerRepoAndKind[0], "/", 2)
	if len(ownerRepo) != 2 || ownerRepo[0] == "" || ownerRepo[1] == "" {
		return TID{}, fmt.Errorf("tid %q: malformed owner/repo", s)
	}

	kindAndNumber := strings.SplitN(ownerRepoAndKind[1], ":", 2)
	if len(kindAndNumber) != 2 {
		return TID{}, fmt.Errorf("tid %q: malformed kind:number", s)
	}
	kind := Kind(kindAndNumber[0])
	if kind != KindIssue && kind != KindPR {
		return TID{}, fmt.Errorf("tid %q: unknown kind %q", s, kindAndNumber[0])
	}
	number, err := strconv.Atoi(kindAndNumber[1])
	if err != nil {
		return TID{}, fmt.Errorf("tid %q: malformed number: %w", s, err)
	}

	return TID{Platform: platform, Owner: ownerRepo[0], Repo: ownerRepo[1], Kind: kind, Number: number}, nil
}

// PrefixOf extracts the repository-level serialization key from a serialized TID.
func PrefixOf(s string) (string, error) {
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return t.Prefix(), nil
}
