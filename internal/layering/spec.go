// Package layering turns a layering spec into a diff against a base
// image. All package-manager knowledge ends here: the composer only ever
// sees tree.Diff values.
package layering

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/pkgmgr"
)

var ErrNotLayered = errors.New("not a layered package")

// Spec is the ordered list of package requests layered on a base. The
// order is what the user asked for and is kept for display only.
type Spec struct {
	Requests []pkgmgr.Request
}

// ParseSpec parses package requests such as "vim" or "glibc>=2.39".
func ParseSpec(ss []string) (Spec, error) {
	reqs, err := pkgmgr.ParseRequests(ss)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Requests: reqs}, nil
}

func (s Spec) IsEmpty() bool { return len(s.Requests) == 0 }

// Strings renders the requests in their original order.
func (s Spec) Strings() []string {
	out := make([]string, len(s.Requests))
	for i, r := range s.Requests {
		out[i] = r.String()
	}
	return out
}

func (s Spec) String() string { return strings.Join(s.Strings(), " ") }

// Names returns the requested package names in order.
func (s Spec) Names() []string {
	out := make([]string, len(s.Requests))
	for i, r := range s.Requests {
		out[i] = r.Name
	}
	return out
}

// With adds requests not already present and returns the ones that
// changed the spec. A request for a layered name with a different
// constraint replaces the old one.
func (s Spec) With(reqs ...pkgmgr.Request) (Spec, []pkgmgr.Request) {
	out := Spec{Requests: slices.Clone(s.Requests)}
	var changed []pkgmgr.Request

	for _, r := range reqs {
		i := slices.IndexFunc(out.Requests, func(have pkgmgr.Request) bool { return have.Name == r.Name })
		switch {
		case i == -1:
			out.Requests = append(out.Requests, r)
			changed = append(changed, r)
		case out.Requests[i] != r:
			out.Requests[i] = r
			changed = append(changed, r)
		}
	}
	return out, changed
}

// Without removes the named packages. Every name must be layered.
func (s Spec) Without(names ...string) (Spec, error) {
	out := Spec{Requests: slices.Clone(s.Requests)}
	for _, name := range names {
		i := slices.IndexFunc(out.Requests, func(r pkgmgr.Request) bool { return r.Name == name })
		if i == -1 {
			return Spec{}, fmt.Errorf("cannot remove %q: %w", name, ErrNotLayered)
		}
		out.Requests = slices.Delete(out.Requests, i, i+1)
	}
	return out, nil
}

// PackageStrings renders a resolved set as sorted name=version strings.
func PackageStrings(pkgs []pkgmgr.Package) []string {
	sorted := slices.Clone(pkgs)
	pkgmgr.SortPackages(sorted)

	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = p.String()
	}
	return out
}

// Checksum identifies a resolved package set. Two specs are equal
// exactly when their resolved sets have the same checksum.
func Checksum(algo digest.Algorithm, pkgs []pkgmgr.Package) string {
	lines := PackageStrings(pkgs)
	return algo.FromBytes([]byte(strings.Join(lines, "\n") + "\n")).String()
}

// Equal compares two resolved package sets regardless of order.
func Equal(a, b []pkgmgr.Package) bool {
	return slices.Equal(PackageStrings(a), PackageStrings(b))
}
