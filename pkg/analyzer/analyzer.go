// Package analyzer diffs the desired shape of a pool against its observed
// membership. Every function is pure: no store, compute or tracker access.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cuemby/lifeguard/pkg/types"
)

// memberName matches <base><N>.<suffix> where base does not end in a digit
var memberName = regexp.MustCompile(`^([^.]*[^.\d])(\d+)\.(.*)$`)

// ParseIndex returns the numeric suffix of a member name
func ParseIndex(name string) (int, error) {
	m := memberName.FindStringSubmatch(name)
	if m == nil {
		return 0, types.NewValidationError("malformed member name %q", name)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, types.NewValidationError("malformed member index in %q", name)
	}
	return n, nil
}

// CanonicalName returns the name of member index of the pool called
// poolName: "pool.log.tld" index 2 is "pool2.log.tld".
func CanonicalName(poolName string, index int) (string, error) {
	base, rest, ok := strings.Cut(poolName, ".")
	if !ok || base == "" || rest == "" {
		return "", types.NewValidationError("malformed pool name %q", poolName)
	}
	return fmt.Sprintf("%s%d.%s", base, index, rest), nil
}

// ExpansionNames returns, in ascending index order, the canonical names of
// every index in [1, cardinality] that no member holds. When confirmed is
// not nil the result must be set-equal to it.
func ExpansionNames(poolName string, members []*types.Membership, cardinality int, confirmed []string) ([]string, error) {
	if cardinality < 0 {
		return nil, types.NewValidationError("cardinality %d must be >= 0", cardinality)
	}

	taken := map[int]bool{}
	for _, m := range members {
		n, err := ParseIndex(m.Name)
		if err != nil {
			return nil, err
		}
		taken[n] = true
	}

	names := []string{}
	for i := 1; i <= cardinality; i++ {
		if taken[i] {
			continue
		}
		name, err := CanonicalName(poolName, i)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	if err := Confirm(names, confirmed); err != nil {
		return nil, err
	}
	return names, nil
}

// ShrinkCandidates returns the members to retire so that exactly
// cardinality remain, highest index first. confirmed holds VM IDs.
func ShrinkCandidates(members []*types.Membership, cardinality int, confirmed []string) ([]*types.Membership, error) {
	if cardinality < 0 {
		return nil, types.NewValidationError("cardinality %d must be >= 0", cardinality)
	}

	type indexed struct {
		index  int
		member *types.Membership
	}
	sorted := make([]indexed, 0, len(members))
	for _, m := range members {
		n, err := ParseIndex(m.Name)
		if err != nil {
			return nil, err
		}
		sorted = append(sorted, indexed{index: n, member: m})
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].index > sorted[j].index
	})

	candidates := []*types.Membership{}
	for i := 0; i < len(sorted)-cardinality; i++ {
		candidates = append(candidates, sorted[i].member)
	}

	if err := Confirm(vmIDs(candidates), confirmed); err != nil {
		return nil, err
	}
	return candidates, nil
}

// RenderFunc renders the current template text for a member name
type RenderFunc func(name string) (string, error)

// UpdateCandidates returns the members whose stored template snapshot
// differs from a fresh rendering, in index order. Members with an
// uncompiled snapshot are never candidates. confirmed holds VM IDs.
func UpdateCandidates(members []*types.Membership, render RenderFunc, confirmed []string) ([]*types.Membership, error) {
	candidates := []*types.Membership{}
	for _, m := range sortByIndex(members) {
		outdated, err := Outdated(m, render)
		if err != nil {
			return nil, err
		}
		if outdated {
			candidates = append(candidates, m)
		}
	}

	if err := Confirm(vmIDs(candidates), confirmed); err != nil {
		return nil, err
	}
	return candidates, nil
}

// Outdated reports whether the member snapshot differs from render
func Outdated(m *types.Membership, render RenderFunc) (bool, error) {
	if m.Template == types.UncompiledTemplate {
		return false, nil
	}
	current, err := render(m.Name)
	if err != nil {
		return false, fmt.Errorf("render %s: %w", m.Name, err)
	}
	return current != m.Template, nil
}

// Confirm fails with a ValidationError unless computed and confirmed hold
// the same elements. A nil confirmed set always passes.
func Confirm(computed, confirmed []string) error {
	if confirmed == nil {
		return nil
	}
	want := mapset.NewSet(computed...)
	got := mapset.NewSet(confirmed...)
	if want.Equal(got) {
		return nil
	}
	missing := want.Difference(got).ToSlice()
	extra := got.Difference(want).ToSlice()
	sort.Strings(missing)
	sort.Strings(extra)
	return types.NewValidationError("confirmed set does not match computed set (unconfirmed: %v, unexpected: %v)", missing, extra)
}

// Counters summarize the drift of one pool
type Counters struct {
	Members    int
	Outdated   int
	Legacy     int
	Terminated int
}

// Count tallies outdated, legacy and terminated members. vms maps VM IDs to
// their compute state; members absent from it are counted as terminated.
func Count(members []*types.Membership, render RenderFunc, vms map[string]*types.VM) (Counters, error) {
	c := Counters{Members: len(members)}
	for _, m := range members {
		if m.Template == types.UncompiledTemplate {
			c.Legacy++
		} else {
			outdated, err := Outdated(m, render)
			if err != nil {
				return c, err
			}
			if outdated {
				c.Outdated++
			}
		}
		if vm, ok := vms[m.VMID]; !ok || vm.Terminated() {
			c.Terminated++
		}
	}
	return c, nil
}

func sortByIndex(members []*types.Membership) []*types.Membership {
	sorted := append([]*types.Membership(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, errA := ParseIndex(sorted[i].Name)
		b, errB := ParseIndex(sorted[j].Name)
		if errA != nil || errB != nil {
			return sorted[i].Name < sorted[j].Name
		}
		return a < b
	})
	return sorted
}

func vmIDs(members []*types.Membership) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.VMID)
	}
	return ids
}
