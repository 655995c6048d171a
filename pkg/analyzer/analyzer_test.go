package analyzer

import (
	"fmt"
	"testing"

	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poolName = "pool.log.tld"

func members(indices ...int) []*types.Membership {
	var out []*types.Membership
	for _, i := range indices {
		out = append(out, &types.Membership{
			PoolID:   "p1",
			VMID:     fmt.Sprintf("%d", 100+i),
			Name:     fmt.Sprintf("pool%d.log.tld", i),
			Template: "v1",
		})
	}
	return out
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"pool1.log.tld", 1, false},
		{"pool12.log.tld", 12, false},
		{"web-3.example", 3, false},
		{"pool.log.tld", 0, true},
		{"1.log.tld", 0, true},
		{"pool1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndex(tt.name)
			if tt.wantErr {
				assert.True(t, types.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpansionNames(t *testing.T) {
	tests := []struct {
		name        string
		members     []*types.Membership
		cardinality int
		want        []string
	}{
		{"fills gap", members(1, 3), 3, []string{"pool2.log.tld"}},
		{"empty pool", nil, 2, []string{"pool1.log.tld", "pool2.log.tld"}},
		{"satisfied", members(1, 2), 2, []string{}},
		{"over cardinality", members(1, 2, 3), 2, []string{}},
		{"zero", nil, 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpansionNames(poolName, tt.members, tt.cardinality, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpansionNamesConfirm(t *testing.T) {
	_, err := ExpansionNames(poolName, members(1, 3), 3, []string{"pool2.log.tld"})
	assert.NoError(t, err)

	_, err = ExpansionNames(poolName, members(1, 3), 3, []string{"pool4.log.tld"})
	assert.True(t, types.IsValidation(err))

	_, err = ExpansionNames(poolName, nil, -1, nil)
	assert.True(t, types.IsValidation(err))

	bad := []*types.Membership{{VMID: "1", Name: "nodigits.log.tld"}}
	_, err = ExpansionNames(poolName, bad, 1, nil)
	assert.True(t, types.IsValidation(err))
}

func TestShrinkCandidates(t *testing.T) {
	got, err := ShrinkCandidates(members(1, 2, 3, 4), 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pool4.log.tld", got[0].Name)
	assert.Equal(t, "pool3.log.tld", got[1].Name)

	got, err = ShrinkCandidates(members(1, 2), 2, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Order of the input does not matter.
	got, err = ShrinkCandidates(members(10, 2, 7, 1), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"110", "107", "102"}, vmIDs(got))
}

func TestShrinkCandidatesConfirm(t *testing.T) {
	_, err := ShrinkCandidates(members(1, 2, 3, 4), 2, []string{"103", "104"})
	assert.NoError(t, err)

	_, err = ShrinkCandidates(members(1, 2, 3, 4), 2, []string{"104"})
	assert.True(t, types.IsValidation(err))
}

func TestUpdateCandidates(t *testing.T) {
	ms := members(1, 2, 3)
	ms[1].Template = "v2"
	ms[2].Template = types.UncompiledTemplate

	render := func(name string) (string, error) { return "v2", nil }

	got, err := UpdateCandidates(ms, render, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, vmIDs(got))

	_, err = UpdateCandidates(ms, render, []string{"101", "102"})
	assert.True(t, types.IsValidation(err))

	_, err = UpdateCandidates(ms, func(string) (string, error) {
		return "", fmt.Errorf("boom")
	}, nil)
	assert.Error(t, err)
}

func TestCount(t *testing.T) {
	ms := members(1, 2, 3)
	ms[2].Template = types.UncompiledTemplate
	vms := map[string]*types.VM{
		"101": {ID: "101", StateID: 3},
		"102": {ID: "102", StateID: 6},
	}

	c, err := Count(ms, func(string) (string, error) { return "v2", nil }, vms)
	require.NoError(t, err)
	assert.Equal(t, Counters{Members: 3, Outdated: 2, Legacy: 1, Terminated: 2}, c)
}
