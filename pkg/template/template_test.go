package template

import (
	"testing"

	"github.com/cuemby/lifeguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRenderer() *Renderer {
	return NewRenderer(
		&types.Zone{Number: 1, Template: `GRAPHICS=[TYPE="vnc"]`, Vars: "dc=east\nnetwork=public"},
		&types.Cluster{ID: 100, Name: "c1", Template: `{{template "zone" .}}
SCHED_REQUIREMENTS="CLUSTER_ID={{.cluster_id}}"`, Vars: "cluster_id=100\nnetwork=private"},
		&types.Pool{ID: "p1", Name: "pool.log.tld", Template: `NAME="{{.hostname}}"
NETWORK="{{.network}}"
{{template "cluster" .}}`, Vars: "# comment\n\nmemory = 2048"},
	)
}

func TestRender(t *testing.T) {
	r := testRenderer()

	out, err := r.Render("pool1.log.tld")
	require.NoError(t, err)
	assert.Equal(t, `NAME="pool1.log.tld"
NETWORK="private"
GRAPHICS=[TYPE="vnc"]
SCHED_REQUIREMENTS="CLUSTER_ID=100"`, out)

	again, err := r.Render("pool1.log.tld")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRenderMissingVariable(t *testing.T) {
	r := testRenderer()
	r.Pool.Template = `{{.undefined}}`

	_, err := r.Render("pool1.log.tld")
	assert.True(t, types.IsValidation(err))
}

func TestParseVars(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", text: "", want: map[string]string{}},
		{name: "trims", text: " a = 1 \nb=x=y", want: map[string]string{"a": "1", "b": "x=y"}},
		{name: "comments", text: "# a=1\nb=2", want: map[string]string{"b": "2"}},
		{name: "missing equals", text: "novalue", wantErr: true},
		{name: "empty key", text: "=1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVars(tt.text)
			if tt.wantErr {
				assert.True(t, types.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
