// Package template renders VM provisioning templates from zone, cluster and
// pool configuration.
package template

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/cuemby/lifeguard/pkg/types"
)

// Renderer renders the provisioning template of one pool
type Renderer struct {
	Zone    *types.Zone
	Cluster *types.Cluster
	Pool    *types.Pool
}

// NewRenderer returns a renderer for pool inside cluster and zone
func NewRenderer(zone *types.Zone, cluster *types.Cluster, pool *types.Pool) *Renderer {
	return &Renderer{Zone: zone, Cluster: cluster, Pool: pool}
}

// Vars merges the zone, cluster and pool variable blocks. Later sources win.
func (r *Renderer) Vars() (map[string]string, error) {
	vars := map[string]string{}
	for _, src := range []struct {
		name string
		text string
	}{
		{"zone", r.zoneVars()},
		{"cluster", r.clusterVars()},
		{"pool", r.Pool.Vars},
	} {
		parsed, err := ParseVars(src.text)
		if err != nil {
			return nil, fmt.Errorf("%s vars: %w", src.name, err)
		}
		for k, v := range parsed {
			vars[k] = v
		}
	}
	return vars, nil
}

func (r *Renderer) zoneVars() string {
	if r.Zone == nil {
		return ""
	}
	return r.Zone.Vars
}

func (r *Renderer) clusterVars() string {
	if r.Cluster == nil {
		return ""
	}
	return r.Cluster.Vars
}

// Render produces the template text for the VM called hostname. The cluster
// template is available to the pool template as {{template "cluster" .}}
// and the zone template as {{template "zone" .}}. Rendering the same
// configuration twice yields byte-identical output.
func (r *Renderer) Render(hostname string) (string, error) {
	vars, err := r.Vars()
	if err != nil {
		return "", err
	}
	vars["hostname"] = hostname

	root := template.New("pool").Option("missingkey=error")
	if r.Zone != nil {
		if _, err := root.New("zone").Parse(r.Zone.Template); err != nil {
			return "", types.NewValidationError("zone %d template: %v", r.Zone.Number, err)
		}
	}
	if r.Cluster != nil {
		if _, err := root.New("cluster").Parse(r.Cluster.Template); err != nil {
			return "", types.NewValidationError("cluster %s template: %v", r.Cluster.Name, err)
		}
	}
	if _, err := root.Parse(r.Pool.Template); err != nil {
		return "", types.NewValidationError("pool %s template: %v", r.Pool.Name, err)
	}

	var buf bytes.Buffer
	if err := root.ExecuteTemplate(&buf, "pool", vars); err != nil {
		return "", types.NewValidationError("render %s for pool %s: %v", hostname, r.Pool.Name, err)
	}
	return buf.String(), nil
}

// ParseVars parses key=value lines. Blank lines and lines starting with #
// are ignored.
func ParseVars(text string) (map[string]string, error) {
	vars := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, types.NewValidationError("line %d: expected key=value, got %q", line, s)
		}
		vars[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}
