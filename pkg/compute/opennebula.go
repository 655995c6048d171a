package compute

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sort"
	"strconv"
	"strings"

	"github.com/kolo/xmlrpc"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/types"
)

const (
	currentUser   = -3
	unlimited     = -1
	exceptDone    = -1
	includingDone = -2
)

// OpenNebula is a Client for the OpenNebula XML-RPC API
type OpenNebula struct {
	session    string
	zoneNumber int
	rpc        *xmlrpc.Client
	err        error
}

// NewOpenNebula creates a client for the XML-RPC endpoint of one zone. A
// malformed endpoint surfaces on the first call.
func NewOpenNebula(endpoint, session string, zoneNumber int, cfg config.ComputeConfig) *OpenNebula {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout}).DialContext
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	client, err := xmlrpc.NewClient(endpoint, transport)
	return &OpenNebula{
		session:    session,
		zoneNumber: zoneNumber,
		rpc:        client,
		err:        err,
	}
}

// call invokes method with the session prepended and unpacks the
// [ok, body, errcode] triple every OpenNebula method returns. ctx is only
// checked before the request goes out; an in-flight call is bounded by the
// transport timeout.
func (o *OpenNebula) call(ctx context.Context, method string, args ...any) (any, error) {
	if o.err != nil {
		return nil, fmt.Errorf("%s: %w", method, o.err)
	}
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientInfraError{Op: method, Err: err}
	}

	var result []any
	if err := o.rpc.Call(method, append([]any{o.session}, args...), &result); err != nil {
		// faults and HTTP errors come back as the server's message
		var serverErr rpc.ServerError
		if errors.As(err, &serverErr) && !strings.HasPrefix(string(serverErr), "request error") {
			return nil, fmt.Errorf("%s: fault: %s", method, string(serverErr))
		}
		return nil, &types.TransientInfraError{Op: method, Err: err}
	}

	logger := log.WithComponent("compute")
	logger.Debug().
		Str("method", method).
		Int("zone", o.zoneNumber).
		Msg("XML-RPC call completed")

	if len(result) < 2 {
		return nil, fmt.Errorf("%s: short result array", method)
	}
	if ok, _ := result[0].(bool); !ok {
		code := 0
		if len(result) > 2 {
			code, _ = asInt(result[2])
		}
		return nil, fmt.Errorf("%s failed (error code: %d) %v", method, code, result[1])
	}
	return result[1], nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func asString(method string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected body %v", method, v)
	}
	return s, nil
}

type vmPool struct {
	VMs []vmXML `xml:"VM"`
}

type vmXML struct {
	ID      string   `xml:"ID"`
	Name    string   `xml:"NAME"`
	State   int      `xml:"STATE"`
	IPs     []string `xml:"TEMPLATE>NIC>IP"`
	Cluster []int    `xml:"HISTORY_RECORDS>HISTORY>CID"`
}

// ListVMs implements Client
func (o *OpenNebula) ListVMs(ctx context.Context, includeTerminated bool) ([]*types.VM, error) {
	state := exceptDone
	if includeTerminated {
		state = includingDone
	}
	res, err := o.call(ctx, "one.vmpool.info", currentUser, unlimited, unlimited, state)
	if err != nil {
		return nil, err
	}
	body, err := asString("one.vmpool.info", res)
	if err != nil {
		return nil, err
	}

	var pool vmPool
	if err := xml.Unmarshal([]byte(body), &pool); err != nil {
		return nil, fmt.Errorf("one.vmpool.info: malformed pool: %w", err)
	}

	vms := make([]*types.VM, 0, len(pool.VMs))
	for _, v := range pool.VMs {
		vm := &types.VM{ID: v.ID, Name: v.Name, StateID: v.State, ClusterID: -1}
		if len(v.IPs) > 0 {
			vm.IP = v.IPs[0]
		}
		if len(v.Cluster) > 0 {
			vm.ClusterID = v.Cluster[len(v.Cluster)-1]
		}
		vms = append(vms, vm)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })
	return vms, nil
}

type clusterPool struct {
	Clusters []struct {
		ID   int    `xml:"ID"`
		Name string `xml:"NAME"`
	} `xml:"CLUSTER"`
}

// ListClusters implements Client
func (o *OpenNebula) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	res, err := o.call(ctx, "one.clusterpool.info")
	if err != nil {
		return nil, err
	}
	body, err := asString("one.clusterpool.info", res)
	if err != nil {
		return nil, err
	}

	var pool clusterPool
	if err := xml.Unmarshal([]byte(body), &pool); err != nil {
		return nil, fmt.Errorf("one.clusterpool.info: malformed pool: %w", err)
	}

	clusters := make([]*types.Cluster, 0, len(pool.Clusters))
	for _, c := range pool.Clusters {
		clusters = append(clusters, &types.Cluster{ID: c.ID, ZoneNumber: o.zoneNumber, Name: c.Name})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })
	return clusters, nil
}

// CreateVM implements Client and returns the new VM id
func (o *OpenNebula) CreateVM(ctx context.Context, template string) (string, error) {
	res, err := o.call(ctx, "one.vm.allocate", template, false)
	if err != nil {
		return "", err
	}
	id, ok := asInt(res)
	if !ok {
		return "", fmt.Errorf("one.vm.allocate: unexpected id %v", res)
	}
	return strconv.Itoa(id), nil
}

// DestroyVM implements Client
func (o *OpenNebula) DestroyVM(ctx context.Context, id string) error {
	n, err := strconv.Atoi(id)
	if err != nil {
		return types.NewValidationError("vm id %q is not numeric", id)
	}
	_, err = o.call(ctx, "one.vm.action", "terminate-hard", n)
	return err
}
