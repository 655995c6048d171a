// Package provisioner applies the sub-units of an approved change to the
// compute API and the membership store.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/lifeguard/pkg/analyzer"
	"github.com/cuemby/lifeguard/pkg/compute"
	"github.com/cuemby/lifeguard/pkg/dns"
	"github.com/cuemby/lifeguard/pkg/health"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
	"github.com/cuemby/lifeguard/pkg/storage"
	"github.com/cuemby/lifeguard/pkg/types"
)

const artifactSuffix = ".template"

// Artifact is one provisioning artifact attached to a sub-unit
type Artifact struct {
	ChangeKey  string
	SubUnitKey string
	Name       string
	Content    string
}

// ArtifactName names the artifact of subject, which is a hostname for
// expansions and a VM ID for shrinks and updates
func ArtifactName(poolID, subject string) string {
	return poolID + "." + subject + artifactSuffix
}

// ParseArtifactName splits an artifact name into pool ID and subject
func ParseArtifactName(name string) (poolID, subject string, err error) {
	base, ok := strings.CutSuffix(name, artifactSuffix)
	if !ok {
		return "", "", types.NewValidationError("artifact %q is not a template", name)
	}
	poolID, subject, ok = strings.Cut(base, ".")
	if !ok || poolID == "" || subject == "" {
		return "", "", types.NewValidationError("malformed artifact name %q", name)
	}
	return poolID, subject, nil
}

// BatchSize returns how many update candidates go into one sub-unit
func BatchSize(candidates, batchPercent int) int {
	if batchPercent <= 0 {
		return max(1, candidates)
	}
	return max(1, int(math.Ceil(float64(candidates)/float64(batchPercent))))
}

// Batches splits members into consecutive batches of BatchSize
func Batches(members []*types.Membership, batchPercent int) [][]*types.Membership {
	if len(members) == 0 {
		return nil
	}
	size := BatchSize(len(members), batchPercent)
	var out [][]*types.Membership
	for start := 0; start < len(members); start += size {
		out = append(out, members[start:min(start+size, len(members))])
	}
	return out
}

// Verifier checks the members of a pool after a change
type Verifier interface {
	RunDiagnosticsOnPool(ctx context.Context, pool *types.Pool, members []*types.Membership) ([]health.Outcome, error)
}

// DirectoryFunc returns the name-service directory of a zone
type DirectoryFunc func(zone *types.Zone) (dns.Directory, error)

// Executor mutates pools. Every operation reloads the pool from the store
// before touching anything.
type Executor struct {
	Store       storage.Store
	Compute     compute.Resolver
	Verifier    Verifier
	Directory   DirectoryFunc
	Clock       clock.Clock
	SettleDelay time.Duration
}

func (e *Executor) clock() clock.Clock {
	if e.Clock == nil {
		return clock.NewClock()
	}
	return e.Clock
}

// pending parses artifacts, checks they belong to pool and drops those
// already applied. It returns the remaining artifacts and their subjects.
func (e *Executor) pending(ctx context.Context, pool *types.Pool, artifacts []Artifact) ([]Artifact, []string, error) {
	var (
		todo     []Artifact
		subjects = []string{}
	)
	for _, a := range artifacts {
		poolID, subject, err := ParseArtifactName(a.Name)
		if err != nil {
			return nil, nil, err
		}
		if poolID != pool.ID {
			return nil, nil, types.NewValidationError("artifact %s belongs to pool %s, not %s", a.Name, poolID, pool.ID)
		}
		_, err = e.Store.GetArtifact(ctx, types.ArtifactID(a.ChangeKey, a.Name))
		switch {
		case err == nil:
			logger := log.WithTicket("provisioner", a.ChangeKey)
			logger.Info().Str("artifact", a.Name).Msg("Artifact already applied, skipping")
			continue
		case !types.IsNotFound(err):
			return nil, nil, err
		}
		todo = append(todo, a)
		subjects = append(subjects, subject)
	}
	return todo, subjects, nil
}

func (e *Executor) load(ctx context.Context, poolID string) (*inventory.Snapshot, compute.Client, error) {
	snap, err := inventory.Load(ctx, e.Store, poolID)
	if err != nil {
		return nil, nil, err
	}
	client, err := e.Compute.ClientFor(snap.Zone)
	if err != nil {
		return nil, nil, err
	}
	return snap, client, nil
}

func applied(a Artifact, vmID string, now time.Time) *types.AppliedArtifact {
	return &types.AppliedArtifact{
		ChangeKey:  a.ChangeKey,
		SubUnitKey: a.SubUnitKey,
		Name:       a.Name,
		VMID:       vmID,
		AppliedAt:  now,
	}
}

// Expand creates one VM per artifact and records its membership. The
// hostnames must be exactly the indices the pool is missing. When any later
// step fails the VMs created by this call are destroyed again; a rollback
// failure is logged and never replaces the original error.
func (e *Executor) Expand(ctx context.Context, poolID string, artifacts []Artifact) (err error) {
	snap, client, err := e.load(ctx, poolID)
	if err != nil {
		return err
	}
	logger := log.WithPool("provisioner", snap.Pool.Name)

	todo, names, err := e.pending(ctx, snap.Pool, artifacts)
	if err != nil {
		return err
	}
	if _, err := analyzer.ExpansionNames(snap.Pool.Name, snap.Members, snap.Pool.Cardinality, names); err != nil {
		return err
	}

	var created []rollbackEntry
	defer func() {
		if err != nil && len(created) > 0 {
			e.rollback(ctx, logger, client, created)
		}
	}()

	for i, a := range todo {
		vmID, cerr := client.CreateVM(ctx, a.Content)
		metrics.ProvisioningCalls.WithLabelValues("create", metrics.Result(cerr)).Inc()
		if cerr != nil {
			return provisioningError("create", "", cerr)
		}

		now := e.clock().Now()
		member := &types.Membership{
			PoolID:    snap.Pool.ID,
			VMID:      vmID,
			Name:      names[i],
			Template:  a.Content,
			CreatedAt: now,
		}
		created = append(created, rollbackEntry{member: member, artifactID: types.ArtifactID(a.ChangeKey, a.Name)})

		if err := e.Store.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.PutMember(member); err != nil {
				return err
			}
			return tx.PutArtifact(applied(a, vmID, now))
		}); err != nil {
			return fmt.Errorf("record member %s: %w", member.Name, err)
		}
		logger.Info().Str("vm_id", vmID).Str("name", member.Name).Msg("VM created")
	}

	return e.settleAndVerify(ctx, snap.Pool.ID)
}

// Shrink retires the members named by VM ID in artifacts. They must be
// exactly the highest-numbered members above the pool cardinality; the
// check happens before any VM is destroyed.
func (e *Executor) Shrink(ctx context.Context, poolID string, artifacts []Artifact) error {
	snap, client, err := e.load(ctx, poolID)
	if err != nil {
		return err
	}

	todo, vmIDs, err := e.pending(ctx, snap.Pool, artifacts)
	if err != nil {
		return err
	}
	candidates, err := analyzer.ShrinkCandidates(snap.Members, snap.Pool.Cardinality, vmIDs)
	if err != nil {
		return err
	}

	byVMID := make(map[string]Artifact, len(todo))
	for i, a := range todo {
		byVMID[vmIDs[i]] = a
	}

	for _, m := range candidates {
		if err := e.retire(ctx, snap, client, m, byVMID[m.VMID]); err != nil {
			return err
		}
	}
	return e.settleAndVerify(ctx, snap.Pool.ID)
}

// Update replaces one batch of outdated members with VMs built from the
// current template, then verifies the pool.
func (e *Executor) Update(ctx context.Context, poolID string, artifacts []Artifact) error {
	snap, client, err := e.load(ctx, poolID)
	if err != nil {
		return err
	}
	logger := log.WithPool("provisioner", snap.Pool.Name)

	todo, vmIDs, err := e.pending(ctx, snap.Pool, artifacts)
	if err != nil {
		return err
	}

	olds := make([]*types.Membership, len(todo))
	for i, id := range vmIDs {
		m, ok := snap.Member(id)
		if !ok {
			return types.NewValidationError("vm %s is not a member of pool %s", id, snap.Pool.Name)
		}
		olds[i] = m
	}

	outdated, err := analyzer.UpdateCandidates(snap.Members, snap.Render, nil)
	if err != nil {
		return err
	}
	known := mapset.NewThreadUnsafeSet[string]()
	for _, m := range outdated {
		known.Add(m.VMID)
	}
	if batch := mapset.NewThreadUnsafeSet(vmIDs...); !batch.IsSubset(known) {
		unexpected := batch.Difference(known).ToSlice()
		return types.NewValidationError("members %v do not need an update", unexpected)
	}

	for i, a := range todo {
		old := olds[i]
		template, err := snap.Render(old.Name)
		if err != nil {
			return err
		}

		if err := e.retire(ctx, snap, client, old, Artifact{}); err != nil {
			return err
		}

		vmID, cerr := client.CreateVM(ctx, template)
		metrics.ProvisioningCalls.WithLabelValues("create", metrics.Result(cerr)).Inc()
		if cerr != nil {
			return provisioningError("create", "", cerr)
		}

		now := e.clock().Now()
		member := &types.Membership{
			PoolID:    snap.Pool.ID,
			VMID:      vmID,
			Name:      old.Name,
			Template:  template,
			CreatedAt: now,
		}
		if err := e.Store.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.PutMember(member); err != nil {
				return err
			}
			return tx.PutArtifact(applied(a, vmID, now))
		}); err != nil {
			return fmt.Errorf("record member %s: %w", member.Name, err)
		}
		logger.Info().Str("old_vm_id", old.VMID).Str("vm_id", vmID).Str("name", old.Name).Msg("VM replaced")
	}

	return e.settleAndVerify(ctx, snap.Pool.ID)
}

// retire removes the member from the pool alias, destroys its VM and
// deletes its membership. With a named artifact the deletion is recorded
// as applied in the same scope.
func (e *Executor) retire(ctx context.Context, snap *inventory.Snapshot, client compute.Client, m *types.Membership, a Artifact) error {
	logger := log.WithPool("provisioner", snap.Pool.Name)
	e.unpublish(ctx, logger, snap, client, m)

	err := client.DestroyVM(ctx, m.VMID)
	metrics.ProvisioningCalls.WithLabelValues("destroy", metrics.Result(err)).Inc()
	if err != nil {
		return provisioningError("destroy", m.VMID, err)
	}

	if err := e.Store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteMember(m.VMID); err != nil {
			return err
		}
		if a.Name == "" {
			return nil
		}
		return tx.PutArtifact(applied(a, m.VMID, e.clock().Now()))
	}); err != nil {
		return fmt.Errorf("delete member %s: %w", m.Name, err)
	}
	logger.Info().Str("vm_id", m.VMID).Str("name", m.Name).Msg("VM retired")
	return nil
}

// unpublish drops the member address from the pool alias. It is best
// effort; the DNS reconciler repairs whatever is left behind.
func (e *Executor) unpublish(ctx context.Context, logger zerolog.Logger, snap *inventory.Snapshot, client compute.Client, m *types.Membership) {
	if e.Directory == nil {
		return
	}
	dir, err := e.Directory(snap.Zone)
	if err != nil {
		logger.Warn().Err(err).Msg("No directory for zone, leaving alias untouched")
		return
	}
	vms, err := client.ListVMs(ctx, false)
	if err != nil {
		logger.Warn().Err(err).Str("vm_id", m.VMID).Msg("Failed to look up member address")
		return
	}
	for _, vm := range vms {
		if vm.ID != m.VMID || vm.IP == "" {
			continue
		}
		if err := dir.DeleteA(ctx, snap.Pool.Name, vm.IP); err != nil {
			logger.Warn().Err(err).Str("ip", vm.IP).Msg("Failed to remove member from alias")
		}
		return
	}
}

type rollbackEntry struct {
	member     *types.Membership
	artifactID string
}

func (e *Executor) rollback(ctx context.Context, logger zerolog.Logger, client compute.Client, created []rollbackEntry) {
	ctx = context.WithoutCancel(ctx)
	logger.Warn().Int("vms", len(created)).Msg("Rolling back VMs created by failed expansion")
	var errs []error
	for _, c := range created {
		m := c.member
		err := client.DestroyVM(ctx, m.VMID)
		metrics.ProvisioningCalls.WithLabelValues("destroy", metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, provisioningError("destroy", m.VMID, err))
			continue
		}
		if err := e.Store.Atomic(ctx, func(tx storage.Tx) error {
			if err := tx.DeleteMember(m.VMID); err != nil {
				return err
			}
			return tx.DeleteArtifact(c.artifactID)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("Rollback incomplete")
	}
}

// settleAndVerify waits for new VMs to boot and checks the whole pool
func (e *Executor) settleAndVerify(ctx context.Context, poolID string) error {
	if e.SettleDelay > 0 {
		select {
		case <-e.clock().After(e.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.Verifier == nil {
		return nil
	}
	snap, err := inventory.Load(ctx, e.Store, poolID)
	if err != nil {
		return err
	}
	_, err = e.Verifier.RunDiagnosticsOnPool(ctx, snap.Pool, snap.Members)
	return err
}

func provisioningError(op, vmID string, err error) error {
	var perr *types.ProvisioningError
	if errors.As(err, &perr) {
		return err
	}
	return &types.ProvisioningError{Op: op, VMID: vmID, Err: err}
}
