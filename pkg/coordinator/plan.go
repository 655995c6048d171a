package coordinator

import (
	"fmt"
	"strings"

	"github.com/cuemby/lifeguard/pkg/analyzer"
	"github.com/cuemby/lifeguard/pkg/inventory"
	"github.com/cuemby/lifeguard/pkg/provisioner"
	"github.com/cuemby/lifeguard/pkg/types"
)

// Attachment is one artifact to attach to a sub-unit
type Attachment struct {
	Name    string
	Content string
}

// SubUnitPlan is one child work item of a proposed change
type SubUnitPlan struct {
	Summary     string
	Description string
	Attachments []Attachment
}

// Proposal is the change a pool needs, computed from a snapshot
type Proposal struct {
	Action      types.ActionKind
	Title       string
	Description string
	Reason      string

	// Subjects are the hostnames to create or the members to retire or
	// replace, in execution order
	Subjects []string
	SubUnits []SubUnitPlan
}

// Propose compares the snapshot against its pool and returns the change it
// needs, or nil when the pool is in shape. Missing members win over extra
// members, which win over outdated ones.
func Propose(snap *inventory.Snapshot, batchPercent int) (*Proposal, error) {
	pool := snap.Pool

	names, err := analyzer.ExpansionNames(pool.Name, snap.Members, pool.Cardinality, nil)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		return proposeExpansion(snap, names)
	}

	retire, err := analyzer.ShrinkCandidates(snap.Members, pool.Cardinality, nil)
	if err != nil {
		return nil, err
	}
	if len(retire) > 0 {
		return proposeShrink(snap, retire), nil
	}

	outdated, err := analyzer.UpdateCandidates(snap.Members, snap.Render, nil)
	if err != nil {
		return nil, err
	}
	if len(outdated) > 0 {
		return proposeUpdate(snap, outdated, batchPercent)
	}
	return nil, nil
}

func bullets(items []string) string {
	return "*" + strings.Join(items, "\n*")
}

func proposeExpansion(snap *inventory.Snapshot, names []string) (*Proposal, error) {
	pool := snap.Pool
	sub := SubUnitPlan{
		Description: "Instantiate the attached templates in the zone associated to the pool " +
			"identified in the filename <pool_id>.<hostname>.template",
	}
	for _, name := range names {
		content, err := snap.Render(name)
		if err != nil {
			return nil, err
		}
		sub.Attachments = append(sub.Attachments, Attachment{Name: provisioner.ArtifactName(pool.ID, name), Content: content})
	}

	title := fmt.Sprintf("Plan Change => Pool Expansion: %s (%d members to %d)", pool.Name, len(snap.Members), pool.Cardinality)
	sub.Summary = "[IMPLEMENTATION TASK] " + title
	return &Proposal{
		Action:      types.ActionExpand,
		Title:       title,
		Description: fmt.Sprintf("Pool expansion triggered that will instantiate %d new VM(s): \n\n%s", len(names), bullets(names)),
		Reason:      "Pool expansion required",
		Subjects:    names,
		SubUnits:    []SubUnitPlan{sub},
	}, nil
}

func proposeShrink(snap *inventory.Snapshot, retire []*types.Membership) *Proposal {
	pool := snap.Pool
	title := fmt.Sprintf("Plan Shrink => Pool %s (%d members to %d)", pool.Name, len(snap.Members), pool.Cardinality)
	sub := SubUnitPlan{
		Summary:     "[IMPLEMENTATION TASK] " + title,
		Description: "Retire the VMs identified in the filename <pool_id>.<vm_id>.template",
	}
	names := make([]string, 0, len(retire))
	for _, m := range retire {
		names = append(names, m.Name)
		sub.Attachments = append(sub.Attachments, Attachment{Name: provisioner.ArtifactName(pool.ID, m.VMID), Content: m.Template})
	}
	return &Proposal{
		Action:      types.ActionShrink,
		Title:       title,
		Description: fmt.Sprintf("Pool shrink triggered that will shutdown %d VM(s): \n\n%s", len(retire), bullets(names)),
		Reason:      "Pool shrink required",
		Subjects:    names,
		SubUnits:    []SubUnitPlan{sub},
	}
}

func proposeUpdate(snap *inventory.Snapshot, outdated []*types.Membership, batchPercent int) (*Proposal, error) {
	pool := snap.Pool
	title := fmt.Sprintf("Plan Update => Pool %s (%d/%d members need updates)", pool.Name, len(outdated), pool.Cardinality)

	batches := provisioner.Batches(outdated, batchPercent)
	subs := make([]SubUnitPlan, 0, len(batches))
	for i, batch := range batches {
		sub := SubUnitPlan{
			Summary:     fmt.Sprintf("[TASK %d/%d (Update %d%%)] %s", i+1, len(batches), batchPercent, title),
			Description: "Replace the VMs identified in the filename <pool_id>.<vm_id>.template with the attached template",
		}
		for _, m := range batch {
			content, err := snap.Render(m.Name)
			if err != nil {
				return nil, err
			}
			sub.Attachments = append(sub.Attachments, Attachment{Name: provisioner.ArtifactName(pool.ID, m.VMID), Content: content})
		}
		subs = append(subs, sub)
	}

	names := make([]string, 0, len(outdated))
	for _, m := range outdated {
		names = append(names, m.Name)
	}
	return &Proposal{
		Action:      types.ActionUpdate,
		Title:       title,
		Description: fmt.Sprintf("Pool update triggered that will update %d VM(s): \n\n%s", len(outdated), bullets(names)),
		Reason:      "Pool update required",
		Subjects:    names,
		SubUnits:    subs,
	}, nil
}
