package workflow

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"github.com/cuemby/lifeguard/pkg/config"
	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/types"
)

const (
	apiPrefix        = "rest/api/2"
	maxSummaryLength = 255
)

// Identity is one set of tracker credentials
type Identity struct {
	Username string
	Password string
}

// Jira is a Tracker backed by the Jira REST API. Approvals are performed
// with a second identity.
type Jira struct {
	baseURL  string
	cfg      config.WorkflowConfig
	username string
	operator *jira.Client
	approver *jira.Client
	statuses StatusMap
}

// NewJira creates a Jira tracker. Every transition must have an ID.
func NewJira(cfg *config.Config) (*Jira, error) {
	if err := cfg.RequireTracker(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range Transitions {
		if cfg.Workflow.Transitions[string(t)] == "" {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return nil, &types.FatalConfigError{Reason: "workflow.transitions missing " + strings.Join(missing, ", ")}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Workflow.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	baseURL := strings.TrimRight(cfg.Workflow.BaseURL, "/")
	operator, err := newJiraClient(baseURL, Identity{Username: cfg.Secrets.TrackerUsername, Password: cfg.Secrets.TrackerPassword}, transport, cfg.Workflow.Timeout)
	if err != nil {
		return nil, err
	}
	approver, err := newJiraClient(baseURL, Identity{Username: cfg.Secrets.ApproverUsername, Password: cfg.Secrets.ApproverPassword}, transport, cfg.Workflow.Timeout)
	if err != nil {
		return nil, err
	}

	return &Jira{
		baseURL:  baseURL,
		cfg:      cfg.Workflow,
		username: cfg.Secrets.TrackerUsername,
		operator: operator,
		approver: approver,
		statuses: NewStatusMap(cfg.Workflow.Statuses),
	}, nil
}

func newJiraClient(baseURL string, id Identity, transport http.RoundTripper, timeout time.Duration) (*jira.Client, error) {
	auth := &jira.BasicAuthTransport{Username: id.Username, Password: id.Password, Transport: transport}
	client, err := jira.NewClient(&http.Client{Transport: auth, Timeout: timeout}, baseURL)
	if err != nil {
		return nil, &types.FatalConfigError{Reason: fmt.Sprintf("workflow.base_url: %v", err)}
	}
	return client, nil
}

// APIError is a 4xx answer from the tracker
type APIError struct {
	Status   int
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("tracker returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("tracker returned HTTP %d: %s", e.Status, strings.Join(e.Messages, "; "))
}

// settle logs a finished call, releases its response and maps failures:
// no answer or a 5xx is transient, a 4xx is an APIError
func settle(op string, resp *jira.Response, err error) error {
	if resp != nil && resp.Response != nil {
		defer resp.Body.Close()
		logger := log.WithComponent("workflow")
		logger.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Msg("Tracker call completed")
	}
	if err == nil {
		return nil
	}
	if resp == nil || resp.Response == nil {
		return &types.TransientInfraError{Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &types.TransientInfraError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode < 400 {
		return fmt.Errorf("%s: %w", op, err)
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var jerr *jira.Error
	if !errors.As(err, &jerr) {
		// the body is still unread when the library did not decode it
		jerr = &jira.Error{}
		if data, rerr := io.ReadAll(resp.Body); rerr != nil || json.Unmarshal(data, jerr) != nil {
			jerr = nil
		}
	}
	if jerr != nil {
		apiErr.Messages = append(apiErr.Messages, jerr.ErrorMessages...)
		fields := make([]string, 0, len(jerr.Errors))
		for f := range jerr.Errors {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			apiErr.Messages = append(apiErr.Messages, f+": "+jerr.Errors[f])
		}
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

// do sends a raw JSON request; out may be nil when the answer has no body
func (j *Jira) do(ctx context.Context, client *jira.Client, method, path string, in, out any) error {
	op := method + " " + path
	req, err := client.NewRequestWithContext(ctx, method, apiPrefix+path, in)
	if err != nil {
		return err
	}
	resp, err := client.Do(req, out)
	return settle(op, resp, err)
}

type keyRef struct {
	Key string `json:"key"`
}

func (j *Jira) createIssue(ctx context.Context, fields map[string]any) (string, error) {
	var created jira.Issue
	if err := j.do(ctx, j.operator, http.MethodPost, "/issue", map[string]any{"fields": fields}, &created); err != nil {
		return "", err
	}
	return created.Key, nil
}

func (j *Jira) formatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// CreateChange implements Tracker
func (j *Jira) CreateChange(ctx context.Context, req ChangeRequest) (string, error) {
	fields := map[string]any{}
	for k, v := range j.cfg.Classification {
		fields[k] = v
	}
	fields["project"] = keyRef{Key: j.cfg.Project}
	fields["issuetype"] = map[string]string{"name": j.cfg.ChangeIssueType}
	fields["assignee"] = map[string]string{"name": j.username}
	fields["summary"] = truncate(req.Summary)
	fields["description"] = req.Description
	if f := j.cfg.Fields.WindowStart; f != "" {
		fields[f] = j.formatTime(req.WindowStart)
	}
	if f := j.cfg.Fields.WindowEnd; f != "" {
		fields[f] = j.formatTime(req.WindowEnd)
	}
	if f := j.cfg.Fields.Reason; f != "" && req.Reason != "" {
		fields[f] = req.Reason
	}
	return j.createIssue(ctx, fields)
}

// CreateSubUnit implements Tracker
func (j *Jira) CreateSubUnit(ctx context.Context, parentKey string, req SubUnitRequest) (string, error) {
	return j.createIssue(ctx, map[string]any{
		"project":     keyRef{Key: j.cfg.Project},
		"parent":      keyRef{Key: parentKey},
		"issuetype":   map[string]string{"name": j.cfg.SubUnitIssueType},
		"assignee":    map[string]string{"name": j.username},
		"summary":     truncate(req.Summary),
		"description": req.Description,
	})
}

// LinkService implements Tracker
func (j *Jira) LinkService(ctx context.Context, key, serviceKey string) error {
	resp, err := j.operator.Issue.AddLinkWithContext(ctx, &jira.IssueLink{
		Type:         jira.IssueLinkType{Name: j.cfg.LinkType},
		InwardIssue:  &jira.Issue{Key: key},
		OutwardIssue: &jira.Issue{Key: serviceKey},
	})
	return settle("link "+key, resp, err)
}

// Comment implements Tracker
func (j *Jira) Comment(ctx context.Context, key, body string) error {
	_, resp, err := j.operator.Issue.AddCommentWithContext(ctx, key, &jira.Comment{Body: body})
	return settle("comment "+key, resp, err)
}

// Attach implements Tracker
func (j *Jira) Attach(ctx context.Context, key, name string, content []byte) error {
	_, resp, err := j.operator.Issue.PostAttachmentWithContext(ctx, key, bytes.NewReader(content), name)
	return settle("attach "+name+" to "+key, resp, err)
}

// ReadArtifact implements Tracker
func (j *Jira) ReadArtifact(ctx context.Context, artifact Artifact) ([]byte, error) {
	op := "read artifact " + artifact.Name
	resp, err := j.operator.Issue.DownloadAttachmentWithContext(ctx, artifact.ID)
	if err != nil {
		return nil, settle(op, resp, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.TransientInfraError{Op: op, Err: err}
	}
	return data, nil
}

// Transition implements Tracker
func (j *Jira) Transition(ctx context.Context, key string, t Transition, opts TransitionOptions) error {
	body := map[string]any{
		"transition": map[string]string{"id": j.cfg.Transitions[string(t)]},
	}
	if opts.Comment != "" {
		body["update"] = map[string]any{
			"comment": []any{map[string]any{"add": map[string]string{"body": opts.Comment}}},
		}
	}

	fields := map[string]any{}
	switch opts.Resolution {
	case ResolutionCompleted:
		fields["resolution"] = map[string]string{"name": j.cfg.Resolutions.Completed}
	case ResolutionCancelled:
		fields["resolution"] = map[string]string{"name": j.cfg.Resolutions.Cancelled}
	}
	if opts.Resolution != ResolutionNone && j.cfg.Fields.ResolutionDetails != "" {
		detail := j.cfg.Resolutions.Unsuccessful
		if opts.Successful {
			detail = j.cfg.Resolutions.Successful
		}
		fields[j.cfg.Fields.ResolutionDetails] = map[string]string{"value": detail}
	}
	if f := j.cfg.Fields.Started; f != "" && !opts.Started.IsZero() {
		fields[f] = j.formatTime(opts.Started)
	}
	if f := j.cfg.Fields.Finished; f != "" && !opts.Finished.IsZero() {
		fields[f] = j.formatTime(opts.Finished)
	}
	if len(fields) > 0 {
		body["fields"] = fields
	}

	client := j.operator
	if opts.AsApprover {
		client = j.approver
	}
	resp, err := client.Issue.DoTransitionWithPayloadWithContext(ctx, key, body)
	return settle("transition "+key, resp, err)
}

// AvailableTransitions implements Tracker
func (j *Jira) AvailableTransitions(ctx context.Context, key string) (map[string]string, error) {
	transitions, resp, err := j.operator.Issue.GetTransitionsWithContext(ctx, key)
	if err := settle("transitions of "+key, resp, err); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(transitions))
	for _, t := range transitions {
		out[t.ID] = t.Name
	}
	return out, nil
}

func (j *Jira) getIssue(ctx context.Context, key string, fields ...string) (*jira.Issue, error) {
	issue, resp, err := j.operator.Issue.GetWithContext(ctx, key, &jira.GetQueryOptions{Fields: strings.Join(fields, ",")})
	if err := settle("get "+key, resp, err); err != nil {
		return nil, err
	}
	if issue.Fields == nil {
		issue.Fields = &jira.IssueFields{}
	}
	return issue, nil
}

func statusName(issue *jira.Issue) string {
	if issue.Fields.Status == nil {
		return ""
	}
	return issue.Fields.Status.Name
}

// parseTime reads a date-time custom field; absent fields are zero
func (j *Jira) parseTime(issue *jira.Issue, field string) (time.Time, error) {
	if field == "" {
		return time.Time{}, nil
	}
	s, _ := issue.Fields.Unknowns[field].(string)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: field %s: %w", issue.Key, field, err)
	}
	return t, nil
}

// GetChange implements Tracker
func (j *Jira) GetChange(ctx context.Context, key string) (*Change, error) {
	fields := []string{"summary", "status", "subtasks"}
	if f := j.cfg.Fields.WindowStart; f != "" {
		fields = append(fields, f)
	}
	if f := j.cfg.Fields.WindowEnd; f != "" {
		fields = append(fields, f)
	}
	parent, err := j.getIssue(ctx, key, fields...)
	if err != nil {
		return nil, err
	}

	change := &Change{
		Key:       parent.Key,
		Summary:   parent.Fields.Summary,
		RawStatus: statusName(parent),
	}
	change.Status = j.statuses.Parse(change.RawStatus)
	if change.WindowStart, err = j.parseTime(parent, j.cfg.Fields.WindowStart); err != nil {
		return nil, err
	}
	if change.WindowEnd, err = j.parseTime(parent, j.cfg.Fields.WindowEnd); err != nil {
		return nil, err
	}

	for _, ref := range parent.Fields.Subtasks {
		sub, err := j.getSubUnit(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		change.SubUnits = append(change.SubUnits, *sub)
	}
	return change, nil
}

func (j *Jira) getSubUnit(ctx context.Context, key string) (*SubUnit, error) {
	i, err := j.getIssue(ctx, key, "summary", "status", "attachment")
	if err != nil {
		return nil, err
	}

	sub := &SubUnit{Key: i.Key, Summary: i.Fields.Summary, RawStatus: statusName(i)}
	sub.Status = j.statuses.Parse(sub.RawStatus)
	for _, a := range i.Fields.Attachments {
		sub.Artifacts = append(sub.Artifacts, Artifact{ID: a.ID, Name: a.Filename, URL: a.Content})
	}
	sort.Slice(sub.Artifacts, func(a, b int) bool { return sub.Artifacts[a].Name < sub.Artifacts[b].Name })
	return sub, nil
}

// CreateIncident implements Tracker
func (j *Jira) CreateIncident(ctx context.Context, incident types.Incident) (string, error) {
	fields := map[string]any{}
	for k, v := range j.cfg.IncidentFields {
		fields[k] = v
	}
	fields["project"] = keyRef{Key: j.cfg.IncidentProject}
	fields["issuetype"] = map[string]string{"name": j.cfg.IncidentIssueType}
	fields["summary"] = IncidentSummary(incident)
	fields["description"] = incident.Description
	return j.createIssue(ctx, fields)
}

// IncidentSummary prefixes the incident title with its automated owner
func IncidentSummary(incident types.Incident) string {
	owner := incident.Owner
	if owner == "" {
		owner = "lifeguard"
	}
	return truncate(fmt.Sprintf("[auto-%s] Problem: %s", owner, incident.Summary))
}

func truncate(s string) string {
	if len(s) <= maxSummaryLength {
		return s
	}
	return s[:maxSummaryLength-3] + "..."
}
