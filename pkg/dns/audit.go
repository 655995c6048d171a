package dns

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/lifeguard/pkg/log"
	"github.com/cuemby/lifeguard/pkg/metrics"
)

// Check names one of the four reconciliation checks
type Check string

const (
	CheckStaleAlias   Check = "stale-alias"
	CheckMissingAlias Check = "missing-alias"
	CheckReverse      Check = "reverse"
	CheckForward      Check = "forward"
)

// Level is the severity of an audit entry
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one line of an audit log. Error entries are findings.
type Entry struct {
	Check     Check
	Subject   string
	Level     Level
	Message   string
	Corrected bool
}

// AuditLog is the ordered, append-only result of one audit
type AuditLog struct {
	Alias   string
	Entries []Entry
	logger  zerolog.Logger
}

func (l *AuditLog) add(e Entry) {
	l.Entries = append(l.Entries, e)

	var ev *zerolog.Event
	switch e.Level {
	case LevelError:
		ev = l.logger.Error()
	case LevelWarn:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev.Str("check", string(e.Check)).Str("subject", e.Subject).Bool("corrected", e.Corrected).Msg(e.Message)
}

// Findings returns the discrepancies detected
func (l *AuditLog) Findings() []Entry {
	var out []Entry
	for _, e := range l.Entries {
		if e.Level == LevelError {
			out = append(out, e)
		}
	}
	return out
}

// String renders the log one entry per line
func (l *AuditLog) String() string {
	var b strings.Builder
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "[%s] %s %s: %s", e.Level, e.Check, e.Subject, e.Message)
		if e.Corrected {
			b.WriteString(" (corrected)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Member is a pool member with its known address
type Member struct {
	Name string
	IP   string
}

// Auditor compares a directory against pool membership
type Auditor struct {
	Directory Directory
}

// NewAuditor creates an auditor over dir
func NewAuditor(dir Directory) *Auditor {
	return &Auditor{Directory: dir}
}

// Audit runs the four checks against the pool alias and its members. With
// fix set every finding is corrected in place. Checks are best effort: a
// lookup or correction failure is logged and the audit continues.
func (a *Auditor) Audit(ctx context.Context, alias string, members []Member, fix bool) *AuditLog {
	l := &AuditLog{Alias: alias, logger: log.WithPool("dns", alias)}

	var live []Member
	memberIPs := map[string]bool{}
	for _, m := range members {
		if m.IP == "" {
			l.add(Entry{Check: CheckMissingAlias, Subject: m.Name, Level: LevelWarn, Message: "member has no known address, skipping"})
			continue
		}
		live = append(live, m)
		memberIPs[m.IP] = true
	}

	aliasIPs, err := a.Directory.LookupA(ctx, alias)
	if err != nil {
		l.add(Entry{Check: CheckStaleAlias, Subject: alias, Level: LevelWarn, Message: "alias lookup failed: " + err.Error()})
	} else {
		a.checkStaleAlias(ctx, l, alias, aliasIPs, memberIPs, fix)
		a.checkMissingAlias(ctx, l, alias, aliasIPs, live, fix)
	}

	for _, m := range live {
		a.checkReverse(ctx, l, m, fix)
		a.checkForward(ctx, l, m, fix)
	}

	if len(l.Findings()) == 0 {
		l.add(Entry{Subject: alias, Level: LevelInfo, Message: "no discrepancies found"})
	}
	return l
}

// finding records a discrepancy and, with fix set, the result of correct
func (a *Auditor) finding(l *AuditLog, check Check, subject, message string, fix bool, correct func() error) {
	metrics.DNSFindingsTotal.WithLabelValues(string(check)).Inc()
	entry := Entry{Check: check, Subject: subject, Level: LevelError, Message: message}
	if !fix {
		l.add(entry)
		return
	}

	err := correct()
	metrics.DNSCorrectionsTotal.WithLabelValues(string(check), metrics.Result(err)).Inc()
	if err != nil {
		entry.Message = fmt.Sprintf("%s; correction failed: %v", message, err)
		l.add(entry)
		return
	}
	entry.Corrected = true
	l.add(entry)
}

func (a *Auditor) checkStaleAlias(ctx context.Context, l *AuditLog, alias string, aliasIPs []string, memberIPs map[string]bool, fix bool) {
	for _, ip := range aliasIPs {
		if memberIPs[ip] {
			continue
		}
		a.finding(l, CheckStaleAlias, alias,
			fmt.Sprintf("alias address %s does not belong to any member", ip), fix,
			func() error { return a.Directory.DeleteA(ctx, alias, ip) })
	}
}

func (a *Auditor) checkMissingAlias(ctx context.Context, l *AuditLog, alias string, aliasIPs []string, members []Member, fix bool) {
	present := map[string]bool{}
	for _, ip := range aliasIPs {
		present[ip] = true
	}
	for _, m := range members {
		if present[m.IP] {
			continue
		}
		a.finding(l, CheckMissingAlias, m.Name,
			fmt.Sprintf("member address %s is missing from alias %s", m.IP, alias), fix,
			func() error { return a.Directory.AddA(ctx, alias, m.IP) })
	}
}

func (a *Auditor) checkReverse(ctx context.Context, l *AuditLog, m Member, fix bool) {
	names, err := a.Directory.LookupPTR(ctx, m.IP)
	if err != nil {
		l.add(Entry{Check: CheckReverse, Subject: m.Name, Level: LevelWarn, Message: "reverse lookup failed: " + err.Error()})
		return
	}
	if len(names) == 1 && names[0] == m.Name {
		return
	}
	a.finding(l, CheckReverse, m.Name,
		fmt.Sprintf("reverse lookup of %s returned %v, expected [%s]", m.IP, names, m.Name), fix,
		func() error { return a.Directory.ReplacePTR(ctx, m.IP, m.Name) })
}

func (a *Auditor) checkForward(ctx context.Context, l *AuditLog, m Member, fix bool) {
	ips, err := a.Directory.LookupA(ctx, m.Name)
	if err != nil {
		l.add(Entry{Check: CheckForward, Subject: m.Name, Level: LevelWarn, Message: "forward lookup failed: " + err.Error()})
		return
	}
	if len(ips) == 1 && ips[0] == m.IP {
		return
	}
	a.finding(l, CheckForward, m.Name,
		fmt.Sprintf("forward lookup returned %v, expected [%s]", ips, m.IP), fix,
		func() error { return a.Directory.ReplaceA(ctx, m.Name, m.IP) })
}
