package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"tierline/internal/catalog"
	"tierline/internal/domain"
	"tierline/internal/engine"
)

func roleColor(r domain.Role) *color.Color {
	switch r {
	case domain.RoleApprover:
		return color.New(color.FgGreen, color.Bold)
	case domain.RoleSupervisor:
		return color.New(color.FgCyan)
	case domain.RoleObserver:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func roleCell(d domain.PermissionDecision) string {
	label := string(d.Role)
	if d.ActingForGroup != "" {
		label += " (" + d.ActingForGroup + ")"
	}
	return roleColor(d.Role).Sprint(label)
}

func check(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("✓")
	}
	return "·"
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderActors(actors []domain.Actor, topAdmin float64) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Org level", "Department", ""})
	for _, a := range actors {
		note := ""
		if a.OrgLevel == topAdmin {
			note = color.New(color.FgMagenta).Sprint("top admin")
		}
		tw.AppendRow(table.Row{a.ID, formatLevel(a.OrgLevel), a.DepartmentID, note})
	}
	tw.Render()
}

func renderDecision(a domain.Actor, d domain.PermissionDecision) {
	fmt.Printf("%s (org level %s): %s via %s\n", a.ID, formatLevel(a.OrgLevel), roleCell(d), d.Basis)
	tw := newTable()
	tw.AppendHeader(table.Row{"View", "Comment", "Approve", "Override", "Form team"})
	tw.AppendRow(table.Row{check(d.CanView), check(d.CanComment), check(d.CanApprove), check(d.CanEmergencyOverride), check(d.CanFormTeam)})
	tw.Render()
}

func renderMatrix(actors []domain.Actor, levels []domain.Level, rows map[string]map[domain.Level]domain.PermissionDecision) {
	tw := newTable()
	header := table.Row{"Actor", "Org level"}
	for _, l := range levels {
		header = append(header, string(l))
	}
	tw.AppendHeader(header)
	for _, a := range actors {
		row := table.Row{a.ID, formatLevel(a.OrgLevel)}
		for _, l := range levels {
			row = append(row, roleCell(rows[a.ID][l]))
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

func renderEvaluation(a domain.Actor, ev engine.Evaluation) {
	fmt.Printf("Track: %s\n", ev.Track)
	level := string(ev.Level)
	if ev.Label != "" {
		level += " (" + ev.Label + ")"
	}
	fmt.Printf("Level: %s\n", level)
	if ev.Responsibility != nil {
		fmt.Printf("Responsibility: min %s, target %s\n", formatLevel(ev.Responsibility.MinOrgLevel), formatLevel(ev.Responsibility.TargetOrgLevel))
	}
	if ev.GroupID != "" {
		fmt.Printf("Voting group: %s\n", ev.GroupID)
	}
	renderDecision(a, ev.Decision)
}

func renderLadder(track domain.Track, dept string, rungs []catalog.Rung) {
	title := string(track)
	if dept != "" {
		title += " / " + dept
	}
	tw := newTable()
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"Level", "Cutoff", "Min", "Target", "Label"})
	for _, r := range rungs {
		cutoff, lo, target, label := "-", "", "", ""
		if r.Cutoff != nil {
			cutoff = formatLevel(*r.Cutoff)
		}
		if r.Responsibility != nil {
			lo = formatLevel(r.Responsibility.MinOrgLevel)
			target = formatLevel(r.Responsibility.TargetOrgLevel)
			label = r.Responsibility.Label
		}
		tw.AppendRow(table.Row{r.Level, cutoff, lo, target, label})
	}
	tw.Render()
}

func renderGroups(gs []domain.VotingGroup) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Departments", "Approver", "Rotation", "Last rotated"})
	for _, g := range gs {
		rotation, last := "fixed", ""
		if r, ok := g.Rotating(); ok {
			rotation = fmt.Sprintf("%s %d/%d [%s]", r.Period, r.CurrentIndex+1, len(r.Members), strings.Join(r.Members, ","))
			if !r.LastRotatedAt.IsZero() {
				last = r.LastRotatedAt.UTC().Format(time.RFC3339)
			}
		}
		tw.AppendRow(table.Row{g.ID, strings.Join(g.MemberDepartmentIDs, ","), g.CurrentApprover(), rotation, last})
	}
	tw.Render()
}

func renderAudit(entries []domain.AuditEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Subject"})
	for _, e := range entries {
		action := e.Action
		if strings.HasSuffix(action, "_DENIED") {
			action = color.New(color.FgRed).Sprint(action)
		}
		tw.AppendRow(table.Row{e.Timestamp.UTC().Format(time.RFC3339), e.ActorID, action, e.Subject})
	}
	tw.Render()
}

func groupView(g domain.VotingGroup) map[string]any {
	out := map[string]any{
		"id":                    g.ID,
		"name":                  g.Name,
		"member_department_ids": g.MemberDepartmentIDs,
		"primary_approver_id":   g.PrimaryApproverID,
		"current_approver_id":   g.CurrentApprover(),
		"version":               g.Version,
	}
	if r, ok := g.Rotating(); ok {
		out["rotation"] = r
	}
	return out
}

func groupViews(gs []domain.VotingGroup) []map[string]any {
	out := make([]map[string]any, 0, len(gs))
	for _, g := range gs {
		out = append(out, groupView(g))
	}
	return out
}
