// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/pkgbroker/broker"
)

// report is the printable form of a query result.
type report struct {
	Helper   helperSummary   `json:"helper"`
	Notice   string          `json:"notice,omitempty"`
	Current  profileReport   `json:"current"`
	Users    []string        `json:"user_profiles"`
	Profiles []profileReport `json:"profiles"`
}

type helperSummary struct {
	Permission string `json:"permission"`
	CallShape  string `json:"call_shape,omitempty"`
}

type profileReport struct {
	Handle   string   `json:"handle"`
	UserID   int      `json:"user_id"`
	Channel  string   `json:"channel"`
	Packages []string `json:"packages"`
	Error    string   `json:"error,omitempty"`

	permission broker.PermissionState
}

func newReport(result *broker.QueryResult, state broker.PermissionState, shape broker.CallShape) report {
	out := report{
		Helper:   helperSummary{Permission: state.String()},
		Notice:   result.Notice,
		Current:  newProfileReport(result.Current),
		Users:    make([]string, len(result.Handles)),
		Profiles: make([]profileReport, len(result.Profiles)),
	}
	for i, handle := range result.Handles {
		out.Users[i] = handle.String()
	}
	if shape != nil {
		out.Helper.CallShape = shape.Method()
	}
	for i, entry := range result.Profiles {
		out.Profiles[i] = newProfileReport(entry)
	}
	return out
}

func newProfileReport(entry broker.Entry) profileReport {
	profile := profileReport{
		UserID:     entry.Identity.ID,
		Channel:    string(entry.Channel),
		Packages:   make([]string, len(entry.Records)),
		permission: entry.Permission,
	}
	if entry.Identity.Handle != nil {
		profile.Handle = entry.Identity.Handle.String()
	}
	for i, record := range entry.Records {
		profile.Packages[i] = record.Name
	}
	if entry.Err != nil {
		profile.Error = entry.Err.Error()
	}
	return profile
}

func (r report) writeJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// styles holds the text styles. Without a terminal every style
// renders plain text.
type styles struct {
	heading lipgloss.Style
	handle  lipgloss.Style
	faint   lipgloss.Style
	warning lipgloss.Style
}

func newStyles(w io.Writer, styled bool) styles {
	renderer := lipgloss.NewRenderer(w)
	if styled {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return styles{
		heading: renderer.NewStyle().Bold(true),
		handle:  renderer.NewStyle().Foreground(lipgloss.Color("39")),
		faint:   renderer.NewStyle().Faint(true),
		warning: renderer.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

func (r report) writeText(w io.Writer, styled bool) error {
	style := newStyles(w, styled)
	var b strings.Builder

	helperLine := "Helper: " + r.Helper.Permission
	if r.Helper.CallShape != "" {
		helperLine += style.faint.Render(" (" + r.Helper.CallShape + ")")
	}
	b.WriteString(helperLine + "\n")
	if r.Notice != "" {
		b.WriteString(style.warning.Render(r.Notice) + "\n")
	}

	b.WriteString("\n" + style.heading.Render("Current profile") + "\n")
	writeProfile(&b, style, r.Current)

	b.WriteString("\n" + style.heading.Render("User profiles") + "\n")
	if len(r.Users) == 0 {
		b.WriteString(style.faint.Render("  none") + "\n")
	}
	for _, user := range r.Users {
		b.WriteString("  " + style.handle.Render(user) + "\n")
	}

	b.WriteString("\n" + style.heading.Render("All profiles") + "\n")
	if len(r.Profiles) == 0 {
		b.WriteString(style.faint.Render("  none") + "\n")
	}
	for _, profile := range r.Profiles {
		writeProfile(&b, style, profile)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeProfile(b *strings.Builder, style styles, profile profileReport) {
	fmt.Fprintf(b, "  %s %s\n",
		style.handle.Render(profile.Handle),
		style.faint.Render(fmt.Sprintf("[user %d, %s]", profile.UserID, profile.Channel)),
	)
	switch {
	case profile.Error != "":
		b.WriteString("    " + style.warning.Render("unavailable: "+profile.Error) + "\n")
	case len(profile.Packages) == 0 && profile.Channel == string(broker.ChannelPrivileged) && profile.permission != broker.StateGranted:
		b.WriteString("    " + style.faint.Render("permission "+profile.permission.String()) + "\n")
	case len(profile.Packages) == 0:
		b.WriteString("    " + style.faint.Render("no packages") + "\n")
	}
	for _, name := range profile.Packages {
		b.WriteString("    " + name + "\n")
	}
}
