package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/matst80/factcheck/internal/proto"
)

// renderResult prints a verification result as plain text.
func renderResult(w io.Writer, res *proto.VerificationResult) {
	if res == nil {
		return
	}
	out := res.Result.Output
	switch {
	case out.Report != nil:
		renderReport(w, out.Report)
	case out.Text != "":
		fmt.Fprintln(w, out.Text)
	case len(out.Raw) > 0:
		fmt.Fprintln(w, string(out.Raw))
	}
}

func renderReport(w io.Writer, r *proto.Report) {
	fmt.Fprintf(w, "Report (%s)\n", r.InputType)
	if r.MediaURI != "" {
		fmt.Fprintf(w, "Media: %s\n", r.MediaURI)
	}
	if r.Report != "" {
		fmt.Fprintln(w, r.Report)
	}
	if len(r.Claims) > 0 {
		fmt.Fprintln(w, "\nClaims:")
		for i, c := range r.Claims {
			fmt.Fprintf(w, "%d. [%s] %s%s\n", i+1, judgment(c.Judgment), c.Text, span(c))
			if c.Explanation != "" {
				fmt.Fprintf(w, "   %s\n", c.Explanation)
			}
		}
	}
	if len(r.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, s := range r.Sources {
			title := s.Title
			if title == "" {
				title = s.URL
			}
			fmt.Fprintf(w, "- %s <%s>\n", title, s.URL)
		}
	}
	if len(r.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
		for _, s := range r.Suggestions {
			fmt.Fprintf(w, "- %s\n", s)
		}
	}
}

func judgment(j proto.Judgment) string {
	if j == "" {
		return strings.ToUpper(string(proto.JudgmentUnsure))
	}
	return strings.ToUpper(string(j))
}

// span formats the media position of a claim, if any.
func span(c proto.Claim) string {
	switch {
	case c.StartTime != nil && c.EndTime != nil:
		return fmt.Sprintf(" (%s-%s)", clock(*c.StartTime), clock(*c.EndTime))
	case c.StartTime != nil:
		return fmt.Sprintf(" (%s)", clock(*c.StartTime))
	}
	return ""
}

func clock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	s := int(sec)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
