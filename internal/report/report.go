// Package report assembles session attendance for display and export. The
// record stream is append-only and at-least-once, so reporting groups by
// participant and tolerates duplicates.
package report

import (
	"sort"

	"presence/internal/session"
)

// Summary is one participant's rollup across a session: PRESENT if any cycle
// matched them, otherwise the status of their latest record.
type Summary struct {
	Email      string         `json:"email"`
	Name       string         `json:"name"`
	Status     session.Status `json:"status"`
	Records    int            `json:"records"`
	FirstSeen  string         `json:"first_seen"`
	LastStatus string         `json:"last_status"`
}

// Summarize groups a session's records by participant.
func Summarize(records []session.Record) []Summary {
	byEmail := make(map[string]*Summary)
	order := make([]string, 0)

	sorted := make([]session.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	for _, rec := range sorted {
		s, ok := byEmail[rec.Email]
		if !ok {
			s = &Summary{
				Email:     rec.Email,
				Name:      rec.Name,
				Status:    rec.Status,
				FirstSeen: rec.CapturedAt.Format("2006-01-02 15:04:05"),
			}
			byEmail[rec.Email] = s
			order = append(order, rec.Email)
		}
		s.Records++
		s.LastStatus = string(rec.Status)
		if rec.Status == session.StatusPresent {
			s.Status = session.StatusPresent
		}
		if rec.Name != "" {
			s.Name = rec.Name
		}
	}

	out := make([]Summary, 0, len(order))
	for _, email := range order {
		out = append(out, *byEmail[email])
	}
	return out
}
