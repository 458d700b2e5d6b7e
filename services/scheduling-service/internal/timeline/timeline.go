// Package timeline merges a pet's heterogeneous care history into one
// reverse-chronological feed. The merge is read-only and recomputed on every
// fetch; which source lists participate is the caller's choice (the doctor
// view passes vaccinations and exams, the spa view passes spa services and
// health alerts).
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type EntryType string

const (
	TypeVaccine EntryType = "VACCINE"
	TypeExam    EntryType = "EXAM"
	TypeSpa     EntryType = "SPA"
	TypeAlert   EntryType = "ALERT"
)

// Entry is the common shape every source record maps into. Entries are never
// mutated after mapping.
type Entry struct {
	Type  EntryType `json:"type"`
	Date  time.Time `json:"date"`
	Title string    `json:"title"`
	Note  string    `json:"note"`
}

// Source record shapes, as returned by the medical-record store.

type VaccinationRecord struct {
	Date           time.Time
	VaccineName    string
	Note           string
	AdministeredBy string
	NextDueDate    *time.Time
}

type ExamRecord struct {
	Date      time.Time
	Diagnosis string
	Examiner  string
}

type SpaServiceRecord struct {
	Date        time.Time
	ServiceName string
	Note        string
	PerformedBy string
}

type HealthAlert struct {
	CreatedAt time.Time
	Content   string
}

func FromVaccinations(recs []VaccinationRecord) []Entry {
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			Type:  TypeVaccine,
			Date:  r.Date,
			Title: "Vaccination: " + r.VaccineName,
			Note:  joinNote(r.Note, byline("administered by", r.AdministeredBy)),
		})
	}
	return entries
}

func FromExams(recs []ExamRecord) []Entry {
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			Type:  TypeExam,
			Date:  r.Date,
			Title: r.Diagnosis,
			Note:  byline("examined by", r.Examiner),
		})
	}
	return entries
}

func FromSpaServices(recs []SpaServiceRecord) []Entry {
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			Type:  TypeSpa,
			Date:  r.Date,
			Title: "Service: " + r.ServiceName,
			Note:  joinNote(r.Note, byline("performed by", r.PerformedBy)),
		})
	}
	return entries
}

func FromAlerts(recs []HealthAlert) []Entry {
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			Type:  TypeAlert,
			Date:  r.CreatedAt,
			Title: "HEALTH ALERT",
			Note:  r.Content,
		})
	}
	return entries
}

// Merge concatenates the given entry lists and orders them most recent
// first. Identical timestamps carry no guaranteed relative order.
func Merge(lists ...[]Entry) []Entry {
	var merged []Entry
	for _, l := range lists {
		merged = append(merged, l...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Date.After(merged[j].Date)
	})
	return merged
}

func joinNote(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func byline(verb, who string) string {
	if strings.TrimSpace(who) == "" {
		return ""
	}
	return fmt.Sprintf("%s %s", verb, who)
}
