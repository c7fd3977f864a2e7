package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wioota/devloop/pkg/finding"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Index is the derived summary external readers consult first. It is never
// a partial write.
type Index struct {
	LastUpdated       time.Time    `json:"last_updated"`
	CheckNow          CheckNow     `json:"check_now"`
	MentionIfRelevant MentionBlock `json:"mention_if_relevant"`
	Background        CountBlock   `json:"background"`
	AutoFixed         CountBlock   `json:"auto_fixed"`
}

// CheckNow summarizes the immediate tier.
type CheckNow struct {
	Count             int            `json:"count"`
	SeverityBreakdown map[string]int `json:"severity_breakdown"`
	Files             []string       `json:"files"`
	Preview           string         `json:"preview"`
}

// MentionBlock summarizes the relevant tier.
type MentionBlock struct {
	Count   int    `json:"count"`
	Summary string `json:"summary"`
}

// CountBlock is a bare count summary.
type CountBlock struct {
	Count int `json:"count"`
}

const previewLimit = 200

func (s *Store) buildIndex(now time.Time) Index {
	immediate := s.snapshotLocked(finding.TierImmediate)
	relevant := s.snapshotLocked(finding.TierRelevant)
	background := s.snapshotLocked(finding.TierBackground)
	autoFixed := s.snapshotLocked(finding.TierAutoFixed)

	breakdown := make(map[string]int)
	fileSet := make(map[string]bool)
	var files []string
	var preview strings.Builder
	for _, f := range immediate {
		breakdown[string(f.Severity)]++
		if f.File != "" && !fileSet[f.File] {
			fileSet[f.File] = true
			files = append(files, f.File)
		}
		if preview.Len() < previewLimit {
			if preview.Len() > 0 {
				preview.WriteString("; ")
			}
			preview.WriteString(f.Message)
		}
	}
	sort.Strings(files)

	p := preview.String()
	if len(p) > previewLimit {
		p = p[:previewLimit-1] + "…"
	}

	return Index{
		LastUpdated: now,
		CheckNow: CheckNow{
			Count:             len(immediate),
			SeverityBreakdown: breakdown,
			Files:             files,
			Preview:           p,
		},
		MentionIfRelevant: MentionBlock{
			Count:   len(relevant),
			Summary: relevantSummary(relevant),
		},
		Background: CountBlock{Count: len(background)},
		AutoFixed:  CountBlock{Count: len(autoFixed)},
	}
}

func relevantSummary(fs []*finding.Finding) string {
	if len(fs) == 0 {
		return ""
	}
	files := make(map[string]bool)
	for _, f := range fs {
		if f.File != "" {
			files[f.File] = true
		}
	}
	return fmt.Sprintf("%d findings across %d files", len(fs), len(files))
}
