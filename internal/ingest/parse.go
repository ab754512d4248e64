package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/targetfeed/targetfeed/internal/store"
)

// Source publishers have used both day-first and ISO-style timestamp tokens
// at the start of a filename.
var filenameTimeLayouts = []string{
	"02-01-2006_15-04-05",
	"2006-01-02_15-04-05",
}

const timestampTokenLen = 19

// ParseFilenameTimestamp extracts the UTC timestamp token anchored at the
// start of a filename. A filename without a recognizable token is not an
// error; the caller stores a null fetched_at.
func ParseFilenameTimestamp(name string) *time.Time {
	if len(name) < timestampTokenLen {
		return nil
	}
	token := name[:timestampTokenLen]
	for _, layout := range filenameTimeLayouts {
		if ts, err := time.ParseInLocation(layout, token, time.UTC); err == nil {
			return &ts
		}
	}
	return nil
}

// NormalizeHost reduces a hostname to its deduplication key: surrounding
// whitespace trimmed, ASCII-lowercased, one leading "www." stripped. The
// second return is false when nothing usable remains.
func NormalizeHost(host string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(host))
	normalized = strings.TrimPrefix(normalized, "www.")
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

type sourceDocument struct {
	Targets []json.RawMessage `json:"targets"`
	Randoms []json.RawMessage `json:"randoms"`
}

type sourceTarget struct {
	TargetID  string          `json:"target_id"`
	RequestID string          `json:"request_id"`
	Host      string          `json:"host"`
	IP        string          `json:"ip"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Port      *int            `json:"port"`
	UseSSL    *bool           `json:"use_ssl"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body"`
	Headers   json.RawMessage `json:"headers"`
}

type sourceRandom struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Digit *bool  `json:"digit"`
	Upper *bool  `json:"upper"`
	Lower *bool  `json:"lower"`
	Min   *int64 `json:"min"`
	Max   *int64 `json:"max"`
}

// Extraction is the validated, deduplicated record set of one source file,
// along with drop counts kept for observability.
type Extraction struct {
	Targets []store.Target
	Randoms []store.Random

	MalformedTargets   int
	MalformedRandoms   int
	DuplicateTargets   int
	TargetsWithoutHost int
	MalformedSample    string
}

// Extract parses a source document and builds the insertable record set.
// Individual malformed records are dropped and counted; only a top-level
// parse failure is an error.
func Extract(data []byte) (Extraction, error) {
	var doc sourceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Extraction{}, fmt.Errorf("parse source document: %w", err)
	}

	var out Extraction

	for _, raw := range doc.Randoms {
		var r sourceRandom
		if err := json.Unmarshal(raw, &r); err != nil {
			out.MalformedRandoms++
			if out.MalformedSample == "" {
				out.MalformedSample = sample(raw)
			}
			continue
		}
		out.Randoms = append(out.Randoms, store.Random{
			Name:     r.Name,
			RemoteID: r.ID,
			Digit:    r.Digit,
			Upper:    r.Upper,
			Lower:    r.Lower,
			Min:      r.Min,
			Max:      r.Max,
		})
	}

	seenHosts := make(map[string]struct{})
	for _, raw := range doc.Targets {
		var t sourceTarget
		if err := json.Unmarshal(raw, &t); err != nil {
			out.MalformedTargets++
			if out.MalformedSample == "" {
				out.MalformedSample = sample(raw)
			}
			continue
		}
		normalized, ok := NormalizeHost(t.Host)
		if !ok {
			out.TargetsWithoutHost++
			continue
		}
		// First occurrence wins; later duplicates are discarded, not merged.
		if _, dup := seenHosts[normalized]; dup {
			out.DuplicateTargets++
			continue
		}
		seenHosts[normalized] = struct{}{}

		var ip *string
		if t.IP != "" {
			ip = &t.IP
		}
		out.Targets = append(out.Targets, store.Target{
			TargetID:       t.TargetID,
			RequestID:      t.RequestID,
			Host:           t.Host,
			NormalizedHost: normalized,
			IP:             ip,
			Type:           t.Type,
			Method:         t.Method,
			Port:           t.Port,
			UseSSL:         t.UseSSL,
			Path:           t.Path,
			Body:           compactJSON(t.Body),
			Headers:        compactJSON(t.Headers),
		})
	}

	return out, nil
}

// compactJSON returns nil for absent or null values so the column stores
// SQL NULL instead of the string "null".
func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

const sampleLimit = 200

func sample(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > sampleLimit {
		return s[:sampleLimit]
	}
	return s
}
