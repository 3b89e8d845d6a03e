package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"railflow/segments"
)

// Location is one calling point of a historical service. Times are HH:MM
// local clock strings, empty when HSP has none.
type Location struct {
	CRS            string
	PlannedArr     string
	PlannedDep     string
	ActualArr      string
	ActualDep      string
	LateCancReason string
}

type ServiceDetails struct {
	RID           string
	DateOfService string
	TOCCode       string
	Locations     []Location
}

type hspResponse struct {
	ServiceAttributesDetails *hspService `json:"serviceAttributesDetails"`
}

type hspService struct {
	RID           string        `json:"rid"`
	DateOfService string        `json:"date_of_service"`
	TOCCode       string        `json:"toc_code"`
	Locations     []hspLocation `json:"locations"`
}

type hspLocation struct {
	Location       string `json:"location"`
	GbttPta        string `json:"gbtt_pta"`
	GbttPtd        string `json:"gbtt_ptd"`
	ActualTa       string `json:"actual_ta"`
	ActualTd       string `json:"actual_td"`
	LateCancReason string `json:"late_canc_reason"`
}

// ParseServiceDetails decodes an HSP serviceDetails response. A response
// without service attributes or rid is reported as ErrNotFound.
func ParseServiceDetails(data []byte) (ServiceDetails, error) {
	var resp hspResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ServiceDetails{}, fmt.Errorf("decode hsp response: %w", err)
	}
	sad := resp.ServiceAttributesDetails
	if sad == nil || strings.TrimSpace(sad.RID) == "" {
		return ServiceDetails{}, ErrNotFound
	}

	details := ServiceDetails{
		RID:           strings.TrimSpace(sad.RID),
		DateOfService: strings.TrimSpace(sad.DateOfService),
		TOCCode:       strings.TrimSpace(sad.TOCCode),
	}
	for _, l := range sad.Locations {
		crs := strings.TrimSpace(l.Location)
		if crs == "" {
			continue
		}
		details.Locations = append(details.Locations, Location{
			CRS:            crs,
			PlannedArr:     normaliseClock(l.GbttPta),
			PlannedDep:     normaliseClock(l.GbttPtd),
			ActualArr:      normaliseClock(l.ActualTa),
			ActualDep:      normaliseClock(l.ActualTd),
			LateCancReason: strings.TrimSpace(l.LateCancReason),
		})
	}
	return details, nil
}

// normaliseClock turns HSP's HHMM into HH:MM. Values that are already
// colon separated pass through; anything else is dropped.
func normaliseClock(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return ""
	case strings.Contains(v, ":"):
		if _, err := segments.ParseClock(v); err != nil {
			return ""
		}
		return v
	case len(v) == 4:
		if _, err := segments.ParseClock(v); err != nil {
			return ""
		}
		return v[:2] + ":" + v[2:]
	}
	return ""
}

// Sequence is the realized calling order as CRS codes, with consecutive
// repeats collapsed.
func (s ServiceDetails) Sequence() []string {
	seq := make([]string, 0, len(s.Locations))
	for _, l := range s.Locations {
		if len(seq) > 0 && seq[len(seq)-1] == l.CRS {
			continue
		}
		seq = append(seq, l.CRS)
	}
	return seq
}

// ByCRS indexes locations by CRS. A CRS visited twice keeps its last visit.
func (s ServiceDetails) ByCRS() map[string]Location {
	out := make(map[string]Location, len(s.Locations))
	for _, l := range s.Locations {
		out[l.CRS] = l
	}
	return out
}

// MainJourneyPredicate decides whether a realized calling sequence counts as
// the main journey of route.
type MainJourneyPredicate func(route *segments.Route, sequence []string) bool

// CoversRoute reports whether every station of route appears in sequence, in
// any order.
func CoversRoute(route *segments.Route, sequence []string) bool {
	codes := route.CRSCodes()
	if len(codes) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(sequence))
	for _, crs := range sequence {
		seen[crs] = struct{}{}
	}
	for _, crs := range codes {
		if _, ok := seen[crs]; !ok {
			return false
		}
	}
	return true
}
