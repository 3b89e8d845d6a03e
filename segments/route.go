package segments

import (
	"errors"
	"fmt"
)

type Station struct {
	TIPLOC string
	CRS    string
	Name   string
}

// Route is an ordered list of stations. Consecutive stations form the
// tracked origin to destination pairs; the reverse direction is not tracked.
type Route struct {
	stations []Station
	byTPL    map[string]int
	byCRS    map[string]int
}

func NewRoute(stations []Station) (*Route, error) {
	if len(stations) < 2 {
		return nil, errors.New("route needs at least two stations")
	}
	r := &Route{
		stations: append([]Station(nil), stations...),
		byTPL:    make(map[string]int, len(stations)),
		byCRS:    make(map[string]int, len(stations)),
	}
	for i, st := range stations {
		if st.TIPLOC == "" {
			return nil, fmt.Errorf("station %d: missing tiploc", i)
		}
		if _, dup := r.byTPL[st.TIPLOC]; dup {
			return nil, fmt.Errorf("station %d: duplicate tiploc %s", i, st.TIPLOC)
		}
		r.byTPL[st.TIPLOC] = i
		if st.CRS != "" {
			r.byCRS[st.CRS] = i
		}
	}
	return r, nil
}

func (r *Route) Len() int { return len(r.stations) }

func (r *Route) Station(i int) Station { return r.stations[i] }

func (r *Route) Stations() []Station { return append([]Station(nil), r.stations...) }

func (r *Route) Index(tpl string) (int, bool) {
	i, ok := r.byTPL[tpl]
	return i, ok
}

func (r *Route) IndexCRS(crs string) (int, bool) {
	i, ok := r.byCRS[crs]
	return i, ok
}

// CRS returns the CRS code for a TIPLOC, or "" when the station is unknown
// or has no CRS.
func (r *Route) CRS(tpl string) string {
	if i, ok := r.byTPL[tpl]; ok {
		return r.stations[i].CRS
	}
	return ""
}

// CRSCodes lists the route's CRS codes in calling order.
func (r *Route) CRSCodes() []string {
	out := make([]string, 0, len(r.stations))
	for _, st := range r.stations {
		if st.CRS != "" {
			out = append(out, st.CRS)
		}
	}
	return out
}

// Pairs lists the tracked pairs as "ORIGIN_DEST" TIPLOC identifiers.
func (r *Route) Pairs() []string {
	out := make([]string, 0, len(r.stations)-1)
	for i := 0; i+1 < len(r.stations); i++ {
		out = append(out, r.stations[i].TIPLOC+"_"+r.stations[i+1].TIPLOC)
	}
	return out
}
