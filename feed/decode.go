package feed

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"railflow/models"
)

// MaxPayloadSize bounds a decompressed payload.
const MaxPayloadSize = 16 << 20

var ErrEmptyPayload = errors.New("feed: empty payload")

// Decode turns one transport payload into feed events. Payloads may be gzip
// or zlib compressed and hold either JSON (an object with an "events" list, a
// list, or a single event) or a Darwin Push Port XML document.
func Decode(payload []byte) ([]models.FeedEvent, error) {
	data, err := decompress(payload)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	switch data[0] {
	case '<':
		return decodeDarwin(data)
	case '[':
		var events []models.FeedEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return events, nil
	case '{':
		var env struct {
			Events *[]models.FeedEvent `json:"events"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode event object: %w", err)
		}
		if env.Events != nil {
			return *env.Events, nil
		}
		var ev models.FeedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return []models.FeedEvent{ev}, nil
	}
	return nil, fmt.Errorf("feed: unrecognised payload starting with %q", data[0])
}

func decompress(payload []byte) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(payload))
	case len(payload) >= 2 && payload[0]&0x0f == 8 && (uint16(payload[0])<<8|uint16(payload[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(payload))
	default:
		return payload, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open compressed payload: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxPayloadSize)
	}
	return data, nil
}

type darwinTS struct {
	RID       string           `xml:"rid,attr"`
	UID       string           `xml:"uid,attr"`
	SSD       string           `xml:"ssd,attr"`
	Locations []darwinLocation `xml:"Location"`
}

type darwinLocation struct {
	TPL  string      `xml:"tpl,attr"`
	PTA  string      `xml:"pta,attr"`
	PTD  string      `xml:"ptd,attr"`
	WTA  string      `xml:"wta,attr"`
	WTD  string      `xml:"wtd,attr"`
	WTP  string      `xml:"wtp,attr"`
	Arr  *darwinTime `xml:"arr"`
	Dep  *darwinTime `xml:"dep"`
	Pass *darwinTime `xml:"pass"`
}

type darwinTime struct {
	ET  string `xml:"et,attr"`
	WET string `xml:"wet,attr"`
	AT  string `xml:"at,attr"`
}

func (t *darwinTime) estimate() string {
	if t.ET != "" {
		return t.ET
	}
	return t.WET
}

// decodeDarwin extracts train status (TS) locations from a Push Port
// document. Schedule and other message types are ignored.
func decodeDarwin(data []byte) ([]models.FeedEvent, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var events []models.FeedEvent
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode darwin xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "TS" {
			continue
		}
		var ts darwinTS
		if err := dec.DecodeElement(&ts, &start); err != nil {
			return nil, fmt.Errorf("decode darwin TS: %w", err)
		}
		for _, loc := range ts.Locations {
			events = append(events, loc.events(ts)...)
		}
	}
}

// events yields one event per movement reported at the location.
func (l darwinLocation) events(ts darwinTS) []models.FeedEvent {
	base := models.FeedEvent{
		RID: ts.RID, UID: ts.UID, SSD: ts.SSD, TPL: l.TPL,
		PTA: l.PTA, PTD: l.PTD, WTA: l.WTA, WTD: l.WTD, WTP: l.WTP,
	}
	if l.Arr != nil {
		base.ETA, base.ATA = l.Arr.estimate(), l.Arr.AT
	}
	if l.Dep != nil {
		base.ETD, base.ATD = l.Dep.estimate(), l.Dep.AT
	}

	var out []models.FeedEvent
	if l.Arr != nil {
		ev := base
		ev.Type = models.EventArrival
		out = append(out, ev)
	}
	if l.Dep != nil {
		ev := base
		ev.Type = models.EventDeparture
		out = append(out, ev)
	}
	if l.Pass != nil {
		ev := base
		ev.Type = models.EventPass
		ev.ETA, ev.ATA = l.Pass.estimate(), l.Pass.AT
		ev.ETD, ev.ATD = l.Pass.estimate(), l.Pass.AT
		out = append(out, ev)
	}
	return out
}
