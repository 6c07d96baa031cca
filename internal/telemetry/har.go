package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// harFile holds the subset of the HAR 1.2 format needed to rebuild a resource
// timeline.
type harFile struct {
	Log struct {
		Pages []struct {
			StartedDateTime time.Time `json:"startedDateTime"`
		} `json:"pages"`
		Entries []harEntry `json:"entries"`
	} `json:"log"`
}

type harEntry struct {
	StartedDateTime time.Time `json:"startedDateTime"`
	Request         struct {
		URL string `json:"url"`
	} `json:"request"`
	Response struct {
		BodySize    int64 `json:"bodySize"`
		HeadersSize int64 `json:"headersSize"`
		Content     struct {
			Size int64 `json:"size"`
		} `json:"content"`
		TransferSize int64 `json:"_transferSize"`
	} `json:"response"`
}

// LoadHAR converts a HAR document into resource entries. StartTime is the
// offset in milliseconds from the first page's start (or from the earliest
// entry when the HAR has no pages). The first entry is the document itself,
// which the performance timeline does not report as a resource, so it is
// skipped.
func LoadHAR(r io.Reader) (Static, error) {
	var h harFile
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("telemetry: decode har: %w", err)
	}
	if len(h.Log.Entries) == 0 {
		return Static{}, nil
	}

	origin := h.Log.Entries[0].StartedDateTime
	if len(h.Log.Pages) > 0 && !h.Log.Pages[0].StartedDateTime.IsZero() {
		origin = h.Log.Pages[0].StartedDateTime
	}
	for _, e := range h.Log.Entries {
		if e.StartedDateTime.Before(origin) {
			origin = e.StartedDateTime
		}
	}

	out := make(Static, 0, len(h.Log.Entries)-1)
	for _, e := range h.Log.Entries[1:] {
		transfer := e.Response.TransferSize
		if transfer <= 0 && e.Response.BodySize > 0 {
			transfer = e.Response.BodySize
			if e.Response.HeadersSize > 0 {
				transfer += e.Response.HeadersSize
			}
		}
		out = append(out, types.ResourceEntry{
			URL:             e.Request.URL,
			StartTime:       float64(e.StartedDateTime.Sub(origin)) / float64(time.Millisecond),
			EncodedBodySize: nonNegative(e.Response.BodySize),
			DecodedBodySize: nonNegative(e.Response.Content.Size),
			TransferSize:    nonNegative(transfer),
		})
	}
	return out, nil
}

// HAR uses -1 for unknown sizes.
func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
