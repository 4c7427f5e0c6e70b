// Package carve provides carving-layer implementations of the ingest
// contract. The production CAR/Merkle walker is deployed as a sidecar that
// re-frames commits as JSON documents; JSONFrames consumes that framing and
// is also what the test ingest tooling speaks.
package carve

import (
	"encoding/json"
	"fmt"

	"github.com/char/at-backshots/internal/ingest"
)

type jsonLink struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type jsonRecord struct {
	Collection string     `json:"collection"`
	Rkey       string     `json:"rkey"`
	Links      []jsonLink `json:"links"`
}

type jsonCommit struct {
	Seq     int64        `json:"seq"`
	Repo    string       `json:"repo"`
	Rev     string       `json:"rev"`
	Records []jsonRecord `json:"records"`
}

type jsonRepo struct {
	Rev     string       `json:"rev"`
	Records []jsonRecord `json:"records"`
}

// JSONFrames decodes JSON-framed commits and repository archives.
type JSONFrames struct{}

// NewJSONFrames returns the JSON carving layer.
func NewJSONFrames() *JSONFrames { return &JSONFrames{} }

var _ ingest.Carver = (*JSONFrames)(nil)

// ExtractCommit decodes one frame. Frames without a repo field carry no
// commit and return (nil, nil).
func (c *JSONFrames) ExtractCommit(frame []byte) (*ingest.Commit, error) {
	var doc jsonCommit
	if err := json.Unmarshal(frame, &doc); err != nil {
		return nil, fmt.Errorf("decode commit frame: %w", err)
	}
	if doc.Repo == "" {
		return nil, nil
	}
	return &ingest.Commit{
		Seq:     doc.Seq,
		Repo:    doc.Repo,
		Rev:     doc.Rev,
		Records: convertRecords(doc.Records),
	}, nil
}

// ExtractRepo decodes a full repository archive document.
func (c *JSONFrames) ExtractRepo(did string, archive []byte) ([]ingest.Record, string, error) {
	var doc jsonRepo
	if err := json.Unmarshal(archive, &doc); err != nil {
		return nil, "", fmt.Errorf("decode repo archive: %w", err)
	}
	return convertRecords(doc.Records), doc.Rev, nil
}

func convertRecords(in []jsonRecord) []ingest.Record {
	out := make([]ingest.Record, 0, len(in))
	for _, r := range in {
		links := make([]ingest.Link, 0, len(r.Links))
		for _, l := range r.Links {
			links = append(links, ingest.Link{TargetURI: l.URI, TargetCID: l.CID})
		}
		out = append(out, ingest.Record{Collection: r.Collection, Rkey: r.Rkey, Links: links})
	}
	return out
}
