package carve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char/at-backshots/internal/ingest"
)

func TestExtractCommit(t *testing.T) {
	c := NewJSONFrames()

	commit, err := c.ExtractCommit([]byte(`{
		"seq": 42,
		"repo": "did:plc:alpha",
		"rev": "3lkpfgi6mck23",
		"records": [
			{
				"collection": "app.bsky.feed.like",
				"rkey": "3lkpfgi6mck24",
				"links": [
					{"uri": "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck25", "cid": "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a"}
				]
			}
		]
	}`))
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, int64(42), commit.Seq)
	assert.Equal(t, "did:plc:alpha", commit.Repo)
	assert.Equal(t, "3lkpfgi6mck23", commit.Rev)
	require.Len(t, commit.Records, 1)
	assert.Equal(t, ingest.Record{
		Collection: "app.bsky.feed.like",
		Rkey:       "3lkpfgi6mck24",
		Links: []ingest.Link{{
			TargetURI: "at://did:plc:beta/app.bsky.feed.post/3lkpfgi6mck25",
			TargetCID: "bafyreidfayvfuwqa7qlnopdjiqrxzs6blmoeu4rujcjtnci5beludirz2a",
		}},
	}, commit.Records[0])
}

func TestExtractCommitNonCommitFrame(t *testing.T) {
	c := NewJSONFrames()
	commit, err := c.ExtractCommit([]byte(`{"name": "OutdatedCursor"}`))
	require.NoError(t, err)
	assert.Nil(t, commit)
}

func TestExtractCommitBadFrame(t *testing.T) {
	c := NewJSONFrames()
	_, err := c.ExtractCommit([]byte(`not json`))
	assert.Error(t, err)
}

func TestExtractRepo(t *testing.T) {
	c := NewJSONFrames()
	records, rev, err := c.ExtractRepo("did:plc:alpha", []byte(`{
		"rev": "3lkpfgi6mck26",
		"records": [
			{"collection": "app.bsky.feed.post", "rkey": "3lkpfgi6mck27", "links": []}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "3lkpfgi6mck26", rev)
	require.Len(t, records, 1)
	assert.Equal(t, "app.bsky.feed.post", records[0].Collection)
}
