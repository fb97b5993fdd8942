package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedExtractRoundTrip(t *testing.T) {
	p := newTestPlan("one", "two", "three")
	_, _ = p.CompleteActiveItem("summary with `backticks` and\nnewlines")
	require.NoError(t, p.LinkPullRequest(12))
	p.AddTask("follow up", "Follow-up", []string{"four"})

	body, err := Embed("Please add retries.", p)
	require.NoError(t, err)

	got, ok, err := Extract(body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	// write(read(write(plan))) reproduces the same record.
	again, err := Embed(body, got)
	require.NoError(t, err)
	assert.Equal(t, body, again)
	assert.Equal(t, "Please add retries.", Strip(again))
}

func TestExtractWithoutPlan(t *testing.T) {
	p, ok, err := Extract("just an issue body")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestExtractMalformed(t *testing.T) {
	_, _, err := Extract(planOpen + "\nno end")
	assert.Error(t, err)

	_, _, err = Extract(planOpen + "\n```json\n{not json\n```\n" + planClose)
	assert.Error(t, err)
}

func TestEmbedIntoEmptyBody(t *testing.T) {
	body, err := Embed("", New())
	require.NoError(t, err)
	assert.Equal(t, "", Strip(body))

	p, ok, err := Extract(body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, -1, p.ActiveTaskIndex)
}
