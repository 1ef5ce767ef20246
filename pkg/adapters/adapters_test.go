package adapters

import (
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/kittclouds/kittlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCacheShapes(t *testing.T) {
	a, err := Parse("wikidata", []byte(`{
		"WaterCube": "Q1",
		"organization|Genesis Systems": [{"id": ""}, {"id": "Q2"}],
		"numeric": 17,
		"empty": [],
		"!!!": "Q9"
	}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Len())

	id, ok := a.Lookup("ORG", "watercube")
	assert.True(t, ok)
	assert.Equal(t, "Q1", id)

	id, _ = a.Lookup("PERSON", "genesis systems")
	assert.Equal(t, "Q2", id, "no type restriction by default")

	id, _ = a.Lookup("ORG", "numeric")
	assert.Equal(t, "17", id)
}

func TestUEIDefaultsToOrganizations(t *testing.T) {
	a, err := Parse("uei", []byte(`{"acme": "U1"}`), nil)
	require.NoError(t, err)

	_, ok := a.Lookup("PERSON", "acme")
	assert.False(t, ok)
	id, ok := a.Lookup("ORGANIZATION", "acme")
	assert.True(t, ok)
	assert.Equal(t, "U1", id)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse("wikidata", []byte(`[1,2]`), nil)
	require.Error(t, err)
}

func TestLoadAndSet(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)
	require.NoError(t, hackpadfs.WriteFullFile(fs, "wd.json", []byte(`{"acme":"Q7"}`), 0o644))
	require.NoError(t, hackpadfs.WriteFullFile(fs, "uei.json", []byte(`{"acme":"U7"}`), 0o644))

	wd, err := Load(fs, "wikidata", "wd.json", nil)
	require.NoError(t, err)
	uei, err := Load(fs, "uei", "uei.json", nil)
	require.NoError(t, err)

	set := Set{wd, uei}
	assert.Equal(t, []store.ExternalID{{Source: "wikidata", ID: "Q7"}, {Source: "uei", ID: "U7"}}, set.Lookup("ORG", "acme"))
	assert.Equal(t, []store.ExternalID{{Source: "wikidata", ID: "Q7"}}, set.Lookup("PERSON", "acme"))

	_, err = Load(fs, "wikidata", "missing.json", nil)
	require.Error(t, err)
}
