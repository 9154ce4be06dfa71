package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZoneFile is a test helper that writes one hotspot YAML file into dir.
func writeZoneFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadZones(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "business.yaml", `
category: business
zones:
  - name: Midtown
    center_lat: 40.75
    center_lon: -73.98
    radius: 0.02
  - name: Financial District
    center_lat: 40.71
    center_lon: -74.01
    radius: 0.015
`)
	writeZoneFile(t, dir, "airports.yaml", `
category: airports
zones:
  - name: JFK Airport
    center_lat: 40.64
    center_lon: -73.78
    radius: 0.03
`)

	zones, err := LoadZones(dir)
	require.NoError(t, err)
	require.Len(t, zones, 3)

	byName := make(map[string]Zone)
	for _, z := range zones {
		byName[z.Name] = z
	}
	assert.Equal(t, "business", byName["Midtown"].Category)
	assert.Equal(t, 40.75, byName["Midtown"].CenterLat)
	assert.Equal(t, "airports", byName["JFK Airport"].Category)
	assert.Equal(t, 0.03, byName["JFK Airport"].Radius)
}

func TestLoadZonesMissingDirIsEmpty(t *testing.T) {
	zones, err := LoadZones(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, zones)
}

func TestLoadZonesSkipsEmptyAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "empty.yaml", "")
	writeZoneFile(t, dir, "comment_only.yaml", "# placeholder\n")
	writeZoneFile(t, dir, "notes.txt", "not yaml at all")
	writeZoneFile(t, dir, "real.yaml", `
category: business
zones:
  - name: Midtown
    center_lat: 40.75
    center_lon: -73.98
    radius: 0.02
`)

	zones, err := LoadZones(dir)
	require.NoError(t, err)
	assert.Len(t, zones, 1)
}

func TestLoadZonesDuplicateNameFails(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "first.yaml", `
category: business
zones:
  - name: Midtown
    center_lat: 40.75
    center_lon: -73.98
    radius: 0.02
`)
	writeZoneFile(t, dir, "second.yaml", `
category: entertainment
zones:
  - name: Midtown
    center_lat: 40.76
    center_lon: -73.99
    radius: 0.01
`)

	_, err := LoadZones(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadZonesRejectsBadRadius(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "bad.yaml", `
category: business
zones:
  - name: Flatland
    center_lat: 40.75
    center_lon: -73.98
    radius: 0
`)

	_, err := LoadZones(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius")
}

func TestLoadZonesRejectsMissingCategory(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "bad.yaml", `
zones:
  - name: Nowhere
    center_lat: 40.75
    center_lon: -73.98
    radius: 0.01
`)

	_, err := LoadZones(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category")
}
