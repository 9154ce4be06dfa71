package sim

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Zone is a demand hotspot: a circle (in decimal degrees, like the service
// area grid) that ride locations cluster around. Zones are grouped by
// category so a sparse category like airports draws as often as a dense one.
type Zone struct {
	Category  string
	Name      string
	CenterLat float64
	CenterLon float64
	Radius    float64 // degrees
}

// zoneFile is the on-disk YAML shape. One file holds the zone set of one
// category.
type zoneFile struct {
	Category string    `yaml:"category"`
	Zones    []rawZone `yaml:"zones"`
}

type rawZone struct {
	Name      string  `yaml:"name"`
	CenterLat float64 `yaml:"center_lat"`
	CenterLon float64 `yaml:"center_lon"`
	Radius    float64 `yaml:"radius"`
}

// LoadZones loads hotspot zones from *.yaml files in dir. Zones are loaded
// once at startup. A missing directory is valid and yields zero zones; the
// generator then falls back to uniform locations.
func LoadZones(dir string) ([]Zone, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hotspot dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hotspot path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading hotspot dir: %w", err)
	}

	var zones []Zone
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading hotspot file %s: %w", path, err)
		}

		var raw zoneFile
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing hotspot file %s: %w", path, err)
		}
		if raw.Category == "" && len(raw.Zones) == 0 {
			continue // skip empty / comment-only files
		}
		if raw.Category == "" {
			return nil, fmt.Errorf("hotspot file %s: category must not be empty", path)
		}

		for _, z := range raw.Zones {
			if z.Name == "" {
				return nil, fmt.Errorf("hotspot file %s: zone name must not be empty", path)
			}
			if !(z.Radius > 0) {
				return nil, fmt.Errorf("zone %q: radius must be positive, got %v", z.Name, z.Radius)
			}
			if math.IsNaN(z.CenterLat) || math.IsNaN(z.CenterLon) {
				return nil, fmt.Errorf("zone %q: center must be finite", z.Name)
			}
			if _, exists := seen[z.Name]; exists {
				return nil, fmt.Errorf("zone %q: duplicate zone name (check multiple YAML files)", z.Name)
			}
			seen[z.Name] = struct{}{}
			zones = append(zones, Zone{
				Category:  raw.Category,
				Name:      z.Name,
				CenterLat: z.CenterLat,
				CenterLon: z.CenterLon,
				Radius:    z.Radius,
			})
		}
	}
	return zones, nil
}
