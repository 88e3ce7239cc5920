package region

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Standard dimension identifiers
const (
	Overworld = "overworld"
	Nether    = "nether"
	End       = "end"
)

var fileNamePattern = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.mca$`)

// Key identifies one region file. It is the job key used across the pipeline.
type Key struct {
	World     string `json:"world"`
	Dimension string `json:"dimension"`
	X         int    `json:"x"`
	Z         int    `json:"z"`
}

func NewKey(world, dimension string, x, z int) Key {
	if dimension == "" {
		dimension = Overworld
	}
	return Key{World: world, Dimension: dimension, X: x, Z: z}
}

// String returns the canonical form `world/dimension/r.X.Z`, which is also the ledger key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/r.%d.%d", k.World, k.Dimension, k.X, k.Z)
}

// FileName returns `r.X.Z.mca`.
func (k Key) FileName() string {
	return fmt.Sprintf("r.%d.%d.mca", k.X, k.Z)
}

// DimensionFolder returns the folder of the dimension inside a world directory.
// Vanilla uses the world root for the overworld and DIM-1/DIM1 for the nether and end.
// Namespaced dimensions (`ns:name`) live under dimensions/ns/name.
func (k Key) DimensionFolder() string {
	switch k.Dimension {
	case Overworld, "":
		return ""
	case Nether:
		return "DIM-1"
	case End:
		return "DIM1"
	}
	if ns, name, ok := strings.Cut(k.Dimension, ":"); ok {
		return path.Join("dimensions", ns, name)
	}
	return path.Join("dimensions", "minecraft", k.Dimension)
}

// RelativePath returns the slash separated path of the region file inside its world directory.
func (k Key) RelativePath() string {
	return path.Join(k.DimensionFolder(), "region", k.FileName())
}

func (k Key) Validate() error {
	if k.World == "" {
		return fmt.Errorf("region key: world is required")
	}
	if strings.ContainsAny(k.World, `/\`) || k.World == "." || k.World == ".." {
		return fmt.Errorf("region key: invalid world %q", k.World)
	}
	if k.Dimension == "" {
		return fmt.Errorf("region key: dimension is required")
	}
	if strings.ContainsAny(k.Dimension, `/\`) {
		return fmt.Errorf("region key: invalid dimension %q", k.Dimension)
	}
	return nil
}

// ParseKey parses the canonical String form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid region key %q", s)
	}
	x, z, ok := ParseFileName(parts[2] + ".mca")
	if !ok {
		return Key{}, fmt.Errorf("invalid region key %q", s)
	}
	key := NewKey(parts[0], parts[1], x, z)
	return key, key.Validate()
}

// ParseFileName extracts region coordinates from a name like `r.-1.2.mca`.
func ParseFileName(name string) (x, z int, ok bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(m[1])
	z, errZ := strconv.Atoi(m[2])
	if errX != nil || errZ != nil {
		return 0, 0, false
	}
	return x, z, true
}

// IsRegionFile reports whether name looks like a region file.
func IsRegionFile(name string) bool {
	return fileNamePattern.MatchString(name)
}
