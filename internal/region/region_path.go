package region

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Completed is the RegionFileCompleted event delivered by the generation engine
// (or by an adapter standing in for it).
type Completed struct {
	World     string `json:"world" binding:"required"`
	Dimension string `json:"dimension"`
	X         int    `json:"x"`
	Z         int    `json:"z"`
	LocalPath string `json:"localPath" binding:"required"`
	// Size is the uncompressed size the producer saw when it finished the file. Zero if unknown.
	Size int64 `json:"size,omitempty"`
}

func (c Completed) Key() Key {
	return NewKey(c.World, c.Dimension, c.X, c.Z)
}

// FromPath derives the region key of a file under worldsDir. Recognised layouts:
//
//	<worldsDir>/<world>/region/r.X.Z.mca                      overworld
//	<worldsDir>/<world>/DIM-1/region/r.X.Z.mca                nether
//	<worldsDir>/<world>/DIM1/region/r.X.Z.mca                 end
//	<worldsDir>/<world>/dimensions/<ns>/<name>/region/r.X.Z.mca
func FromPath(worldsDir, filePath string) (Key, error) {
	rel, err := filepath.Rel(worldsDir, filePath)
	if err != nil {
		return Key{}, err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return Key{}, fmt.Errorf("%s is outside %s", filePath, worldsDir)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	n := len(parts)
	if n < 3 || parts[n-2] != "region" {
		return Key{}, fmt.Errorf("%s is not inside a region directory", rel)
	}

	x, z, ok := ParseFileName(parts[n-1])
	if !ok {
		return Key{}, fmt.Errorf("%s is not a region file", parts[n-1])
	}

	world := parts[0]
	mid := parts[1 : n-2]

	var dimension string
	switch {
	case len(mid) == 0:
		dimension = Overworld
	case len(mid) == 1 && mid[0] == "DIM-1":
		dimension = Nether
	case len(mid) == 1 && mid[0] == "DIM1":
		dimension = End
	case len(mid) == 3 && mid[0] == "dimensions":
		dimension = mid[1] + ":" + mid[2]
	default:
		return Key{}, fmt.Errorf("unrecognised dimension layout %q", strings.Join(mid, "/"))
	}

	key := NewKey(world, dimension, x, z)
	return key, key.Validate()
}

// CompletedFromPath builds the completion event for a region file under worldsDir.
func CompletedFromPath(worldsDir, filePath string) (Completed, error) {
	key, err := FromPath(worldsDir, filePath)
	if err != nil {
		return Completed{}, err
	}
	return Completed{
		World:     key.World,
		Dimension: key.Dimension,
		X:         key.X,
		Z:         key.Z,
		LocalPath: filePath,
	}, nil
}
