// Package dataset names the collection families a dataset is stored in and
// owns their schemas. A dataset D occupies three collections: the embeddings
// collection "D", the clusters collection "D_zoom_levels_clusters" holding
// the zoom pyramid, and "D_image_to_tile" mapping each image to the coarsest
// tile it represents.
package dataset

import (
	"fmt"
	"regexp"
	"strings"
)

// Collection family suffixes.
const (
	ClustersSuffix    = "_zoom_levels_clusters"
	ImageToTileSuffix = "_image_to_tile"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// ValidateName checks that name is usable as a dataset (embeddings
// collection) name: store-safe characters and no family suffix.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty dataset name")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("dataset name %q contains unsupported characters", name)
	}
	if strings.HasSuffix(name, ClustersSuffix) || strings.HasSuffix(name, ImageToTileSuffix) {
		return fmt.Errorf("dataset name %q carries a reserved suffix", name)
	}
	return nil
}

// ClustersName returns the clusters collection name for a dataset.
func ClustersName(dataset string) string { return dataset + ClustersSuffix }

// ImageToTileName returns the image-to-tile collection name for a dataset.
func ImageToTileName(dataset string) string { return dataset + ImageToTileSuffix }

// Base strips a family suffix, returning the dataset name and which family
// the collection belongs to. Family is "" for the embeddings collection.
func Base(collection string) (dataset, family string) {
	switch {
	case strings.HasSuffix(collection, ClustersSuffix):
		return strings.TrimSuffix(collection, ClustersSuffix), ClustersSuffix
	case strings.HasSuffix(collection, ImageToTileSuffix):
		return strings.TrimSuffix(collection, ImageToTileSuffix), ImageToTileSuffix
	default:
		return collection, ""
	}
}
