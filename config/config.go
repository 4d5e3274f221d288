// Package config assembles the typed runtime configuration for the
// detection pipeline, either from the environment (mirroring the
// teacher's app.ParseEnv) or from a store.Store settings backend.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gasparian/find-object-go/detect"
	"github.com/gasparian/find-object-go/homography"
	"github.com/gasparian/find-object-go/matching"
	"github.com/gasparian/find-object-go/objectlibrary"
	"github.com/gasparian/find-object-go/store"
)

// GeneralConfig groups the pipeline-wide options: extraction
// concurrency, vocabulary mode, multi-detection, and the object id
// allocator.
type GeneralConfig struct {
	Threads                  int
	InvertedSearch           bool
	VocabularyIncremental    bool
	VocabularyUpdateMinWords int
	MultiDetection           bool
	MultiDetectionRadius     float64
	NextObjID                int
	ImageFormats             []string
}

// Feature2DConfig groups keypoint/descriptor extraction options.
type Feature2DConfig struct {
	MaxFeatures int
}

// NearestNeighborConfig groups the nearest-neighbor accept/reject
// options used by the matching stage.
type NearestNeighborConfig struct {
	NNDRRatioUsed   bool
	NNDRRatio       float64
	MinDistanceUsed bool
	MinDistance     float64
}

// HomographyConfig groups the homography-verification and
// multi-detection options.
type HomographyConfig struct {
	HomographyComputed   bool
	RansacReprojThr      float64
	RansacMaxIterations  int
	MinimumInliers       int
	MinAngle             float64
	IgnoreWhenAllInliers bool
	AllCornersVisible    bool
}

// Config is the full set of runtime options, grouped the way the
// teacher's ServiceConfig groups Hasher/Db/App sub-configs.
type Config struct {
	General         GeneralConfig
	Feature2D       Feature2DConfig
	NearestNeighbor NearestNeighborConfig
	Homography      HomographyConfig
}

// ObjectLibraryConfig maps Config onto objectlibrary.Config.
func (c Config) ObjectLibraryConfig() objectlibrary.Config {
	return objectlibrary.Config{
		MaxFeatures:              c.Feature2D.MaxFeatures,
		Threads:                  c.General.Threads,
		InvertedSearch:           c.General.InvertedSearch,
		VocabularyIncremental:    c.General.VocabularyIncremental,
		VocabularyUpdateMinWords: c.General.VocabularyUpdateMinWords,
		NextObjID:                c.General.NextObjID,
		ImageFormats:             c.General.ImageFormats,
	}
}

// MatchingConfig maps Config onto matching.Config.
func (c Config) MatchingConfig() matching.Config {
	return matching.Config{
		InvertedSearch:  c.General.InvertedSearch,
		Incremental:     c.General.VocabularyIncremental,
		NNDRUsed:        c.NearestNeighbor.NNDRRatioUsed,
		NNDRRatio:       c.NearestNeighbor.NNDRRatio,
		MinDistanceUsed: c.NearestNeighbor.MinDistanceUsed,
		MinDistance:     c.NearestNeighbor.MinDistance,
		Threads:         c.General.Threads,
	}
}

// HomographyStageConfig maps Config onto homography.Config.
func (c Config) HomographyStageConfig() homography.Config {
	return homography.Config{
		RansacReprojThr:      c.Homography.RansacReprojThr,
		RansacMaxIterations:  c.Homography.RansacMaxIterations,
		MinimumInliers:       c.Homography.MinimumInliers,
		MinAngle:             c.Homography.MinAngle,
		IgnoreWhenAllInliers: c.Homography.IgnoreWhenAllInliers,
		AllCornersVisible:    c.Homography.AllCornersVisible,
		MultiDetection:       c.General.MultiDetection,
		MultiDetectionRadius: c.General.MultiDetectionRadius,
	}
}

// DetectConfig maps Config onto detect.Config.
func (c Config) DetectConfig() detect.Config {
	return detect.Config{
		MaxFeatures:        c.Feature2D.MaxFeatures,
		HomographyComputed: c.Homography.HomographyComputed,
	}
}

// FromEnv builds a Config by reading environment variables, in the
// shape of the teacher's app.ParseEnv: fixed maps of int/float/bool
// keys, each keeping its default when the variable is unset, returning
// an error for the first malformed value found.
func FromEnv() (*Config, error) {
	intVars := map[string]int{
		"GENERAL_THREADS":                    0,
		"GENERAL_VOCABULARY_UPDATE_MIN_WORDS": 0,
		"GENERAL_NEXT_OBJ_ID":                 1,
		"FEATURE2D_MAX_FEATURES":              0,
		"HOMOGRAPHY_RANSAC_MAX_ITERATIONS":    2000,
		"HOMOGRAPHY_MINIMUM_INLIERS":          10,
	}
	for key, def := range intVars {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", key, err)
		}
		intVars[key] = val
		_ = def
	}

	floatVars := map[string]float64{
		"GENERAL_MULTI_DETECTION_RADIUS": 50,
		"NN_NNDR_RATIO":                  0.8,
		"NN_MIN_DISTANCE":                0,
		"HOMOGRAPHY_RANSAC_REPROJ_THR":   3,
		"HOMOGRAPHY_MIN_ANGLE":           0,
	}
	for key := range floatVars {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", key, err)
		}
		floatVars[key] = val
	}

	boolVars := map[string]bool{
		"GENERAL_INVERTED_SEARCH":          false,
		"GENERAL_VOCABULARY_INCREMENTAL":   false,
		"GENERAL_MULTI_DETECTION":          false,
		"NN_NNDR_RATIO_USED":               true,
		"NN_MIN_DISTANCE_USED":             false,
		"HOMOGRAPHY_COMPUTED":              true,
		"HOMOGRAPHY_IGNORE_WHEN_ALL_INLIERS": false,
		"HOMOGRAPHY_ALL_CORNERS_VISIBLE":   false,
	}
	for key := range boolVars {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", key, err)
		}
		boolVars[key] = val
	}

	imageFormats := []string{"*.jpg", "*.jpeg", "*.png"}
	if raw := os.Getenv("GENERAL_IMAGE_FORMATS"); raw != "" {
		imageFormats = strings.Split(raw, ",")
	}

	return &Config{
		General: GeneralConfig{
			Threads:                  intVars["GENERAL_THREADS"],
			InvertedSearch:           boolVars["GENERAL_INVERTED_SEARCH"],
			VocabularyIncremental:    boolVars["GENERAL_VOCABULARY_INCREMENTAL"],
			VocabularyUpdateMinWords: intVars["GENERAL_VOCABULARY_UPDATE_MIN_WORDS"],
			MultiDetection:           boolVars["GENERAL_MULTI_DETECTION"],
			MultiDetectionRadius:     floatVars["GENERAL_MULTI_DETECTION_RADIUS"],
			NextObjID:                intVars["GENERAL_NEXT_OBJ_ID"],
			ImageFormats:             imageFormats,
		},
		Feature2D: Feature2DConfig{
			MaxFeatures: intVars["FEATURE2D_MAX_FEATURES"],
		},
		NearestNeighbor: NearestNeighborConfig{
			NNDRRatioUsed:   boolVars["NN_NNDR_RATIO_USED"],
			NNDRRatio:       floatVars["NN_NNDR_RATIO"],
			MinDistanceUsed: boolVars["NN_MIN_DISTANCE_USED"],
			MinDistance:     floatVars["NN_MIN_DISTANCE"],
		},
		Homography: HomographyConfig{
			HomographyComputed:   boolVars["HOMOGRAPHY_COMPUTED"],
			RansacReprojThr:      floatVars["HOMOGRAPHY_RANSAC_REPROJ_THR"],
			RansacMaxIterations:  intVars["HOMOGRAPHY_RANSAC_MAX_ITERATIONS"],
			MinimumInliers:       intVars["HOMOGRAPHY_MINIMUM_INLIERS"],
			MinAngle:             floatVars["HOMOGRAPHY_MIN_ANGLE"],
			IgnoreWhenAllInliers: boolVars["HOMOGRAPHY_IGNORE_WHEN_ALL_INLIERS"],
			AllCornersVisible:    boolVars["HOMOGRAPHY_ALL_CORNERS_VISIBLE"],
		},
	}, nil
}

// storeIntKeys, storeFloatKeys and storeBoolKeys list every typed
// settings key FromStore reads, paired with a default value used when
// the store has no entry for it yet.
var storeIntKeys = map[string]int{
	"general.threads":                  0,
	"general.vocabularyUpdateMinWords": 0,
	"general.nextObjID":                1,
	"feature2D.maxFeatures":            0,
	"homography.ransacMaxIterations":   2000,
	"homography.minimumInliers":        10,
}

var storeFloatKeys = map[string]float64{
	"general.multiDetectionRadius": 50,
	"nearestNeighbor.nndrRatio":    0.8,
	"nearestNeighbor.minDistance":  0,
	"homography.ransacReprojThr":   3,
	"homography.minAngle":          0,
}

var storeBoolKeys = map[string]bool{
	"general.invertedSearch":           false,
	"general.vocabularyIncremental":    false,
	"general.multiDetection":           false,
	"nearestNeighbor.nndrRatioUsed":    true,
	"nearestNeighbor.minDistanceUsed":  false,
	"homography.homographyComputed":    true,
	"homography.ignoreWhenAllInliers":  false,
	"homography.allCornersVisible":     false,
}

const storeImageFormatsKey = "general.imageFormats"

// FromStore builds a Config by reading typed keys from s, falling back
// to the same defaults FromEnv uses for any key the store has never
// been given a value for.
func FromStore(s store.Store) (*Config, error) {
	ints := make(map[string]int, len(storeIntKeys))
	for key, def := range storeIntKeys {
		val, ok, err := s.GetInt(key)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", key, err)
		}
		if !ok {
			val = def
		}
		ints[key] = val
	}

	floats := make(map[string]float64, len(storeFloatKeys))
	for key, def := range storeFloatKeys {
		val, ok, err := s.GetFloat(key)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", key, err)
		}
		if !ok {
			val = def
		}
		floats[key] = val
	}

	bools := make(map[string]bool, len(storeBoolKeys))
	for key, def := range storeBoolKeys {
		val, ok, err := s.GetBool(key)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", key, err)
		}
		if !ok {
			val = def
		}
		bools[key] = val
	}

	imageFormats := []string{"*.jpg", "*.jpeg", "*.png"}
	if raw, ok, err := s.GetString(storeImageFormatsKey); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", storeImageFormatsKey, err)
	} else if ok && raw != "" {
		imageFormats = strings.Split(raw, ",")
	}

	return &Config{
		General: GeneralConfig{
			Threads:                  ints["general.threads"],
			InvertedSearch:           bools["general.invertedSearch"],
			VocabularyIncremental:    bools["general.vocabularyIncremental"],
			VocabularyUpdateMinWords: ints["general.vocabularyUpdateMinWords"],
			MultiDetection:           bools["general.multiDetection"],
			MultiDetectionRadius:     floats["general.multiDetectionRadius"],
			NextObjID:                ints["general.nextObjID"],
			ImageFormats:             imageFormats,
		},
		Feature2D: Feature2DConfig{
			MaxFeatures: ints["feature2D.maxFeatures"],
		},
		NearestNeighbor: NearestNeighborConfig{
			NNDRRatioUsed:   bools["nearestNeighbor.nndrRatioUsed"],
			NNDRRatio:       floats["nearestNeighbor.nndrRatio"],
			MinDistanceUsed: bools["nearestNeighbor.minDistanceUsed"],
			MinDistance:     floats["nearestNeighbor.minDistance"],
		},
		Homography: HomographyConfig{
			HomographyComputed:   bools["homography.homographyComputed"],
			RansacReprojThr:      floats["homography.ransacReprojThr"],
			RansacMaxIterations:  ints["homography.ransacMaxIterations"],
			MinimumInliers:       ints["homography.minimumInliers"],
			MinAngle:             floats["homography.minAngle"],
			IgnoreWhenAllInliers: bools["homography.ignoreWhenAllInliers"],
			AllCornersVisible:    bools["homography.allCornersVisible"],
		},
	}, nil
}
