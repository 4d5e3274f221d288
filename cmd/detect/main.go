// Command detect loads an object library directory, builds its
// vocabulary, and runs detection against one query image, printing
// its DetectionInfo as JSON -- the CLI entry point
// mirroring the shape of the teacher's root main.go/annbench_main.go
// (flag/env-driven setup, a logger, sequential calls into the library).
package main

import (
	"encoding/json"
	"flag"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/gasparian/find-object-go/common"
	"github.com/gasparian/find-object-go/config"
	"github.com/gasparian/find-object-go/detect"
	"github.com/gasparian/find-object-go/homography"
	"github.com/gasparian/find-object-go/httpapi"
	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/matching"
	"github.com/gasparian/find-object-go/objectlibrary"
	"github.com/gasparian/find-object-go/vocabulary"
)

func main() {
	logger := common.GetNewLogger()

	objectsDir := flag.String("objects", "", "directory of reference object images")
	scenePath := flag.String("scene", "", "query image to run detection against")
	dims := flag.Int("dims", 128, "descriptor width the extractor produces")
	flag.Parse()

	if *objectsDir == "" || *scenePath == "" {
		logger.Err.Fatal("both -objects and -scene are required")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Err.Fatal(err)
	}

	// A real deployment plugs in a vision-backed keypoint.Extractor here;
	// this module ships only the keypoint.NullExtractor test double,
	// since FeatureExtractor is an external collaborator, not core scope.
	extractor := keypoint.NullExtractor{}

	vocab := vocabulary.New(vocabulary.Config{
		Dims:      *dims,
		Metric:    vocabulary.MetricL2,
		NTrees:    8,
		KMinVecs:  8,
		NNDRRatio: cfg.NearestNeighbor.NNDRRatio,
	})
	library := objectlibrary.New(cfg.ObjectLibraryConfig(), extractor, vocab)

	if err := library.LoadObjects(*objectsDir); err != nil {
		logger.Err.Fatal(err)
	}
	logger.Info.Printf("loaded %d objects from %s", len(library.Objects()), *objectsDir)

	matcher := matching.NewStage(cfg.MatchingConfig())
	verifier := homography.NewStage(cfg.HomographyStageConfig())
	orchestrator := detect.New(cfg.DetectConfig(), extractor, library, matcher, verifier)

	sceneImg, err := loadImage(*scenePath)
	if err != nil {
		logger.Err.Fatal(err)
	}

	info, err := orchestrator.Detect(sceneImg)
	if err != nil {
		logger.Err.Fatal(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(httpapi.DetectionInfoResponse(info)); err != nil {
		logger.Err.Fatal(err)
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
