package cli

import (
	"fmt"

	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/config"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/pipeline"
)

// buildDetector pairs the cascade face finder with the landmark service.
func buildDetector(cfg *config.Config) (detector.Detector, error) {
	dc := detector.DefaultConfig()
	dc.CascadePath = cfg.Detection.CascadePath
	dc.ProfileCascadePath = cfg.Detection.ProfileCascadePath
	dc.ServiceScript = cfg.Detection.LandmarkService
	dc.Python = cfg.Detection.Python

	landmarks, err := detector.NewServiceDetector(dc)
	if err != nil {
		return nil, err
	}
	faces, err := detector.NewCascadeDetector(dc)
	if err != nil {
		landmarks.Close()
		return nil, fmt.Errorf("load face cascade: %w", err)
	}
	return detector.Combine(faces, landmarks), nil
}

// loadModels loads a classifier for every configured arity.
func loadModels(cfg *config.Config) (*classifier.ModelSet, error) {
	models, err := classifier.LoadModelSet(cfg.ModelPaths(), classifier.NewDNNLoader(cfg.Models.Output))
	if err != nil {
		return nil, fmt.Errorf("load gaze models: %w", err)
	}
	return models, nil
}

func trackingPolicy(cfg *config.Config) pipeline.TrackingPolicy {
	return pipeline.TrackingPolicy{
		MaxTrackedFrames:    cfg.Detection.MaxTrackedFrames,
		RedetectOnTrackLoss: cfg.Detection.RedetectOnTrackLoss,
	}
}
