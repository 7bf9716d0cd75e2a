package main

import (
	"testing"

	"github.com/ehr/mpi/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		MatchAutoLinkThreshold: 85,
		MatchReviewLowerBound:  60,
		MatchWeightSSN:         40,
		MatchWeightNameDOB:     30,
		MatchWeightContact:     20,
		MatchWeightAddress:     10,
		MergeMaxRetries:        3,
	}
}

func TestMatchingFromConfig_Defaults(t *testing.T) {
	scorer, thresholds, err := matchingFromConfig(baseConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scorer == nil {
		t.Fatal("expected a scorer")
	}
	if thresholds.AutoLink != 85 || thresholds.ReviewLower != 60 {
		t.Errorf("unexpected thresholds: %+v", thresholds)
	}
}

func TestMatchingFromConfig_BadWeights(t *testing.T) {
	cfg := baseConfig()
	// SSN must dominate name+DOB; an inverted ordering is a tuning mistake.
	cfg.MatchWeightSSN = 10
	cfg.MatchWeightNameDOB = 40

	if _, _, err := matchingFromConfig(cfg); err == nil {
		t.Error("expected error for inverted weight ordering")
	}
}

func TestMatchingFromConfig_BadThresholds(t *testing.T) {
	cfg := baseConfig()
	cfg.MatchReviewLowerBound = 90

	if _, _, err := matchingFromConfig(cfg); err == nil {
		t.Error("expected error when review bound exceeds auto-link threshold")
	}
}
