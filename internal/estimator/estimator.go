package estimator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gym-reserve-backend/internal/model"
)

// Profile carries the member attributes the estimator consumes.
type Profile struct {
	Gender   string
	Goal     string
	Career   string
	HeightCM float64
	WeightKG float64
}

// Input carries the equipment context and the member's recent usage split.
// UpperRatio and LowerRatio are fractions of the last day's training time
// spent on upper- vs lower-body equipment.
type Input struct {
	BaseMinutes int
	ModelID     int
	BodyPart    string
	UpperRatio  float64
	LowerRatio  float64
}

// Recommender estimates an allotted session duration in minutes. Any error
// means the caller must fall back to the equipment's base time; errors never
// surface past the engine.
type Recommender interface {
	Recommend(ctx context.Context, p Profile, in Input) (int, error)
}

// Heuristic is the built-in recommender. It applies the same feature
// treatment the trained model was fed: experience level and goal scale the
// equipment's base time, and a neglected body part earns extra minutes to
// balance the member's recent split.
type Heuristic struct{}

// Recommend implements Recommender.
func (Heuristic) Recommend(_ context.Context, p Profile, in Input) (int, error) {
	if in.BaseMinutes <= 0 {
		return 0, fmt.Errorf("no base time configured (model id %d)", in.ModelID)
	}
	if p.Career == "" && p.Goal == "" && p.Gender == "" {
		return 0, fmt.Errorf("empty profile")
	}

	minutes := float64(in.BaseMinutes)

	switch p.Career {
	case model.CareerAdvanced:
		minutes *= 1.25
	case model.CareerIntermediate:
		minutes *= 1.1
	}

	if isEnduranceGoal(p.Goal) {
		minutes *= 0.9
	}

	// Nudge toward the body part the member has trained less in the last day.
	switch in.BodyPart {
	case model.BodyPartUpper:
		if in.LowerRatio > in.UpperRatio {
			minutes *= 1.1
		}
	case model.BodyPartLower:
		if in.UpperRatio > in.LowerRatio {
			minutes *= 1.1
		}
	}

	return Clamp(minutes), nil
}

// Clamp rounds an estimate to a whole number of minutes, never below one.
func Clamp(minutes float64) int {
	m := int(math.Round(minutes))
	if m < 1 {
		return 1
	}
	return m
}

func isEnduranceGoal(goal string) bool {
	g := strings.ToUpper(goal)
	return strings.Contains(g, "WEIGHT_LOSS") || strings.Contains(g, "DIET") || strings.Contains(g, "FAT")
}
