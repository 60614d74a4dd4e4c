package simulation

import (
	"errors"
	"fmt"
	"time"

	"paddleduel/broker/internal/config"
)

// Params fixes the playfield geometry and pacing of a match.
type Params struct {
	TickRate        float64
	WinScore        int
	Width           float64
	Height          float64
	PaddleHeight    float64
	PaddleInset     float64
	PaddleSpeed     float64
	BallSpeed       float64
	MaxBounceDeg    float64
	ServeDelayTicks int
}

// DefaultParams mirrors the configuration defaults.
func DefaultParams() Params {
	return Params{
		TickRate:        config.DefaultTickRate,
		WinScore:        config.DefaultWinScore,
		Width:           800,
		Height:          600,
		PaddleHeight:    100,
		PaddleInset:     24,
		PaddleSpeed:     420,
		BallSpeed:       360,
		MaxBounceDeg:    60,
		ServeDelayTicks: 60,
	}
}

// ParamsFromConfig converts the environment-backed game settings.
func ParamsFromConfig(cfg config.GameConfig) Params {
	return Params{
		TickRate:        cfg.TickRate,
		WinScore:        cfg.WinScore,
		Width:           cfg.FieldWidth,
		Height:          cfg.FieldHeight,
		PaddleHeight:    cfg.PaddleHeight,
		PaddleInset:     cfg.PaddleInset,
		PaddleSpeed:     cfg.PaddleSpeed,
		BallSpeed:       cfg.BallSpeed,
		MaxBounceDeg:    cfg.MaxBounceDeg,
		ServeDelayTicks: cfg.ServeDelayTicks,
	}
}

// TickDuration is the simulated time covered by one step.
func (p Params) TickDuration() time.Duration {
	if p.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / p.TickRate)
}

// StepSeconds is TickDuration expressed in seconds for integration.
func (p Params) StepSeconds() float64 {
	if p.TickRate <= 0 {
		return 1.0 / 60
	}
	return 1 / p.TickRate
}

// Validate rejects geometry that would make the simulation degenerate.
func (p Params) Validate() error {
	var problems []error
	if p.TickRate <= 0 {
		problems = append(problems, fmt.Errorf("tick rate must be positive, got %v", p.TickRate))
	}
	if p.WinScore <= 0 {
		problems = append(problems, fmt.Errorf("win score must be positive, got %d", p.WinScore))
	}
	if p.Width <= 0 || p.Height <= 0 {
		problems = append(problems, fmt.Errorf("field must have positive size, got %vx%v", p.Width, p.Height))
	}
	if p.PaddleHeight <= 0 || p.PaddleHeight > p.Height {
		problems = append(problems, fmt.Errorf("paddle height %v must fit the field", p.PaddleHeight))
	}
	if p.PaddleInset < 0 || p.PaddleInset*2 >= p.Width {
		problems = append(problems, fmt.Errorf("paddle inset %v leaves no playfield", p.PaddleInset))
	}
	if p.BallSpeed <= 0 || p.PaddleSpeed < 0 {
		problems = append(problems, errors.New("ball speed must be positive and paddle speed non-negative"))
	}
	if p.MaxBounceDeg < 0 || p.MaxBounceDeg >= 90 {
		problems = append(problems, fmt.Errorf("max bounce angle %v must be in [0,90)", p.MaxBounceDeg))
	}
	if p.ServeDelayTicks < 0 {
		problems = append(problems, fmt.Errorf("serve delay must be non-negative, got %d", p.ServeDelayTicks))
	}
	return errors.Join(problems...)
}
