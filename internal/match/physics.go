package match

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ErrInvalidPhysics is returned when a physics configuration is internally inconsistent.
var ErrInvalidPhysics = errors.New("invalid physics configuration")

// Physics groups the court constants. All positions live in the unit square.
type Physics struct {
	BallBound    float64 `json:"ball_bounds"`
	BallSpeedX   float64 `json:"ball_speed_x"`
	BallSpeedY   float64 `json:"ball_speed_y"`
	PaddleX      [2]float64
	PaddleBoundX float64 `json:"paddle_bounds_x"`
	PaddleBoundY float64 `json:"paddle_bounds_y"`
	PaddleSpeed  float64 `json:"paddle_speed"`
	AngleFactor  float64 `json:"angle_factor"`
	MaxSpeedY    float64 `json:"max_speed_y"`
}

// DefaultPhysics returns constants tuned for 60 Hz: the ball crosses the court in about 1.5s.
func DefaultPhysics() Physics {
	return Physics{
		BallBound:    0.01,
		BallSpeedX:   0.011,
		BallSpeedY:   0.007,
		PaddleX:      [2]float64{0.02, 0.98},
		PaddleBoundX: 0.02,
		PaddleBoundY: 0.1,
		PaddleSpeed:  0.015,
		AngleFactor:  0.2,
		MaxSpeedY:    0.02,
	}
}

// Validate rejects constants that would let the ball leave the court or skip a paddle band.
func (p Physics) Validate() error {
	switch {
	case p.BallBound <= 0 || p.BallBound >= 0.5:
		return fmt.Errorf("%w: ball bound %v outside (0, 0.5)", ErrInvalidPhysics, p.BallBound)
	case p.BallSpeedX <= 0 || p.BallSpeedY < 0:
		return fmt.Errorf("%w: ball speeds must be positive", ErrInvalidPhysics)
	case p.PaddleBoundX <= 0 || p.PaddleBoundY <= 0 || p.PaddleBoundY >= 0.5:
		return fmt.Errorf("%w: paddle bounds out of range", ErrInvalidPhysics)
	case p.BallSpeedX >= 2*p.PaddleBoundX:
		//1.- A horizontal step wider than the collision band could jump over a paddle.
		return fmt.Errorf("%w: ball speed %v tunnels through paddle band %v", ErrInvalidPhysics, p.BallSpeedX, 2*p.PaddleBoundX)
	case p.PaddleSpeed <= 0 || p.PaddleSpeed >= 2*p.PaddleBoundY:
		return fmt.Errorf("%w: paddle speed %v out of range", ErrInvalidPhysics, p.PaddleSpeed)
	case p.PaddleX[0] >= p.PaddleX[1] || p.PaddleX[0] < 0 || p.PaddleX[1] > 1:
		return fmt.Errorf("%w: paddle offsets %v", ErrInvalidPhysics, p.PaddleX)
	}
	return nil
}

// ServeFunc picks the velocity of a freshly served ball.
type ServeFunc func(p Physics) (vx, vy float64)

// RandomServe launches the ball at the configured speed in one of four diagonal directions.
func RandomServe(p Physics) (float64, float64) {
	vx, vy := p.BallSpeedX, p.BallSpeedY
	if rand.IntN(2) == 0 {
		vx = -vx
	}
	if rand.IntN(2) == 0 {
		vy = -vy
	}
	return vx, vy
}

// FixedServe always serves with the given velocity; tests rely on it for determinism.
func FixedServe(vx, vy float64) ServeFunc {
	return func(Physics) (float64, float64) { return vx, vy }
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
