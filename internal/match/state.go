package match

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrInvalidPlayerID is returned when a match is created without both participants.
	ErrInvalidPlayerID = errors.New("player id must not be empty")
	// ErrUnknownAction is returned for input actions outside the supported set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrUnknownSide is returned when a paddle selector cannot be parsed.
	ErrUnknownSide = errors.New("unknown paddle")
	// ErrNotParticipant is returned when a user is not one of the match players.
	ErrNotParticipant = errors.New("user is not a participant")
	// ErrMatchDone is returned when input arrives after the terminal event.
	ErrMatchDone = errors.New("match already finished")
)

// Side identifies one half of the court.
type Side int

const (
	Left Side = iota
	Right
)

// Other returns the opposing side.
func (s Side) Other() Side { return 1 - s }

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// ParseSide accepts the paddle selectors clients send in local mode.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "left", "1", "player1", "player_1":
		return Left, nil
	case "right", "2", "player2", "player_2":
		return Right, nil
	default:
		return Left, fmt.Errorf("%w %q", ErrUnknownSide, raw)
	}
}

// Intent is the persisted movement request of one paddle.
type Intent int

const (
	IntentNone Intent = iota
	IntentUp
	IntentDown
)

func (i Intent) String() string {
	switch i {
	case IntentUp:
		return "up"
	case IntentDown:
		return "down"
	default:
		return "none"
	}
}

// Action is a discrete client input event.
type Action string

const (
	ActionUpStart   Action = "upStart"
	ActionUpStop    Action = "upStop"
	ActionDownStart Action = "downStart"
	ActionDownStop  Action = "downStop"
)

// ParseAction validates a client action name.
func ParseAction(raw string) (Action, error) {
	switch action := Action(strings.TrimSpace(raw)); action {
	case ActionUpStart, ActionUpStop, ActionDownStart, ActionDownStop:
		return action, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownAction, raw)
	}
}

// Mode distinguishes single-controller matches from two-connection matches.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeOnline Mode = "online"
)

// Status is the lifecycle status of a match.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusDone    Status = "done"
)

// EndReason records how a match reached its terminal event.
type EndReason string

const (
	EndScore     EndReason = "score"
	EndForfeit   EndReason = "forfeit"
	EndAbandoned EndReason = "abandoned"
	EndCancelled EndReason = "cancelled"
)

// Presence tracks whether a side is connected and since when it has been gone.
type Presence struct {
	Online         bool
	DisconnectedAt time.Time
}

// Params describes a match at creation time.
type Params struct {
	ID              string
	Name            string
	Player1         string
	Player2         string
	TournamentID    string
	Physics         Physics
	WinningScore    int
	ServePauseTicks int
	Scores          [2]int
	Serve           ServeFunc
}

// State is the authoritative record of one live match. It is only touched under the
// registry lock for its id.
type State struct {
	ID           string
	Name         string
	Mode         Mode
	Players      [2]string
	Physics      Physics
	WinningScore int

	BallX, BallY   float64
	BallVX, BallVY float64
	Paddles        [2]float64

	Scores    [2]int
	Persisted [2]int
	Presence  [2]Presence
	Intents   [2]Intent

	Status     Status
	WinnerSide Side
	Winner     string
	Loser      string
	Reason     EndReason

	TournamentID string
	ReportUpward bool

	Tick       uint64
	ServeTicks int

	// LoopRunning, LoopGen and Started belong to the tick loop owner.
	LoopRunning bool
	LoopGen     uint64
	Started     bool
	// Finalizing is set by the engine once it owns the terminal event; Handled once it is processed.
	Finalizing bool
	Handled    bool

	servePause int
	serve      ServeFunc
}

// NewState builds a centred match ready for its first serve.
func NewState(p Params) (*State, error) {
	p.Player1 = strings.TrimSpace(p.Player1)
	p.Player2 = strings.TrimSpace(p.Player2)
	if strings.TrimSpace(p.ID) == "" {
		return nil, errors.New("match id must not be empty")
	}
	if p.Player1 == "" || p.Player2 == "" {
		return nil, ErrInvalidPlayerID
	}
	if p.Physics == (Physics{}) {
		p.Physics = DefaultPhysics()
	}
	if err := p.Physics.Validate(); err != nil {
		return nil, err
	}
	if p.WinningScore <= 0 {
		p.WinningScore = 7
	}
	if p.Serve == nil {
		p.Serve = RandomServe
	}
	mode := ModeOnline
	if p.Player1 == p.Player2 {
		mode = ModeLocal
	}
	s := &State{
		ID:           p.ID,
		Name:         p.Name,
		Mode:         mode,
		Players:      [2]string{p.Player1, p.Player2},
		Physics:      p.Physics,
		WinningScore: p.WinningScore,
		Scores:       p.Scores,
		Persisted:    p.Scores,
		Status:       StatusPlaying,
		TournamentID: p.TournamentID,
		ReportUpward: p.TournamentID != "",
		servePause:   p.ServePauseTicks,
		serve:        p.Serve,
	}
	s.Paddles = [2]float64{0.5, 0.5}
	s.resetBall()
	return s, nil
}

// SideOf returns the side controlled by user. In local mode the user controls both and Left is returned.
func (s *State) SideOf(user string) (Side, error) {
	switch user {
	case s.Players[0]:
		return Left, nil
	case s.Players[1]:
		return Right, nil
	default:
		return Left, ErrNotParticipant
	}
}

// IsParticipant reports whether user plays in this match.
func (s *State) IsParticipant(user string) bool {
	_, err := s.SideOf(user)
	return err == nil
}

// SetIntent applies a discrete action to one side. Stop actions only clear their own direction.
func (s *State) SetIntent(side Side, action Action) error {
	if s.Status == StatusDone {
		return ErrMatchDone
	}
	switch action {
	case ActionUpStart:
		s.Intents[side] = IntentUp
	case ActionDownStart:
		s.Intents[side] = IntentDown
	case ActionUpStop:
		if s.Intents[side] == IntentUp {
			s.Intents[side] = IntentNone
		}
	case ActionDownStop:
		if s.Intents[side] == IntentDown {
			s.Intents[side] = IntentNone
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return nil
}

// MarkOnline flags a side as connected and clears its forfeit clock.
func (s *State) MarkOnline(side Side) {
	s.Presence[side] = Presence{Online: true}
}

// MarkOffline flags a side as gone and starts its forfeit clock.
func (s *State) MarkOffline(side Side, at time.Time) {
	s.Presence[side] = Presence{Online: false, DisconnectedAt: at}
	s.Intents[side] = IntentNone
}

// BothOnline reports whether both sides have a live connection.
func (s *State) BothOnline() bool { return s.Presence[0].Online && s.Presence[1].Online }

// AnyOnline reports whether at least one side has a live connection.
func (s *State) AnyOnline() bool { return s.Presence[0].Online || s.Presence[1].Online }

// ScoreDirty reports whether the scores changed since they were last persisted.
func (s *State) ScoreDirty() bool { return s.Scores != s.Persisted }

// MarkPersisted records scores that reached durable storage.
func (s *State) MarkPersisted(scores [2]int) { s.Persisted = scores }

// Outcome describes what a single tick produced.
type Outcome struct {
	Scored bool
	Scorer Side
	Done   bool
}

// Step advances the match by one tick. Intents are applied first so paddles move every tick,
// then the ball is integrated, reflected and scored. A finished match is never mutated.
func (s *State) Step() Outcome {
	if s.Status == StatusDone {
		return Outcome{}
	}
	s.Tick++
	s.ApplyIntents()
	if s.ServeTicks > 0 {
		s.ServeTicks--
		return Outcome{}
	}

	p := s.Physics
	//1.- Integrate.
	s.BallX += s.BallVX
	s.BallY += s.BallVY

	//2.- Walls clamp the position before reflecting so reported state never leaves the court.
	if s.BallY <= p.BallBound {
		s.BallY = p.BallBound
		s.BallVY = math.Abs(s.BallVY)
	} else if s.BallY >= 1-p.BallBound {
		s.BallY = 1 - p.BallBound
		s.BallVY = -math.Abs(s.BallVY)
	}

	//3.- Paddle bands reflect only a ball travelling towards the paddle.
	if s.BallVX < 0 && s.inBand(Left) {
		s.BallX = p.PaddleX[0] + p.PaddleBoundX
		s.BallVX = math.Abs(s.BallVX)
		s.BallVY = s.deflect(Left)
	} else if s.BallVX > 0 && s.inBand(Right) {
		s.BallX = p.PaddleX[1] - p.PaddleBoundX
		s.BallVX = -math.Abs(s.BallVX)
		s.BallVY = s.deflect(Right)
	}

	//4.- A ball fully past a paddle scores for the opposite side.
	var scorer Side
	switch {
	case s.BallX < p.PaddleX[0]-p.PaddleBoundX:
		scorer = Right
	case s.BallX > p.PaddleX[1]+p.PaddleBoundX:
		scorer = Left
	default:
		return Outcome{}
	}
	s.Scores[scorer]++
	out := Outcome{Scored: true, Scorer: scorer}

	//5.- Threshold ends the match; otherwise serve again after the pause.
	if s.Scores[scorer] >= s.WinningScore {
		s.finish(scorer, EndScore)
		out.Done = true
		return out
	}
	s.resetBall()
	s.ServeTicks = s.servePause
	return out
}

// ApplyIntents moves each paddle by one step in its intended direction, clamped to the court.
func (s *State) ApplyIntents() {
	p := s.Physics
	for side := Left; side <= Right; side++ {
		switch s.Intents[side] {
		case IntentUp:
			s.Paddles[side] -= p.PaddleSpeed
		case IntentDown:
			s.Paddles[side] += p.PaddleSpeed
		default:
			continue
		}
		s.Paddles[side] = clamp(s.Paddles[side], p.PaddleBoundY, 1-p.PaddleBoundY)
	}
}

// CheckForfeit ends the match when a side has been offline longer than grace. The other side is
// awarded the winning score. When both sides are past grace the one that left last wins.
func (s *State) CheckForfeit(now time.Time, grace time.Duration) bool {
	if s.Status == StatusDone || s.Mode == ModeLocal {
		return false
	}
	expired := func(side Side) bool {
		pr := s.Presence[side]
		return !pr.Online && !pr.DisconnectedAt.IsZero() && now.Sub(pr.DisconnectedAt) > grace
	}
	left, right := expired(Left), expired(Right)
	var winner Side
	switch {
	case left && right:
		winner = Left
		if s.Presence[Right].DisconnectedAt.After(s.Presence[Left].DisconnectedAt) {
			winner = Right
		}
	case left:
		winner = Right
	case right:
		winner = Left
	default:
		return false
	}
	s.Scores[winner] = s.WinningScore
	s.finish(winner, EndForfeit)
	return true
}

// CheckAbandoned ends a local match once both sides have been offline longer than grace. The
// leading side is recorded as the winner; a local match has the same player on both sides.
func (s *State) CheckAbandoned(now time.Time, grace time.Duration) bool {
	if s.Status == StatusDone || s.Mode != ModeLocal || s.AnyOnline() {
		return false
	}
	last := s.Presence[Left].DisconnectedAt
	if s.Presence[Right].DisconnectedAt.After(last) {
		last = s.Presence[Right].DisconnectedAt
	}
	if last.IsZero() || now.Sub(last) <= grace {
		return false
	}
	winner := Left
	if s.Scores[Right] > s.Scores[Left] {
		winner = Right
	}
	s.finish(winner, EndAbandoned)
	return true
}

// Cancel ends the match without a winner.
func (s *State) Cancel() {
	s.finish(Left, EndCancelled)
	s.Winner, s.Loser = "", ""
}

func (s *State) finish(winner Side, reason EndReason) {
	s.Status = StatusDone
	s.WinnerSide = winner
	s.Winner = s.Players[winner]
	s.Loser = s.Players[winner.Other()]
	s.Reason = reason
	s.Intents = [2]Intent{}
	s.BallVX, s.BallVY = 0, 0
}

func (s *State) resetBall() {
	s.BallX, s.BallY = 0.5, 0.5
	s.BallVX, s.BallVY = s.serve(s.Physics)
}

func (s *State) inBand(side Side) bool {
	p := s.Physics
	return math.Abs(s.BallX-p.PaddleX[side]) <= p.PaddleBoundX &&
		math.Abs(s.BallY-s.Paddles[side]) <= p.PaddleBoundY
}

func (s *State) deflect(side Side) float64 {
	p := s.Physics
	vy := (s.BallY - s.Paddles[side]) * p.AngleFactor
	if p.MaxSpeedY > 0 {
		vy = clamp(vy, -p.MaxSpeedY, p.MaxSpeedY)
	}
	return vy
}

// Snapshot is an immutable copy of a match suitable for the wire.
type Snapshot struct {
	MatchID      string    `json:"match_id"`
	Name         string    `json:"name,omitempty"`
	Mode         Mode      `json:"mode"`
	Status       Status    `json:"status"`
	Player1      string    `json:"player_1"`
	Player2      string    `json:"player_2"`
	BallX        float64   `json:"ball_x"`
	BallY        float64   `json:"ball_y"`
	BallVX       float64   `json:"ball_vx"`
	BallVY       float64   `json:"ball_vy"`
	Paddle1X     float64   `json:"paddle1_x"`
	Paddle2X     float64   `json:"paddle2_x"`
	Paddle1Y     float64   `json:"paddle1_y"`
	Paddle2Y     float64   `json:"paddle2_y"`
	BallBound    float64   `json:"ball_bounds"`
	PaddleBoundX float64   `json:"paddle_bounds_x"`
	PaddleBoundY float64   `json:"paddle_bounds_y"`
	PaddleSpeed  float64   `json:"paddle_speed"`
	Score1       int       `json:"score1"`
	Score2       int       `json:"score2"`
	Winner       string    `json:"winner,omitempty"`
	Loser        string    `json:"loser,omitempty"`
	Reason       EndReason `json:"reason,omitempty"`
	TournamentID string    `json:"tournament_id,omitempty"`
	Tick         uint64    `json:"tick"`
}

// Snapshot copies every kinematic and bound field.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		MatchID:      s.ID,
		Name:         s.Name,
		Mode:         s.Mode,
		Status:       s.Status,
		Player1:      s.Players[0],
		Player2:      s.Players[1],
		BallX:        s.BallX,
		BallY:        s.BallY,
		BallVX:       s.BallVX,
		BallVY:       s.BallVY,
		Paddle1X:     s.Physics.PaddleX[0],
		Paddle2X:     s.Physics.PaddleX[1],
		Paddle1Y:     s.Paddles[0],
		Paddle2Y:     s.Paddles[1],
		BallBound:    s.Physics.BallBound,
		PaddleBoundX: s.Physics.PaddleBoundX,
		PaddleBoundY: s.Physics.PaddleBoundY,
		PaddleSpeed:  s.Physics.PaddleSpeed,
		Score1:       s.Scores[0],
		Score2:       s.Scores[1],
		Winner:       s.Winner,
		Loser:        s.Loser,
		Reason:       s.Reason,
		TournamentID: s.TournamentID,
		Tick:         s.Tick,
	}
}
