package store

import "time"

// MatchStatus is the durable lifecycle status of a match.
type MatchStatus string

const (
	MatchPlaying   MatchStatus = "playing"
	MatchDone      MatchStatus = "done"
	MatchCancelled MatchStatus = "cancelled"
)

// TournamentStatus is the lifecycle status of a tournament.
type TournamentStatus string

const (
	TournamentPending    TournamentStatus = "pending"
	TournamentInProgress TournamentStatus = "in_progress"
	TournamentCompleted  TournamentStatus = "completed"
	TournamentCancelled  TournamentStatus = "cancelled"
)

// Round is the bracket stage of a tournament.
type Round string

const (
	RoundPending    Round = "pending"
	RoundSemifinals Round = "semifinals"
	RoundFinal      Round = "final"
)

// InviteMode distinguishes one-to-one invites from tournament seats.
type InviteMode string

const (
	InviteDirect     InviteMode = "direct"
	InviteTournament InviteMode = "tournament"
)

// InviteStatus is the lifecycle status of an invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRefused  InviteStatus = "refused"
	InviteExpired  InviteStatus = "expired"
)

// Capacity is the fixed number of bracket participants.
const Capacity = 4

// Match is the durable record of a match.
type Match struct {
	ID           string      `db:"id" json:"id"`
	Name         string      `db:"name" json:"name"`
	Mode         string      `db:"mode" json:"mode"`
	Player1      string      `db:"player_1" json:"player_1"`
	Player2      string      `db:"player_2" json:"player_2"`
	Score1       int         `db:"score_1" json:"score_1"`
	Score2       int         `db:"score_2" json:"score_2"`
	Status       MatchStatus `db:"status" json:"status"`
	Winner       *string     `db:"winner" json:"winner,omitempty"`
	Loser        *string     `db:"loser" json:"loser,omitempty"`
	EndReason    *string     `db:"end_reason" json:"end_reason,omitempty"`
	TournamentID *string     `db:"tournament_id" json:"tournament_id,omitempty"`
	Round        *string     `db:"round" json:"round,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	FinishedAt   *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
}

// MatchResult carries the terminal outcome of a match.
type MatchResult struct {
	ID         string
	Score1     int
	Score2     int
	Winner     string
	Loser      string
	Reason     string
	FinishedAt time.Time
}

// Tournament is the durable record of a bracket.
type Tournament struct {
	ID           string           `db:"id" json:"id"`
	Name         string           `db:"name" json:"name"`
	Slug         string           `db:"slug" json:"slug"`
	Creator      string           `db:"creator" json:"creator"`
	Status       TournamentStatus `db:"status" json:"status"`
	CurrentRound Round            `db:"current_round" json:"current_round"`
	Semifinal1   *string          `db:"semifinal_1" json:"semifinal_1,omitempty"`
	Semifinal2   *string          `db:"semifinal_2" json:"semifinal_2,omitempty"`
	Final        *string          `db:"final_match" json:"final,omitempty"`
	Champion     *string          `db:"champion" json:"champion,omitempty"`
	Error        *string          `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// Participant is one seat of a tournament. Seats start at 1 in arrival order.
type Participant struct {
	TournamentID string    `db:"tournament_id" json:"-"`
	UserID       string    `db:"user_id" json:"user_id"`
	Seat         int       `db:"seat" json:"seat"`
	JoinedAt     time.Time `db:"joined_at" json:"joined_at"`
}

// Invite is an invitation to a direct match or a tournament seat.
type Invite struct {
	ID           string       `db:"id" json:"id"`
	Sender       string       `db:"sender" json:"from"`
	Recipient    string       `db:"recipient" json:"to"`
	Mode         InviteMode   `db:"mode" json:"mode"`
	Status       InviteStatus `db:"status" json:"status"`
	TournamentID *string      `db:"tournament_id" json:"tournament_id,omitempty"`
	MatchID      *string      `db:"match_id" json:"match_id,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	RespondedAt  *time.Time   `db:"responded_at" json:"responded_at,omitempty"`
}

// PlayerStats aggregates a player's results.
type PlayerStats struct {
	UserID        string    `db:"user_id" json:"user_id"`
	MatchesPlayed int       `db:"matches_played" json:"matches_played"`
	MatchesWon    int       `db:"matches_won" json:"matches_won"`
	MatchesLost   int       `db:"matches_lost" json:"matches_lost"`
	WinRatio      float64   `db:"win_ratio" json:"win_ratio"`
	Rating        int       `db:"rating" json:"rating"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// StringPtr returns nil for empty strings and a pointer otherwise.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
