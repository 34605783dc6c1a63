package notify

// NewInvite announces an invite to its recipient. tournamentID is empty for direct invites.
func NewInvite(inviteID, from, mode, tournamentID string) Event {
	data := map[string]any{"invite_id": inviteID, "from": from, "mode": mode}
	if tournamentID != "" {
		data["tournament_id"] = tournamentID
	}
	return Event{Type: EventNewInvite, Data: data}
}

// InviteAccepted tells both players which match an accepted invite created.
func InviteAccepted(inviteID, matchID string) Event {
	return Event{Type: EventInviteAccepted, Data: map[string]any{"invite_id": inviteID, "match_id": matchID}}
}

// InviteRefused tells the sender who declined.
func InviteRefused(inviteID, by string) Event {
	return Event{Type: EventInviteRefused, Data: map[string]any{"invite_id": inviteID, "by": by}}
}

func TournamentWaiting(tournamentID string, participants int) Event {
	return Event{Type: EventTournamentWaiting, Data: map[string]any{
		"tournament_id":     tournamentID,
		"participant_count": participants,
	}}
}

// TournamentMatchStart is sent to every participant, not only the two players.
func TournamentMatchStart(tournamentID, matchID, player1, player2, round string) Event {
	return Event{Type: EventTournamentMatch, Data: map[string]any{
		"tournament_id": tournamentID,
		"match_id":      matchID,
		"player_1":      player1,
		"player_2":      player2,
		"round":         round,
	}}
}

func TournamentCompleted(tournamentID, champion string) Event {
	return Event{Type: EventTournamentCompleted, Data: map[string]any{"tournament_id": tournamentID, "champion": champion}}
}

func TournamentCancelled(tournamentID, reason string) Event {
	return Event{Type: EventTournamentCancelled, Data: map[string]any{"tournament_id": tournamentID, "reason": reason}}
}

// TournamentError reports an aborted bracket. tournamentID may be empty.
func TournamentError(tournamentID, reason string) Event {
	data := map[string]any{"error": reason}
	if tournamentID != "" {
		data["tournament_id"] = tournamentID
	}
	return Event{Type: EventTournamentError, Data: data}
}
