package domain

const (
	EventNameMatchAdvanced    = "match.advanced"
	EventNameMatchFinished    = "match.finished"
	EventNameAnswerStored     = "answer.stored"
	EventNameAnswerWithdrawn  = "answer.withdrawn"
	EventNameStandingsUpdated = "standings.updated"
)

// EventMatchAdvanced fires on every persisted teacher-side transition that
// is not terminal (countdown started, question opened/closed, pause/resume,
// back). Students discover it by polling; subscribers use it for cache
// invalidation and edge notification.
type EventMatchAdvanced struct {
	Match Match
}

func (EventMatchAdvanced) Name() string { return EventNameMatchAdvanced }

type EventMatchFinished struct {
	Match Match
}

func (EventMatchFinished) Name() string { return EventNameMatchFinished }

type EventAnswerStored struct {
	Answer  Answer
	Correct bool
}

func (EventAnswerStored) Name() string { return EventNameAnswerStored }

type EventAnswerWithdrawn struct {
	Answer  Answer
	Correct bool
}

func (EventAnswerWithdrawn) Name() string { return EventNameAnswerWithdrawn }

// EventStandingsUpdated carries the throttled live scoreboard snapshot.
type EventStandingsUpdated struct {
	Standings Standings
}

func (EventStandingsUpdated) Name() string { return EventNameStandingsUpdated }
