package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TeacherActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "teacher_actions_total",
		Help:      "Explicit teacher transitions applied to matches.",
	}, []string{"action"})

	StudentPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "student_polls_total",
		Help:      "Student refresh requests served.",
	})

	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveq",
		Name:      "answers_total",
		Help:      "Answer submissions by outcome.",
	}, []string{"outcome"})
)

const (
	AnswerAccepted  = "accepted"
	AnswerDuplicate = "duplicate"
	AnswerRejected  = "rejected"
	AnswerWithdrawn = "withdrawn"
)
