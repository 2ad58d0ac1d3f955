package answer

import (
	"context"
	"sort"
	"sync"

	"github.com/classhall/liveq/internal/domain"
)

type key struct {
	matchID       string
	questionIndex int
	userID        string
}

// MemoryLedger is a mutex-guarded in-memory Ledger. The uniqueness check
// and the insert happen under one lock, matching the atomicity the primary
// key gives PGLedger. Used in tests and single-process dev mode.
type MemoryLedger struct {
	mu      sync.Mutex
	answers map[key]domain.Answer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{answers: make(map[key]domain.Answer)}
}

func (l *MemoryLedger) Insert(_ context.Context, a domain.Answer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{a.MatchID, a.QuestionIndex, a.UserID}
	if _, ok := l.answers[k]; ok {
		return duplicate(a)
	}
	l.answers[k] = a

	return nil
}

func (l *MemoryLedger) Delete(_ context.Context, matchID string, questionIndex int, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{matchID, questionIndex, userID}
	if _, ok := l.answers[k]; !ok {
		return false, nil
	}
	delete(l.answers, k)

	return true, nil
}

func (l *MemoryLedger) Get(_ context.Context, matchID string, questionIndex int, userID string) (*domain.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.answers[key{matchID, questionIndex, userID}]
	if !ok {
		return nil, nil
	}

	return &a, nil
}

func (l *MemoryLedger) ListUpTo(_ context.Context, matchID string, upTo int) ([]domain.Answer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var answers []domain.Answer
	for k, a := range l.answers {
		if k.matchID == matchID && k.questionIndex <= upTo {
			answers = append(answers, a)
		}
	}

	sort.Slice(answers, func(i, j int) bool {
		if answers[i].QuestionIndex != answers[j].QuestionIndex {
			return answers[i].QuestionIndex < answers[j].QuestionIndex
		}
		return answers[i].UserID < answers[j].UserID
	})

	return answers, nil
}
