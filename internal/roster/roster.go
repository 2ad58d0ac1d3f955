// Package roster answers capability questions against the enrolment data
// owned by the identity subsystem. Consumed read-only.
package roster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Roster reports course membership roles.
type Roster interface {
	IsTeacher(ctx context.Context, courseID, userID string) (bool, error)
	IsEnrolled(ctx context.Context, courseID, userID string) (bool, error)
}

// PGRoster reads the enrolment table maintained by the identity subsystem.
type PGRoster struct {
	db *pgxpool.Pool
}

func NewPGRoster(db *pgxpool.Pool) *PGRoster {
	return &PGRoster{db: db}
}

func (r *PGRoster) IsTeacher(ctx context.Context, courseID, userID string) (bool, error) {
	return r.hasRole(ctx, courseID, userID, "teacher")
}

func (r *PGRoster) IsEnrolled(ctx context.Context, courseID, userID string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM enrolments WHERE course_id = $1 AND user_id = $2);`

	var ok bool
	if err := r.db.QueryRow(ctx, stmt, courseID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("select enrolment: %w", err)
	}

	return ok, nil
}

func (r *PGRoster) hasRole(ctx context.Context, courseID, userID, role string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM enrolments WHERE course_id = $1 AND user_id = $2 AND role = $3);`

	var ok bool
	if err := r.db.QueryRow(ctx, stmt, courseID, userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("select enrolment role: %w", err)
	}

	return ok, nil
}

// StaticRoster is a fixed membership table for tests.
type StaticRoster struct {
	// Teachers and Students map courseID to member user IDs.
	Teachers map[string][]string
	Students map[string][]string
}

func (r *StaticRoster) IsTeacher(_ context.Context, courseID, userID string) (bool, error) {
	return contains(r.Teachers[courseID], userID), nil
}

func (r *StaticRoster) IsEnrolled(_ context.Context, courseID, userID string) (bool, error) {
	return contains(r.Students[courseID], userID) || contains(r.Teachers[courseID], userID), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
