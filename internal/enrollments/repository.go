package enrollments

import (
	"context"
	"fmt"

	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
)

const (
	InsertEnrollmentQuery = `
		INSERT INTO enrollments (learner_id, course_id, payment_id, enrolled_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (learner_id, course_id) DO NOTHING;`
	InsertCommunityMemberQuery = `
		INSERT INTO community_members (course_id, user_id, joined_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (course_id, user_id) DO NOTHING;`
	IsEnrolledQuery = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE learner_id = $1 AND course_id = $2);`
)

// DatabaseEnrollments creates enrollments idempotently. The bool results report whether a row was inserted.
type DatabaseEnrollments interface {
	EnrollIfAbsent(ctx context.Context, learnerID, courseID, paymentID uuid.UUID) (bool, error)
	JoinCommunityIfAbsent(ctx context.Context, courseID, userID uuid.UUID) (bool, error)
	IsEnrolled(ctx context.Context, learnerID, courseID uuid.UUID) (bool, error)
}

type DBEnrollments struct {
	db storage.Querier
}

func NewDBEnrollments(db storage.Querier) *DBEnrollments {
	return &DBEnrollments{db: db}
}

func (e *DBEnrollments) EnrollIfAbsent(ctx context.Context, learnerID, courseID, paymentID uuid.UUID) (bool, error) {
	tag, err := storage.Conn(ctx, e.db).Exec(ctx, InsertEnrollmentQuery, learnerID, courseID, paymentID)
	if err != nil {
		return false, fmt.Errorf("enroll learner: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (e *DBEnrollments) JoinCommunityIfAbsent(ctx context.Context, courseID, userID uuid.UUID) (bool, error) {
	tag, err := storage.Conn(ctx, e.db).Exec(ctx, InsertCommunityMemberQuery, courseID, userID)
	if err != nil {
		return false, fmt.Errorf("join community: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (e *DBEnrollments) IsEnrolled(ctx context.Context, learnerID, courseID uuid.UUID) (bool, error) {
	var ok bool
	if err := storage.Conn(ctx, e.db).QueryRow(ctx, IsEnrolledQuery, learnerID, courseID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return ok, nil
}
