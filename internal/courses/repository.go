package courses

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const GetCourseQuery = `SELECT id, trainer_id, title, price, commission_rate FROM courses WHERE id = $1;`

type DatabaseCourses interface {
	GetCourse(ctx context.Context, id uuid.UUID) (models.Course, error)
}

type DBCourses struct {
	db storage.Querier
}

func NewDBCourses(db storage.Querier) *DBCourses {
	return &DBCourses{db: db}
}

func (c *DBCourses) GetCourse(ctx context.Context, id uuid.UUID) (models.Course, error) {
	var course models.Course
	err := storage.Conn(ctx, c.db).QueryRow(ctx, GetCourseQuery, id).Scan(
		&course.ID,
		&course.TrainerID,
		&course.Title,
		&course.Price,
		&course.CommissionRate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return course, models.ErrNotFound
		}
		return course, fmt.Errorf("get course %s: %w", id, err)
	}
	return course, nil
}
