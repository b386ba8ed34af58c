package courses

import (
	"context"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
)

type CourseService interface {
	GetCourse(ctx context.Context, id uuid.UUID) (models.Course, error)
}

type CService struct {
	conn DatabaseCourses
}

func NewCService(conn DatabaseCourses) *CService {
	return &CService{conn: conn}
}

func (s *CService) GetCourse(ctx context.Context, id uuid.UUID) (models.Course, error) {
	return s.conn.GetCourse(ctx, id)
}
