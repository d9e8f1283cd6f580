package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent menandakan event audit tidak lengkap.
var ErrInvalidEvent = errors.New("audit: event requires action, entity type and entity id")

// Repository menyediakan akses penyimpanan audit log.
type Repository interface {
	Insert(ctx context.Context, event Event) error
	Window(ctx context.Context, params WindowParams) ([]Event, error)
}

// Service mencatat dan membaca audit log.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService membuat service audit baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Record menyimpan satu event. ID dan waktu diisi bila kosong.
func (s *Service) Record(ctx context.Context, event Event) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if !event.Action.Valid() || strings.TrimSpace(event.EntityType) == "" || strings.TrimSpace(event.EntityID) == "" {
		return ErrInvalidEvent
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = s.now()
	}
	return s.repo.Insert(ctx, event)
}

// Timeline mengambil data audit dengan paging, terbaru lebih dulu.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Window(ctx, WindowParams{
		From:       filters.From,
		To:         filters.To,
		ActorID:    filters.ActorID,
		EntityType: strings.TrimSpace(filters.EntityType),
		EntityID:   strings.TrimSpace(filters.EntityID),
		Action:     strings.ToUpper(strings.TrimSpace(filters.Action)),
		Offset:     (page - 1) * pageSize,
		Limit:      pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
