// Package store adapts the kv persistent store to scheduled-task and
// recurring-schedule records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"courier/internal/domain"
	"courier/internal/kv"
)

const (
	taskPrefix      = "scheduled:"
	recurringPrefix = "recurring:"
)

var ErrNotFound = errors.New("record not found")

type TaskStore struct {
	kv kv.Store
}

func New(s kv.Store) *TaskStore { return &TaskStore{kv: s} }

func (s *TaskStore) PutTask(ctx context.Context, t domain.ScheduledTask) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := s.kv.Set(ctx, taskPrefix+t.ID, b, 0); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	b, err := s.kv.Get(ctx, taskPrefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNoKey) {
			return domain.ScheduledTask{}, ErrNotFound
		}
		return domain.ScheduledTask{}, fmt.Errorf("load task %s: %w", id, err)
	}
	var t domain.ScheduledTask
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, taskPrefix+id)
}

// ListTasks returns all tasks, filtered by status when filter is non-empty.
func (s *TaskStore) ListTasks(ctx context.Context, filter domain.Status) ([]domain.ScheduledTask, error) {
	keys, err := s.kv.ListKeys(ctx, taskPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]domain.ScheduledTask, 0, len(keys))
	for _, k := range keys {
		b, err := s.kv.Get(ctx, k)
		if errors.Is(err, kv.ErrNoKey) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		var t domain.ScheduledTask
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		if filter != "" && t.Status != filter {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *TaskStore) PutRecurring(ctx context.Context, r domain.RecurringSchedule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", r.ID, err)
	}
	if err := s.kv.Set(ctx, recurringPrefix+r.ID, b, 0); err != nil {
		return fmt.Errorf("persist schedule %s: %w", r.ID, err)
	}
	return nil
}

func (s *TaskStore) GetRecurring(ctx context.Context, id string) (domain.RecurringSchedule, error) {
	b, err := s.kv.Get(ctx, recurringPrefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNoKey) {
			return domain.RecurringSchedule{}, ErrNotFound
		}
		return domain.RecurringSchedule{}, fmt.Errorf("load schedule %s: %w", id, err)
	}
	var r domain.RecurringSchedule
	if err := json.Unmarshal(b, &r); err != nil {
		return domain.RecurringSchedule{}, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return r, nil
}

// ListRecurring returns all recurring schedules, only active ones when
// activeOnly is set.
func (s *TaskStore) ListRecurring(ctx context.Context, activeOnly bool) ([]domain.RecurringSchedule, error) {
	keys, err := s.kv.ListKeys(ctx, recurringPrefix)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	scheds := make([]domain.RecurringSchedule, 0, len(keys))
	for _, k := range keys {
		b, err := s.kv.Get(ctx, k)
		if errors.Is(err, kv.ErrNoKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		var r domain.RecurringSchedule
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		if activeOnly && !r.IsActive {
			continue
		}
		scheds = append(scheds, r)
	}
	return scheds, nil
}
