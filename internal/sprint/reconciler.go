package sprint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/telemetry"
)

// Store persists the whole sprint collection
type Store interface {
	Load(ctx context.Context) ([]Sprint, error)
	Save(ctx context.Context, sprints []Sprint) error
}

// Replanner rewrites a task list according to a natural-language instruction
type Replanner interface {
	Replan(ctx context.Context, tasks []Task, instruction string) (ReplanResult, error)
}

// Publisher creates tickets for a sprint's tasks
type Publisher interface {
	PublishSprint(ctx context.Context, sprint Sprint) (PublishResult, error)
}

// Reconciler owns the saved sprints. Every change is written through to the store before it becomes visible
type Reconciler struct {
	store     Store
	replanner Replanner
	publisher Publisher
	generator Generator
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	sprints map[string]Sprint
}

// NewReconciler loads the saved sprints from the store. The replanner and publisher may be nil, in which case Replan
// and Publish fail
func NewReconciler(ctx context.Context, store Store, replanner Replanner, publisher Publisher) (*Reconciler, error) {
	saved, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sprints: %w", err)
	}

	sprints := make(map[string]Sprint, len(saved))
	for _, s := range saved {
		if s.Tasks == nil {
			s.Tasks = []Task{}
		}
		sprints[s.ID] = s
	}
	zap.S().Debugf("Loaded %d sprint(s)", len(sprints))

	return &Reconciler{
		store:     store,
		replanner: replanner,
		publisher: publisher,
		now:       time.Now,
		newID:     uuid.NewString,
		sprints:   sprints,
	}, nil
}

// WithGenerator sets the collaborator GenerateSprint asks for tasks. Without one, sprints are planned one task per
// acceptance criterion
func (r *Reconciler) WithGenerator(generator Generator) *Reconciler {
	r.generator = generator
	return r
}

// List returns every sprint, newest first
func (r *Reconciler) List() []Sprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

func (r *Reconciler) sorted() []Sprint {
	list := make([]Sprint, 0, len(r.sprints))
	for _, s := range r.sprints {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Get looks a sprint up by id. A unique id prefix is also accepted
func (r *Reconciler) Get(id string) (Sprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(id)
}

func (r *Reconciler) lookup(id string) (Sprint, error) {
	if s, ok := r.sprints[id]; ok {
		return s, nil
	}
	var match Sprint
	matches := 0
	for key, s := range r.sprints {
		if id != "" && strings.HasPrefix(key, id) {
			match = s
			matches++
		}
	}
	if matches == 1 {
		return match, nil
	}
	if matches > 1 {
		return Sprint{}, fmt.Errorf("sprint id %q is ambiguous", id)
	}
	return Sprint{}, fmt.Errorf("%w: %s", ErrSprintNotFound, id)
}

// commit writes the collection with the given sprint replaced (or removed, if remove is set) and only then updates
// the in-memory copy. The caller must hold the lock
func (r *Reconciler) commit(ctx context.Context, s Sprint, remove bool) error {
	next := make(map[string]Sprint, len(r.sprints)+1)
	for k, v := range r.sprints {
		next[k] = v
	}
	if remove {
		delete(next, s.ID)
	} else {
		next[s.ID] = s
	}

	previous := r.sprints
	r.sprints = next
	if err := r.store.Save(ctx, r.sorted()); err != nil {
		r.sprints = previous
		return fmt.Errorf("failed to save sprints: %w", err)
	}
	return nil
}

// update applies fn to the sprint with the given id and saves the result
func (r *Reconciler) update(ctx context.Context, id string, fn func(Sprint) (Sprint, error)) (Sprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(id)
	if err != nil {
		return Sprint{}, err
	}
	s, err = fn(s)
	if err != nil {
		return Sprint{}, err
	}
	if err := r.commit(ctx, s, false); err != nil {
		return Sprint{}, err
	}
	return s, nil
}

// CreateSprint adds an empty sprint. An empty name defaults to "Sprint N"
func (r *Reconciler) CreateSprint(ctx context.Context, name string) (Sprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.newSprint(name, []Task{})
	if err := r.commit(ctx, s, false); err != nil {
		return Sprint{}, err
	}
	zap.S().Infof("Created sprint %q (%s)", s.Name, s.ID)
	return s, nil
}

// newSprint builds a sprint that is not saved yet. The caller must hold the lock
func (r *Reconciler) newSprint(name string, tasks []Task) Sprint {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("Sprint %d", len(r.sprints)+1)
	}
	return Sprint{
		ID:        r.newID(),
		Name:      name,
		CreatedAt: r.now().UTC(),
		Tasks:     tasks,
	}
}

// GenerateSprint plans a new sprint for the given user stories and saves it. If the generator fails the error is
// returned and nothing is saved; if it produces no tasks, or there is no generator, each acceptance criterion becomes
// a task
func (r *Reconciler) GenerateSprint(ctx context.Context, name string, stories []UserStory) (Sprint, error) {
	if len(stories) == 0 {
		return Sprint{}, ErrNoStories
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sprint.generate")
	defer span.End()
	span.SetAttributes(attribute.Int("sprint.stories", len(stories)))

	var tasks []Task
	if r.generator != nil {
		generated, err := r.generator.GenerateTasks(ctx, stories)
		if err != nil {
			telemetry.RecordError(span, err)
			return Sprint{}, fmt.Errorf("failed to generate tasks: %w", err)
		}
		tasks = generated
	}
	if len(tasks) == 0 {
		zap.S().Infof("Planning one task per acceptance criterion for %d stories", len(stories))
		tasks = TasksFromCriteria(stories)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.newSprint(name, numberTasks(tasks, stories))
	if err := r.commit(ctx, s, false); err != nil {
		return Sprint{}, err
	}
	span.SetAttributes(attribute.String("sprint.id", s.ID), attribute.Int("sprint.tasks", len(s.Tasks)))
	zap.S().Infof("Generated sprint %q (%s) with %d tasks", s.Name, s.ID, len(s.Tasks))
	return s, nil
}

// DeleteSprint removes a sprint
func (r *Reconciler) DeleteSprint(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.commit(ctx, s, true); err != nil {
		return err
	}
	zap.S().Infof("Deleted sprint %q (%s)", s.Name, s.ID)
	return nil
}

// AddTask appends a new task to a sprint and returns the updated sprint
func (r *Reconciler) AddTask(ctx context.Context, sprintID string, draft TaskDraft) (Sprint, error) {
	return r.update(ctx, sprintID, func(s Sprint) (Sprint, error) {
		return AddTask(s, Task{
			ID:          r.newID(),
			Description: draft.Description,
			StoryID:     draft.StoryID,
			StoryTitle:  draft.StoryTitle,
			Estimate:    draft.Estimate,
		})
	})
}

// UpdateTask merges changes into one task of a sprint
func (r *Reconciler) UpdateTask(ctx context.Context, sprintID string, taskID string, changes TaskChanges) (Sprint, error) {
	return r.update(ctx, sprintID, func(s Sprint) (Sprint, error) {
		if _, ok := s.Task(taskID); !ok {
			return s, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return UpdateTask(s, taskID, changes)
	})
}

// RemoveTask deletes one task from a sprint
func (r *Reconciler) RemoveTask(ctx context.Context, sprintID string, taskID string) (Sprint, error) {
	return r.update(ctx, sprintID, func(s Sprint) (Sprint, error) {
		if _, ok := s.Task(taskID); !ok {
			return s, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return RemoveTask(s, taskID), nil
	})
}

// Replan asks the replanner to rewrite a sprint's tasks. If the replanner fails, or answers without a task list, the
// sprint is left as it was. The lock is not held while the replanner runs; its result replaces whatever tasks the
// sprint has when it returns
func (r *Reconciler) Replan(ctx context.Context, sprintID string, instruction string) (Sprint, error) {
	if r.replanner == nil {
		return Sprint{}, fmt.Errorf("no replanner configured")
	}
	if strings.TrimSpace(instruction) == "" {
		return Sprint{}, fmt.Errorf("instruction is empty")
	}

	current, err := r.Get(sprintID)
	if err != nil {
		return Sprint{}, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sprint.replan")
	defer span.End()
	span.SetAttributes(attribute.String("sprint.id", current.ID), attribute.Int("sprint.tasks", len(current.Tasks)))

	result, err := r.replanner.Replan(ctx, current.Tasks, instruction)
	if err != nil {
		telemetry.RecordError(span, err)
		return Sprint{}, fmt.Errorf("failed to replan sprint: %w", err)
	}
	if !result.Present {
		zap.S().Infof("Replan of sprint %q returned no task list, keeping current tasks", current.Name)
		return current, nil
	}

	return r.update(ctx, current.ID, func(s Sprint) (Sprint, error) {
		return ApplyReplan(s, result, r.newID), nil
	})
}

// Publish creates one ticket per task of a sprint
func (r *Reconciler) Publish(ctx context.Context, sprintID string) (PublishResult, error) {
	if r.publisher == nil {
		return PublishResult{}, fmt.Errorf("no sprint publisher configured")
	}
	s, err := r.Get(sprintID)
	if err != nil {
		return PublishResult{}, err
	}
	if len(s.Tasks) == 0 {
		return PublishResult{}, fmt.Errorf("sprint %q has no tasks", s.Name)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "sprint.publish")
	defer span.End()

	result, err := r.publisher.PublishSprint(ctx, s)
	if err != nil {
		telemetry.RecordError(span, err)
		return PublishResult{}, fmt.Errorf("failed to publish sprint: %w", err)
	}
	span.SetAttributes(attribute.Int("tickets.created", len(result.Created)), attribute.Int("tickets.failed", len(result.Errors)))
	zap.S().Infof("Published sprint %q: %d errors and %d successes", s.Name, len(result.Errors), len(result.Created))
	return result, nil
}
