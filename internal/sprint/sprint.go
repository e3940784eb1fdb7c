// Package sprint keeps saved sprint plans and applies user edits and assistant replans to them.
package sprint

import (
	"errors"
	"time"
)

var (
	ErrSprintNotFound  = errors.New("sprint not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidEstimate = errors.New("estimate must be a positive number of points")
	ErrNoStories       = errors.New("no user stories to plan")
)

// Task is one unit of sprint work. The JSON field names match the saved plan format
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	StoryID     string `json:"us_id"`
	StoryTitle  string `json:"us_title"`
	Estimate    int    `json:"estimate"`
}

// Sprint is a named, ordered list of tasks
type Sprint struct {
	ID        string    `json:"id"`
	Name      string    `json:"sprint_name"`
	CreatedAt time.Time `json:"created_at"`
	Tasks     []Task    `json:"tasks"`
}

// Points sums the estimates of every task
func (s Sprint) Points() int {
	total := 0
	for _, t := range s.Tasks {
		total += t.Estimate
	}
	return total
}

// Task finds a task by id
func (s Sprint) Task(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// TaskDraft holds the user-editable fields of a new task
type TaskDraft struct {
	Description string
	StoryID     string
	StoryTitle  string
	Estimate    int
}

// TaskChanges holds the fields to overwrite on an existing task. Nil fields are left alone
type TaskChanges struct {
	Description *string
	StoryID     *string
	StoryTitle  *string
	Estimate    *int
}

// ReplanResult is what a replanner returns. Present is false when the response carried no task list at all, which
// is different from an explicitly empty list
type ReplanResult struct {
	Tasks   []Task
	Present bool
}

// PublishResult reports the tickets created for a sprint's tasks and the tasks that could not be published
type PublishResult struct {
	Created []string `json:"created_issues"`
	Errors  []string `json:"errors"`
}

func (s Sprint) withTasks(tasks []Task) Sprint {
	s.Tasks = tasks
	return s
}

// AddTask returns a copy of the sprint with the task appended
func AddTask(s Sprint, task Task) (Sprint, error) {
	if task.Estimate < 1 {
		return s, ErrInvalidEstimate
	}
	tasks := make([]Task, 0, len(s.Tasks)+1)
	tasks = append(tasks, s.Tasks...)
	tasks = append(tasks, task)
	return s.withTasks(tasks), nil
}

// UpdateTask returns a copy of the sprint with the changes merged into the task with the given id. If there is no
// such task the sprint is returned unchanged
func UpdateTask(s Sprint, taskID string, changes TaskChanges) (Sprint, error) {
	if changes.Estimate != nil && *changes.Estimate < 1 {
		return s, ErrInvalidEstimate
	}
	tasks := make([]Task, len(s.Tasks))
	copy(tasks, s.Tasks)
	for i := range tasks {
		if tasks[i].ID != taskID {
			continue
		}
		if changes.Description != nil {
			tasks[i].Description = *changes.Description
		}
		if changes.StoryID != nil {
			tasks[i].StoryID = *changes.StoryID
		}
		if changes.StoryTitle != nil {
			tasks[i].StoryTitle = *changes.StoryTitle
		}
		if changes.Estimate != nil {
			tasks[i].Estimate = *changes.Estimate
		}
	}
	return s.withTasks(tasks), nil
}

// RemoveTask returns a copy of the sprint without the task with the given id
func RemoveTask(s Sprint, taskID string) Sprint {
	tasks := make([]Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID != taskID {
			tasks = append(tasks, t)
		}
	}
	return s.withTasks(tasks)
}

// ApplyReplan replaces the sprint's tasks with a replanner's result. A result without a task list leaves the sprint
// unchanged, while an empty list clears it. Returned tasks keep the id they came back with, so a task the replanner
// left alone keeps its identity; tasks with no id or a duplicate id get a new one from newID. Estimates below one
// point are raised to one
func ApplyReplan(s Sprint, result ReplanResult, newID func() string) Sprint {
	if !result.Present {
		return s
	}

	used := make(map[string]bool, len(result.Tasks))
	tasks := make([]Task, 0, len(result.Tasks))
	for _, t := range result.Tasks {
		if t.ID == "" || used[t.ID] {
			t.ID = newID()
		}
		used[t.ID] = true
		if t.Estimate < 1 {
			t.Estimate = 1
		}
		tasks = append(tasks, t)
	}
	return s.withTasks(tasks)
}
