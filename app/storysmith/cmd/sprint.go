package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cchalm/storysmith/internal/sprint"
)

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Manage sprint plans",
	Long: `Lists, edits, replans and publishes saved sprint plans. Sprints and tasks are addressed by id;
a sprint id may be shortened to any unique prefix.`,
}

var taskFlags struct {
	description string
	storyID     string
	storyTitle  string
	estimate    int
}

var (
	showJSON    bool
	storiesFrom string
)

// withReconciler runs fn against the saved sprints, with every collaborator the configuration selects
func withReconciler(fn func(ctx context.Context, r *sprint.Reconciler) error) error {
	ctx := setupContext()

	svc, err := createServices(ctx)
	if err != nil {
		return err
	}
	reconciler, closeStore, err := openReconciler(ctx, svc)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, reconciler)
}

var sprintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sprints, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withReconciler(func(_ context.Context, r *sprint.Reconciler) error {
			return printSprintList(cmd.OutOrStdout(), r.List())
		})
	},
}

var sprintNewCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create an empty sprint",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.CreateSprint(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %q (%s)\n", s.Name, s.ID)
			return nil
		})
	},
}

var sprintGenerateCmd = &cobra.Command{
	Use:   "generate [name]",
	Short: "Plan a new sprint from user stories",
	Long: `Breaks user stories down into the tasks of a new sprint. The stories are read from --from, or
standard input when it is "-", either as approved requirements text or as a JSON list of user
stories. When the planner returns no usable tasks, each acceptance criterion becomes a task.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stories, err := readStories(cmd.InOrStdin(), storiesFrom)
		if err != nil {
			return err
		}
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.GenerateSprint(ctx, strings.Join(args, " "), stories)
			if err != nil {
				return err
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

// readStories loads user stories from a file, or from stdin when path is "-"
func readStories(stdin io.Reader, path string) ([]sprint.UserStory, error) {
	var content []byte
	var err error
	if path == "-" {
		content, err = io.ReadAll(stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user stories: %w", err)
	}
	return parseStories(content)
}

// parseStories accepts JSON stories or requirements text
func parseStories(content []byte) ([]sprint.UserStory, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return sprint.ParseUserStories(trimmed)
	}
	stories := sprint.StoriesFromRequirements(string(content))
	if len(stories) == 0 {
		return nil, sprint.ErrNoStories
	}
	return stories, nil
}

var sprintShowCmd = &cobra.Command{
	Use:   "show <sprint>",
	Short: "Show the tasks of a sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(_ context.Context, r *sprint.Reconciler) error {
			s, err := r.Get(args[0])
			if err != nil {
				return err
			}
			if showJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

var sprintDeleteCmd = &cobra.Command{
	Use:   "delete <sprint>",
	Short: "Delete a sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			return r.DeleteSprint(ctx, args[0])
		})
	},
}

var sprintAddTaskCmd = &cobra.Command{
	Use:   "add-task <sprint>",
	Short: "Add a task to a sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.AddTask(ctx, args[0], sprint.TaskDraft{
				Description: taskFlags.description,
				StoryID:     taskFlags.storyID,
				StoryTitle:  taskFlags.storyTitle,
				Estimate:    taskFlags.estimate,
			})
			if err != nil {
				return err
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

var sprintUpdateTaskCmd = &cobra.Command{
	Use:   "update-task <sprint> <task>",
	Short: "Change the fields of a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := taskChanges(cmd)
		if changes == (sprint.TaskChanges{}) {
			return fmt.Errorf("nothing to change; set at least one of --description, --us-id, --us-title, --estimate")
		}
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.UpdateTask(ctx, args[0], args[1], changes)
			if err != nil {
				return err
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

var sprintRemoveTaskCmd = &cobra.Command{
	Use:   "remove-task <sprint> <task>",
	Short: "Remove a task from a sprint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.RemoveTask(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

var sprintReplanCmd = &cobra.Command{
	Use:   "replan <sprint> <instruction>...",
	Short: "Ask the analyst to rewrite the tasks of a sprint",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			s, err := r.Replan(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printSprint(cmd.OutOrStdout(), s)
		})
	},
}

var sprintPublishCmd = &cobra.Command{
	Use:   "publish <sprint>",
	Short: "Create one ticket per task of a sprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReconciler(func(ctx context.Context, r *sprint.Reconciler) error {
			result, err := r.Publish(ctx, args[0])
			if err != nil {
				return err
			}
			printPublishResult(cmd.OutOrStdout(), result)
			if len(result.Created) == 0 && len(result.Errors) > 0 {
				return fmt.Errorf("no tickets were created")
			}
			return nil
		})
	},
}

// taskChanges collects the task flags that were set on the command line
func taskChanges(cmd *cobra.Command) sprint.TaskChanges {
	var changes sprint.TaskChanges
	if cmd.Flags().Changed("description") {
		changes.Description = &taskFlags.description
	}
	if cmd.Flags().Changed("us-id") {
		changes.StoryID = &taskFlags.storyID
	}
	if cmd.Flags().Changed("us-title") {
		changes.StoryTitle = &taskFlags.storyTitle
	}
	if cmd.Flags().Changed("estimate") {
		changes.Estimate = &taskFlags.estimate
	}
	return changes
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&taskFlags.description, "description", "", "What the task is")
	cmd.Flags().StringVar(&taskFlags.storyID, "us-id", "", "Id of the user story the task belongs to")
	cmd.Flags().StringVar(&taskFlags.storyTitle, "us-title", "", "Title of the user story the task belongs to")
	cmd.Flags().IntVar(&taskFlags.estimate, "estimate", 1, "Estimate in story points")
}

func printSprintList(w io.Writer, sprints []sprint.Sprint) error {
	if len(sprints) == 0 {
		_, err := fmt.Fprintln(w, "No sprints yet. Create one with 'storysmith sprint new'.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTASKS\tPOINTS\tCREATED")
	for _, s := range sprints {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", shortID(s.ID), s.Name, len(s.Tasks), s.Points(), s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func printSprint(w io.Writer, s sprint.Sprint) error {
	fmt.Fprintf(w, "%s (%s), %d task(s), %d point(s)\n", s.Name, s.ID, len(s.Tasks), s.Points())
	if len(s.Tasks) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTORY\tESTIMATE\tDESCRIPTION")
	for _, t := range s.Tasks {
		story := t.StoryID
		if t.StoryTitle != "" {
			story = strings.TrimSpace(story + " " + t.StoryTitle)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, story, t.Estimate, t.Description)
	}
	return tw.Flush()
}

func printPublishResult(w io.Writer, result sprint.PublishResult) {
	fmt.Fprintf(w, "Created %d ticket(s)\n", len(result.Created))
	for _, id := range result.Created {
		fmt.Fprintf(w, "  %s\n", id)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "%d task(s) could not be published:\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// shortID abbreviates a uuid to a prefix that Get still accepts
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	addTaskFlags(sprintAddTaskCmd)
	_ = sprintAddTaskCmd.MarkFlagRequired("description")
	addTaskFlags(sprintUpdateTaskCmd)
	sprintShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print the sprint in the saved plan format")
	sprintGenerateCmd.Flags().StringVar(&storiesFrom, "from", "", `File holding the user stories, or "-" for standard input`)
	_ = sprintGenerateCmd.MarkFlagRequired("from")

	sprintCmd.AddCommand(
		sprintListCmd,
		sprintNewCmd,
		sprintGenerateCmd,
		sprintShowCmd,
		sprintDeleteCmd,
		sprintAddTaskCmd,
		sprintUpdateTaskCmd,
		sprintRemoveTaskCmd,
		sprintReplanCmd,
		sprintPublishCmd,
	)
	rootCmd.AddCommand(sprintCmd)
}
