package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/audio"
	"github.com/cchalm/storysmith/internal/conversation"
	"github.com/cchalm/storysmith/internal/sprint"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Gather requirements interactively",
	Long: `Starts an interactive requirements conversation. The first message is the client request;
every later message is an instruction for refining the generated user stories. Type /help for
the available commands.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := setupContext()

	svc, err := createServices(ctx)
	if err != nil {
		return err
	}

	var recorder *audio.Handler
	var controllerRecorder conversation.Recorder
	if svc.transcriber != nil {
		recorder = audio.NewHandler(nil, svc.transcriber, cfg.MaxAudioBytes)
		controllerRecorder = recorder
	}

	controller := conversation.NewController(svc.analyst, svc.approver, controllerRecorder)
	session := newChatSession(controller, recorder, cmd.OutOrStdout())

	reconciler, closeStore, err := openReconciler(ctx, svc)
	if err != nil {
		zap.S().Warnf("Sprint planning is unavailable: %v", err)
	} else {
		defer closeStore()
		session.sprints = reconciler
	}
	return session.run(ctx, cmd.InOrStdin())
}

const chatHelp = `Commands:
  /approve         validate the latest user stories and publish them as tickets
  /new             discard this conversation and start over
  /record <file>   start recording from an audio file or device
  /stop            stop recording and send the audio
  /audio <file>    send a recorded webm file
  /status          show the state of the conversation
  /sprint [name]   plan a sprint from the last approved user stories
  /history         print the conversation as markdown
  /save <file>     write the conversation to a markdown file
  /help            show this help
  /quit            leave
Anything else is sent to the analyst.`

// chatSession is the console front end of a conversation controller
type chatSession struct {
	controller *conversation.Controller
	recorder   *audio.Handler // nil when audio is unavailable
	out        io.Writer

	sprints  *sprint.Reconciler // nil when sprint planning is unavailable
	approved string             // Requirements of the last successful approval

	shown    []conversation.Turn // History as of the last redraw
	noticed  bool                // Whether a notice was shown during the current command
	quitting bool
}

func newChatSession(controller *conversation.Controller, recorder *audio.Handler, out io.Writer) *chatSession {
	cs := &chatSession{
		controller: controller,
		recorder:   recorder,
		out:        out,
	}
	controller.OnChange(cs.show)
	return cs
}

// show prints the turns added since the last change. Typed user turns are not echoed
func (cs *chatSession) show(conv conversation.Conversation) {
	// Collaborators may rewrite the history, so only turns past the part both snapshots share are new
	common := 0
	for common < len(cs.shown) && common < len(conv.History) && cs.shown[common] == conv.History[common] {
		common++
	}
	for _, t := range conv.History[common:] {
		switch {
		case t.Origin == conversation.OriginNotice:
			cs.noticed = true
			fmt.Fprintf(cs.out, "\n! %s\n\n", t.Content)
		case t.Role == conversation.RoleUser && t.Origin == conversation.OriginVoice:
			fmt.Fprintf(cs.out, "(voice) %s\n", t.Content)
		case t.Role == conversation.RoleAssistant:
			fmt.Fprintf(cs.out, "\n%s\n\n", t.Content)
		}
	}
	cs.shown = append([]conversation.Turn(nil), conv.History...)
}

// run reads commands until the input ends, /quit is entered, or the context is cancelled
func (cs *chatSession) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(cs.out, "Describe what the client needs. Type /help for commands.")
	for !cs.quitting {
		fmt.Fprint(cs.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cs.handle(ctx, line)
		}
	}
	return nil
}

func (cs *chatSession) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	cs.noticed = false

	if !strings.HasPrefix(line, "/") {
		cs.report(cs.controller.SubmitText(ctx, line))
		return
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "approve":
		cs.approve(ctx)
	case "new":
		if err := cs.controller.Reset(); err != nil {
			cs.report(err)
			return
		}
		fmt.Fprintln(cs.out, "Started a new conversation.")
	case "record":
		cs.record(ctx, arg)
	case "stop":
		cs.report(cs.controller.StopRecording(ctx))
	case "audio":
		cs.sendAudio(ctx, arg)
	case "sprint":
		cs.planSprint(ctx, arg)
	case "status":
		cs.status()
	case "history":
		md, err := conversation.ToMarkdown(cs.controller.Snapshot(), time.Now())
		if err != nil {
			cs.report(err)
			return
		}
		fmt.Fprintln(cs.out, md)
	case "save":
		cs.save(arg)
	case "help":
		fmt.Fprintln(cs.out, chatHelp)
	case "quit", "exit":
		cs.quitting = true
	default:
		fmt.Fprintf(cs.out, "Unknown command /%s. Type /help for commands.\n", command)
	}
}

// report prints an error unless the controller already showed it as a notice
func (cs *chatSession) report(err error) {
	if err == nil || cs.noticed {
		return
	}
	fmt.Fprintf(cs.out, "Error: %v\n", err)
}

func (cs *chatSession) approve(ctx context.Context) {
	final, _ := cs.controller.Snapshot().LatestRequirements()
	outcome, err := cs.controller.Approve(ctx)
	if err != nil {
		cs.report(err)
		return
	}
	if outcome.Rejected() {
		// The diagnostic has been shown as a notice
		return
	}
	cs.approved = final
	fmt.Fprintf(cs.out, "Created %d ticket(s): %s\n", len(outcome.TicketIDs), strings.Join(outcome.TicketIDs, ", "))
	for _, e := range outcome.Errors {
		fmt.Fprintf(cs.out, "  not created: %s\n", e)
	}
	fmt.Fprintln(cs.out, "Started a new conversation.")
}

func (cs *chatSession) planSprint(ctx context.Context, name string) {
	if cs.sprints == nil {
		cs.report(errors.New("sprint planning is not available"))
		return
	}
	if cs.approved == "" {
		cs.report(errors.New("approve the user stories first"))
		return
	}
	s, err := cs.sprints.GenerateSprint(ctx, name, sprint.StoriesFromRequirements(cs.approved))
	if err != nil {
		cs.report(err)
		return
	}
	cs.report(printSprint(cs.out, s))
}

func (cs *chatSession) record(ctx context.Context, path string) {
	if cs.recorder == nil {
		cs.report(errors.New("audio input is not configured"))
		return
	}
	if path == "" {
		cs.report(errors.New("usage: /record <file>"))
		return
	}
	if err := cs.recorder.SetSource(audio.FileSource{Path: path}); err != nil {
		cs.report(err)
		return
	}
	if err := cs.recorder.Start(ctx); err != nil {
		cs.report(err)
		return
	}
	fmt.Fprintln(cs.out, "Recording. Type /stop to send.")
}

func (cs *chatSession) sendAudio(ctx context.Context, path string) {
	if path == "" {
		cs.report(errors.New("usage: /audio <file>"))
		return
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		cs.report(fmt.Errorf("failed to read recording: %w", err))
		return
	}
	cs.report(cs.controller.SubmitAudio(ctx, payload))
}

func (cs *chatSession) status() {
	conv := cs.controller.Snapshot()
	fmt.Fprintf(cs.out, "Status: %s, %d turn(s)", conv.Status, len(conv.History))
	if conv.Approvable() {
		fmt.Fprint(cs.out, ", ready to approve")
	}
	if cs.recorder != nil && cs.recorder.State() == audio.StateRecording {
		fmt.Fprint(cs.out, ", recording")
	}
	fmt.Fprintln(cs.out)
}

func (cs *chatSession) save(path string) {
	if path == "" {
		cs.report(errors.New("usage: /save <file>"))
		return
	}
	md, err := conversation.ToMarkdown(cs.controller.Snapshot(), time.Now())
	if err != nil {
		cs.report(err)
		return
	}
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		cs.report(fmt.Errorf("failed to save conversation: %w", err))
		return
	}
	fmt.Fprintf(cs.out, "Saved the conversation to %s\n", path)
}
