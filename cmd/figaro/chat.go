package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/session"
	"github.com/go-go-golems/figaro/pkg/streaming"
)

type ChatSettings struct {
	Server         string
	APIToken       string
	Model          string
	ConversationID string
	SaveFile       string
	TurnTimeout    time.Duration
	Verbose        bool
}

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive document chat",
		Long: `Starts an interactive chat session against a figaro backend.

Plain input is sent as a new message. Slash commands operate on the
conversation tree:

  /regen          regenerate the last answer
  /retry          retry after a failed or cancelled turn
  /edit <text>    send an edited version of your last message
  /alt            list the alternatives of the last answer
  /alt <n>        switch to alternative n
  /show           print the active conversation path
  /save <file>    save the conversation tree to a file
  /quit           exit

Ctrl-C cancels the in-flight turn; pressing it again while idle exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &ChatSettings{
				Server:         viper.GetString("server"),
				APIToken:       viper.GetString("api-token"),
				Model:          viper.GetString("model"),
				ConversationID: viper.GetString("conversation-id"),
				SaveFile:       viper.GetString("save"),
				TurnTimeout:    viper.GetDuration("turn-timeout"),
				Verbose:        viper.GetBool("verbose"),
			}
			if s.Server == "" {
				return errors.New("no server configured (--server or FIGARO_SERVER)")
			}
			return runChat(cmd.Context(), s)
		},
	}

	cmd.Flags().String("server", "", "Streaming endpoint of the chat backend")
	cmd.Flags().String("api-token", "", "Bearer token for the backend")
	cmd.Flags().String("model", "", "Model hint sent with each turn")
	cmd.Flags().String("conversation-id", "", "Resume an existing conversation id")
	cmd.Flags().String("save", "", "Save the conversation tree to this file on exit")
	cmd.Flags().Duration("turn-timeout", 0, "Per-turn timeout (0 disables)")
	cmd.Flags().Bool("verbose", false, "Verbose event router logging")

	for _, flag := range []string{"server", "api-token", "model", "conversation-id", "save", "turn-timeout", "verbose"} {
		_ = viper.BindPFlag(flag, cmd.Flags().Lookup(flag))
	}

	return cmd
}

func runChat(ctx context.Context, s *ChatSettings) error {
	conversationID := s.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	client := streaming.NewClient(s.Server, streaming.WithAPIToken(s.APIToken))
	sess := session.NewSession(conversationID, client, session.WithModel(s.Model))

	routerOptions := []events.EventRouterOption{}
	if s.Verbose {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	sess.PublisherManager().SubscribePublisher("chat", router.Publisher)
	router.AddHandler("chat-printer", "chat", events.StepPrinterFunc("", os.Stdout))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First Ctrl-C cancels the in-flight turn, Ctrl-C while idle exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-sigCh:
				if err := sess.CancelActive(); err != nil {
					cancel()
					return
				}
				fmt.Fprintln(os.Stderr, "\n[cancelled]")
			case <-ctx.Done():
				return
			}
		}
	}()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return repl(ctx, s, sess)
	})

	err = eg.Wait()

	if s.SaveFile != "" {
		if saveErr := sess.Manager.SaveToFile(s.SaveFile); saveErr != nil {
			log.Error().Err(saveErr).Str("file", s.SaveFile).Msg("failed to save conversation")
		} else {
			log.Info().Str("file", s.SaveFile).Msg("conversation saved")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func repl(ctx context.Context, s *ChatSettings, sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("figaro chat (conversation %s)\n", sess.ConversationID)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runSlashCommand(ctx, s, sess, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		runTurn(ctx, s, func(turnCtx context.Context) (*session.TurnHandle, error) {
			return sess.SendMessage(turnCtx, line)
		})
	}
}

func runSlashCommand(ctx context.Context, s *ChatSettings, sess *session.Session, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/regen":
		id, ok := lastMessageID(sess, conversation.RoleAssistant)
		if !ok {
			return false, errors.New("nothing to regenerate yet")
		}
		runTurn(ctx, s, func(turnCtx context.Context) (*session.TurnHandle, error) {
			return sess.Regenerate(turnCtx, id)
		})

	case "/retry":
		runTurn(ctx, s, func(turnCtx context.Context) (*session.TurnHandle, error) {
			return sess.Retry(turnCtx)
		})

	case "/edit":
		if rest == "" {
			return false, errors.New("usage: /edit <new text>")
		}
		id, ok := lastMessageID(sess, conversation.RoleUser)
		if !ok {
			return false, errors.New("no message to edit yet")
		}
		runTurn(ctx, s, func(turnCtx context.Context) (*session.TurnHandle, error) {
			return sess.EditMessage(turnCtx, id, rest)
		})

	case "/alt":
		id, ok := lastMessageID(sess, conversation.RoleAssistant)
		if !ok {
			return false, errors.New("no answer to switch alternatives on")
		}
		msg, _ := sess.Manager.GetMessage(id)
		siblings := sess.Manager.Siblings(msg.ParentID, msg.EditGroupID)

		if rest == "" {
			for i, siblingID := range siblings {
				sibling, _ := sess.Manager.GetMessage(siblingID)
				marker := " "
				if siblingID == id {
					marker = "*"
				}
				fmt.Printf("%s %d: [%s] %s\n", marker, i+1, sibling.Status, preview(sibling.Content))
			}
			return false, nil
		}

		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > len(siblings) {
			return false, errors.Errorf("pick an alternative between 1 and %d", len(siblings))
		}
		if err := sess.Manager.SetActiveAlternative(msg.ParentID, msg.EditGroupID, siblings[n-1]); err != nil {
			return false, err
		}
		selected, _ := sess.Manager.GetMessage(siblings[n-1])
		fmt.Println(selected.Content)

	case "/show":
		for _, msg := range sess.Manager.ActivePath() {
			fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		}

	case "/save":
		if rest == "" {
			return false, errors.New("usage: /save <file>")
		}
		if err := sess.Manager.SaveToFile(rest); err != nil {
			return false, err
		}
		fmt.Printf("saved to %s\n", rest)

	default:
		return false, errors.Errorf("unknown command %s", cmd)
	}

	return false, nil
}

// runTurn submits one turn and blocks until it reaches a terminal state, so
// the prompt reappears only after the answer (or its failure) is complete.
func runTurn(ctx context.Context, s *ChatSettings, start func(context.Context) (*session.TurnHandle, error)) {
	turnCtx := ctx
	var cancel context.CancelFunc
	if s.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, s.TurnTimeout)
		defer cancel()
	}

	handle, err := start(turnCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}

	if err := handle.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "turn failed: %v (use /retry)\n", err)
	}
}

func lastMessageID(sess *session.Session, role conversation.Role) (conversation.NodeID, bool) {
	path := sess.Manager.ActivePath()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == role {
			return path[i].ID, true
		}
	}
	return conversation.NullNode, false
}

func preview(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	if len(content) > 60 {
		return content[:60] + "…"
	}
	return content
}
