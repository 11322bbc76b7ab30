package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/chat"
	"github.com/carelink/carelink/internal/domain/messaging"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/realtime"
	"github.com/carelink/carelink/internal/platform/rest"
	"github.com/carelink/carelink/internal/platform/sandbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carelink",
		Short: "CareLink patient communication client",
	}

	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(openCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// stack is the wired client: credentials, REST transport, thread store, and
// the duplex channel.
type stack struct {
	cfg   *config.Config
	log   zerolog.Logger
	creds *auth.Credentials
	rest  *rest.Client
	store *messaging.Store
	rt    *realtime.Client
}

func buildStack() (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	token := cfg.AuthToken
	if token == "" && cfg.IsDev() {
		token = cfg.SandboxAuthToken
	}
	creds := auth.NewCredentials(token, func(reason string) {
		logger.Error().Str("reason", reason).Msg("session invalid, please sign in again")
	})

	restClient := rest.NewClient(cfg.APIBaseURL, creds,
		rest.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		rest.WithLogger(logger))

	identity, err := sessionIdentity(cfg, creds)
	if err != nil {
		return nil, err
	}

	store := messaging.NewStore(
		messaging.NewAPI(restClient),
		identity,
		messaging.WithStoreLogger(logger),
		messaging.WithPageSize(cfg.MessagePageSize))

	rt := realtime.NewClient(cfg.WSURL, creds,
		realtime.WithBackoff(500*time.Millisecond, cfg.WSMaxBackoff()),
		realtime.WithLogger(logger))
	store.AttachChannel(rt)

	return &stack{cfg: cfg, log: logger, creds: creds, rest: restClient, store: store, rt: rt}, nil
}

// sessionIdentity resolves who the store projects threads for. Gateway
// tokens carry the subject and role claims; the sandbox token is opaque, so
// dev falls back to the seeded patient.
func sessionIdentity(cfg *config.Config, creds *auth.Credentials) (messaging.Identity, error) {
	if sub, ok := creds.Subject(); ok {
		role := messaging.RolePatient
		if r, ok := creds.Claim("role"); ok {
			role = messaging.Role(r)
		}
		return messaging.Identity{UserID: sub, Role: role}, nil
	}
	if cfg.IsDev() {
		return messaging.Identity{UserID: sandbox.PatientID, Role: messaging.RolePatient}, nil
	}
	return messaging.Identity{}, errors.New("auth token carries no subject claim")
}

func sandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Run the local sandbox gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			srv := sandbox.New(
				sandbox.WithToken(cfg.SandboxAuthToken),
				sandbox.WithLogger(logger))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(":" + cfg.SandboxPort); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the care assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")

			st, err := buildStack()
			if err != nil {
				return err
			}
			session := chat.NewSession(st.rest,
				chat.WithIdleLimit(st.cfg.StreamIdleTimeout()),
				chat.WithSessionLogger(st.log),
				chat.WithCrisisHandler(func(conversationID string) {
					fmt.Println()
					fmt.Println("  If you are in crisis, call or text 988 (Suicide & Crisis Lifeline).")
					fmt.Println("  Your care team has been notified.")
					fmt.Println()
				}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if message != "" {
				return runTurn(ctx, session, message)
			}

			// Interactive loop: one line per turn, empty line or EOF ends it.
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("you> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					return nil
				}
				if err := runTurn(ctx, session, line); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().String("message", "", "Send a single message instead of starting an interactive session")
	return cmd
}

func runTurn(ctx context.Context, session *chat.Session, message string) error {
	turn, err := session.Send(ctx, message, nil)
	if err != nil {
		return err
	}
	if turn.Status == chat.TurnFailed {
		fmt.Printf("assistant (failed): %s\n", turn.ErrorMessage)
		return nil
	}
	for _, tc := range turn.ToolCalls {
		fmt.Printf("  [%s: %s]\n", tc.Name, tc.ResultPreview)
	}
	fmt.Printf("assistant> %s\n", turn.Content)
	return nil
}

func threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List message threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			search, _ := cmd.Flags().GetString("search")

			st, err := buildStack()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := st.store.LoadThreads(ctx, search, false); err != nil {
				return err
			}
			fmt.Printf("%-16s %-22s %-7s %s\n", "THREAD", "WITH", "UNREAD", "LAST MESSAGE")
			for _, t := range st.store.Threads() {
				name := t.CounterpartName
				if name == "" {
					name = t.CounterpartID
				}
				preview := t.LastMessagePreview
				if !t.CanSendMessage {
					preview = "(pending approval)"
				}
				fmt.Printf("%-16s %-22s %-7d %s\n", t.ID, name, t.UnreadCount, preview)
			}
			return nil
		},
	}
	cmd.Flags().String("search", "", "Filter threads by counterpart name")
	return cmd
}

func openCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <thread-id>",
		Short: "Open a thread: print its history and stream new messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := args[0]

			st, err := buildStack()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := st.rt.Start(ctx); err != nil {
				return err
			}
			defer st.rt.Close()

			if err := st.store.LoadThread(ctx, threadID, false); err != nil {
				return err
			}
			for _, m := range st.store.Messages() {
				printMessage(&m)
			}
			if err := st.store.MarkVisible(ctx); err != nil {
				st.log.Warn().Err(err).Msg("read receipt failed; will retry on next open")
			}

			// Poll the store for new messages; the realtime channel reconciles
			// them in the background.
			seen := len(st.store.Messages())
			ticker := time.NewTicker(300 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					st.store.ClearCurrentThread()
					return nil
				case <-ticker.C:
					msgs := st.store.Messages()
					if seen > len(msgs) {
						seen = len(msgs)
					}
					for _, m := range msgs[seen:] {
						printMessage(&m)
					}
					seen = len(msgs)
				}
			}
		},
	}
	return cmd
}

func printMessage(m *messaging.Message) {
	who := "them"
	if m.SenderRole == messaging.RolePatient {
		who = "you"
	}
	body := ""
	if m.Content != nil {
		body = *m.Content
	}
	for _, a := range m.Attachments {
		body += " [" + a.FileName + "]"
	}
	fmt.Printf("%s %-4s %s\n", m.CreatedAt.Format("15:04"), who, strings.TrimSpace(body))
}
