// Command chat is a terminal client for the appointment agent: it signs
// requests with a pre-acquired identity token, keeps sessions in a local
// SQLite database, and talks to the agent over the polling transport.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/authbroker"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/connection"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/directline"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity/staticclient"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore/sqliterepo"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sso"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/transport/polling"
)

type options struct {
	gateway    string
	directLine string
	dataDir    string
	userID     string
	userName   string
	token      string
	verbose    bool
}

type app struct {
	opts    options
	broker  *authbroker.Broker
	store   *sessionstore.Store
	repo    *sqliterepo.Repo
	manager *connection.Manager
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Terminal client for the appointment agent",
		Long: `Interactive chat against the appointment agent. Sessions are kept in a
local database and resume where they left off; type a message and press
enter to send it, or /quit to leave.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.runInteractive(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.gateway, "gateway", "http://localhost:8080/api", "gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.directLine, "directline", "https://directline.botframework.com/v3/directline", "transport base URL")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "./data", "directory for the session database")
	cmd.PersistentFlags().StringVar(&opts.userID, "user", os.Getenv("CHAT_USER_ID"), "user id")
	cmd.PersistentFlags().StringVar(&opts.userName, "name", os.Getenv("CHAT_USER_NAME"), "display name")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CHAT_ACCESS_TOKEN"), "pre-acquired access token")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newSessionsCmd(&opts))
	return cmd
}

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List your active sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.store.ActiveSessions(cmd.Context(), a.opts.userID)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				cmd.Println("no active sessions")
				return nil
			}
			for _, s := range sessions {
				cmd.Printf("%s  %-24s  %s\n", s.SessionID, s.Title, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.store.Rename(cmd.Context(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session (it stays readable by id)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.store.Archive(cmd.Context(), args[0])
		},
	})

	return cmd
}

func newApp(opts options) (*app, error) {
	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	if opts.userID == "" {
		return nil, fmt.Errorf("--user (or CHAT_USER_ID) is required")
	}

	idClient := staticclient.New(opts.userID, opts.userName, opts.token, time.Now().Add(time.Hour))
	broker := authbroker.New(idClient, authbroker.WithLogger(logger.With().Str("component", "authbroker").Logger()))

	if err := os.MkdirAll(opts.dataDir, 0o755); err != nil {
		return nil, err
	}
	repo, err := sqliterepo.New(filepath.Join(opts.dataDir, "chat.db"))
	if err != nil {
		return nil, err
	}
	store := sessionstore.New(repo, sessionstore.WithLogger(logger.With().Str("component", "sessionstore").Logger()))

	gateway := directline.New(opts.gateway, directline.WithLogger(logger))
	provider := polling.New(opts.directLine, polling.WithLogger(logger))

	a := &app{opts: opts, broker: broker, store: store, repo: repo}

	interceptor := sso.New(broker, gateway,
		func() string { return a.manager.ConversationID() },
		func(act activity.Activity) { a.manager.Deliver(act) },
		sso.WithLogger(logger.With().Str("component", "sso").Logger()),
	)

	a.manager = connection.New(broker, gateway, store, provider,
		connection.WithLogger(logger.With().Str("component", "connection").Logger()),
		connection.WithInboundMiddleware(interceptor.Middleware()),
		connection.WithOnActivity(printActivity),
	)
	return a, nil
}

func (a *app) close() {
	a.manager.Disconnect()
	_ = a.repo.Close()
}

func (a *app) runInteractive(ctx context.Context) error {
	// Resume the most recent session when one exists.
	sessions, err := a.store.ActiveSessions(ctx, a.opts.userID)
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		current := sessions[0]
		fmt.Printf("resuming %q (%s)\n", current.Title, current.SessionID)
		if err := a.manager.Connect(ctx, current.SessionID); err != nil {
			if errs.Is(err, errs.ErrAuthRequired) {
				return fmt.Errorf("not signed in: supply a fresh token with --token")
			}
			return err
		}
	} else {
		fmt.Println("starting a new chat")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			if _, err := a.manager.StartSession(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "new session: %v\n", err)
			}
			continue
		case line == "/reconnect":
			if err := a.manager.Reconnect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "reconnect: %v\n", err)
			}
			continue
		}

		if err := a.manager.Send(ctx, line); err != nil {
			switch {
			case errs.Is(err, errs.ErrAuthRequired):
				fmt.Fprintln(os.Stderr, "not signed in: supply a fresh token with --token")
			case errs.Is(err, errs.ErrNotConnected):
				fmt.Fprintln(os.Stderr, "connection failed; try /reconnect")
			default:
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

func printActivity(act activity.Activity) {
	if act.Type != activity.TypeMessage || act.From.Role != activity.RoleBot {
		return
	}
	if act.Text != "" {
		fmt.Printf("\nagent: %s\n> ", act.Text)
	}
	if act.HasAttachment(activity.OAuthCardContentType) {
		fmt.Printf("\nagent requests sign-in; open the chat in a browser to authorize\n> ")
	}
}
