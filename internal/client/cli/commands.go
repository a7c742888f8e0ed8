package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/causalrepo/internal/client/iocli"
	"github.com/iudanet/causalrepo/internal/client/storage/boltdb"
	"github.com/iudanet/causalrepo/internal/models"
)

type rootOptions struct {
	server  string
	db      string
	timeout time.Duration
	verbose bool
}

// Execute разбирает args и выполняет команду causalctl
func Execute(ctx context.Context, stdio iocli.IO, version string, args []string) error {
	var c *Cli
	root := newRootCmd(stdio, version, &c)
	root.SetArgs(args)
	root.SetOut(stdio)
	root.SetErr(os.Stderr)

	err := root.ExecuteContext(ctx)
	if c != nil {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	}
	return err
}

// newRootCmd собирает дерево команд. *cli заполняется перед запуском
// подкоманды, чтобы --help и --version не открывали базу.
func newRootCmd(stdio iocli.IO, version string, cli **Cli) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "causalctl",
		Short:         "Client for the causal repo sync server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			store, err := boltdb.New(cmd.Context(), opts.db)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			c := New(stdio, store, logger, opts.server)
			c.timeout = opts.timeout
			*cli = c
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", "", "server URL (default: from login, "+DefaultServer+" for login)")
	flags.StringVar(&opts.db, "db", "causalctl.db", "path to local database")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of request commands")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	// run выполняет команду запрос-ответ с таймаутом
	run := func(fn func(ctx context.Context, c *Cli, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := (*cli).withTimeout(cmd.Context())
			defer cancel()
			return fn(ctx, *cli, args)
		}
	}
	// stream выполняет команду до отмены контекста (Ctrl+C)
	stream := func(fn func(ctx context.Context, c *Cli, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return fn(cmd.Context(), *cli, args)
		}
	}

	var loginToken string
	login := &cobra.Command{
		Use:   "login",
		Short: "Save the server URL and the device token",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *Cli, _ []string) error {
			return c.runLogin(ctx, loginToken)
		}),
	}
	login.Flags().StringVar(&loginToken, "token", "", "device token issued by 'causalrepo-server token' (prompted if empty)")

	var commitMessage string
	commit := &cobra.Command{
		Use:   "commit <branch>",
		Short: "Commit the current atoms of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *Cli, args []string) error {
			return c.runCommit(ctx, args[0], commitMessage)
		}),
	}
	commit.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")

	var stateJSON, logJSON, watchJSON bool
	state := &cobra.Command{
		Use:   "state <branch>",
		Short: "Print the bots of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *Cli, args []string) error {
			return c.runState(ctx, args[0], stateJSON)
		}),
	}
	state.Flags().BoolVar(&stateJSON, "json", false, "print JSON")

	log := &cobra.Command{
		Use:   "log <branch>",
		Short: "Print the commits of a branch, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *Cli, args []string) error {
			return c.runLog(ctx, args[0], logJSON)
		}),
	}
	log.Flags().BoolVar(&logJSON, "json", false, "print JSON")

	watch := &cobra.Command{
		Use:   "watch <branch>",
		Short: "Print the bots of a branch and every change until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: stream(func(ctx context.Context, c *Cli, args []string) error {
			return c.runWatch(ctx, args[0], watchJSON)
		}),
	}
	watch.Flags().BoolVar(&watchJSON, "json", false, "print one JSON document per change")

	var selector models.DeviceSelector
	sendEvent := &cobra.Command{
		Use:   "send-event <branch> <action>",
		Short: "Relay an action to the devices watching a branch",
		Long: "Relay an action to the devices watching a branch. The action is sent as JSON " +
			"when it parses as JSON and as a string otherwise. Without a selector the server " +
			"default is used.",
		Args: cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, c *Cli, args []string) error {
			return c.runSendEvent(ctx, args[0], args[1], selector)
		}),
	}
	sendEvent.Flags().StringVar(&selector.Username, "username", "", "select devices of the user")
	sendEvent.Flags().StringVar(&selector.DeviceID, "device", "", "select the device")
	sendEvent.Flags().StringVar(&selector.SessionID, "session", "", "select the session")

	root.AddCommand(
		login,
		&cobra.Command{
			Use:   "logout",
			Short: "Forget the saved session",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *Cli, _ []string) error {
				return c.runLogout(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the session, the server health and the local site",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *Cli, _ []string) error {
				return c.runStatus(ctx)
			}),
		},
		&cobra.Command{
			Use:   "token",
			Short: "Print the saved device token",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *Cli, _ []string) error {
				return c.runToken(ctx)
			}),
		},
		&cobra.Command{
			Use:   "branches",
			Short: "List stored and loaded branches",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *Cli, _ []string) error {
				return c.runBranches(ctx)
			}),
		},
		&cobra.Command{
			Use:   "info <branch>",
			Short: "Report whether a branch exists",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *Cli, args []string) error {
				return c.runInfo(ctx, args[0])
			}),
		},
		state,
		&cobra.Command{
			Use:   "set <branch> <bot> <tag> <value>",
			Short: "Set a tag of a bot, creating the bot if needed",
			Long: "Set a tag of a bot, creating the bot if needed. The value is parsed as JSON " +
				"and taken as a string otherwise; null or an empty string removes the tag.",
			Args: cobra.ExactArgs(4),
			RunE: run(func(ctx context.Context, c *Cli, args []string) error {
				return c.runSet(ctx, args[0], args[1], args[2], args[3])
			}),
		},
		&cobra.Command{
			Use:   "delete-bot <branch> <bot>",
			Short: "Delete a bot",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, c *Cli, args []string) error {
				return c.runDeleteBot(ctx, args[0], args[1])
			}),
		},
		commit,
		log,
		&cobra.Command{
			Use:   "checkout <branch> <commit>",
			Short: "Reset a branch to a commit, discarding uncommitted atoms",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, c *Cli, args []string) error {
				return c.runCheckout(ctx, args[0], args[1], false)
			}),
		},
		&cobra.Command{
			Use:   "restore <branch> <commit>",
			Short: "Create a new commit with the content of an older one",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(ctx context.Context, c *Cli, args []string) error {
				return c.runCheckout(ctx, args[0], args[1], true)
			}),
		},
		watch,
		&cobra.Command{
			Use:   "devices",
			Short: "Print devices watching branches and follow changes until interrupted",
			Args:  cobra.NoArgs,
			RunE: stream(func(ctx context.Context, c *Cli, _ []string) error {
				return c.runDevices(ctx)
			}),
		},
		sendEvent,
	)

	return root
}
