package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"feecall/internal/answer"
	"feecall/internal/app"
	"feecall/internal/config"
	"feecall/internal/db"
	"feecall/internal/domain"
	"feecall/internal/repo"
	"feecall/internal/server"
	"feecall/internal/telephony"
	feecallsdk "feecall/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "feecall",
	Short: "Outstanding fee reminder calls",
	Long: `feecall places reminder calls to everyone with an outstanding balance,
answers their questions with a text generation service and hands the call to a
mentor when it cannot help.
- Workspace: a directory holding feecall.yml and the .feecall database.
- Contacts: the directory of people and what they owe (import from YAML).
- Mentors: staff that escalated calls are transferred to.
- Reminders: one record per call with its transcript and outcome.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load()
	viper.SetEnvPrefix("FEECALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("server", "http://127.0.0.1:8080", "feecall server URL for remote commands")
	flags.String("api-key", "", "operator API key for remote commands")
	for _, name := range []string{"workspace", "json", "log-level", "log-format", "server", "api-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(contactsCmd())
	rootCmd.AddCommand(mentorsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("log-level")))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level: %w", err)
	}
	var logger zerolog.Logger
	switch viper.GetString("log-format") {
	case "json":
		logger = zerolog.New(os.Stderr)
	case "console", "":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	default:
		return zerolog.Nop(), fmt.Errorf("invalid --log-format %q", viper.GetString("log-format"))
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator API, provider webhooks and dispatch worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			sid := viper.GetString("twilio-account-sid")
			token := viper.GetString("twilio-auth-token")
			from := viper.GetString("twilio-caller-number")
			if sid == "" || token == "" || from == "" {
				return fmt.Errorf("FEECALL_TWILIO_ACCOUNT_SID, FEECALL_TWILIO_AUTH_TOKEN and FEECALL_TWILIO_CALLER_NUMBER are required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Bootstrap(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Logger:    log,
				Provider:  telephony.NewTwilioProvider(sid, token, from),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			e := a.Engine
			cfg := e.Config()
			// model and base url are read once; a reload only changes prompts and limits
			e.Completer = answer.NewChatClient(answer.ChatOptions{
				APIKey:      viper.GetString("answer-api-key"),
				BaseURL:     cfg.Answer.BaseURL,
				Model:       cfg.Answer.Model,
				Temperature: cfg.Answer.Temperature,
			})
			e.Start(ctx)

			if err := config.Watch(ctx, a.ConfigPath(),
				func(c *config.Config) {
					e.SetConfig(c)
					log.Info().Str("path", a.ConfigPath()).Msg("config reloaded")
				},
				func(err error) {
					log.Warn().Err(err).Msg("config change ignored")
				}); err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}

			relay := server.NewRelay(e.Repo, func() []config.WebhookConfig {
				return e.Config().Notifications.Webhooks
			}, log)
			go relay.Run(ctx)

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				log.Warn().Msg("FEECALL_JWT_SECRET not set; only API keys are accepted")
			}
			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{
				Engine:     e,
				BasePath:   basePath,
				Auth:       authCfg,
				Logger:     log,
				Signatures: telephony.NewSignatureValidator(token),
			})
			if err != nil {
				return err
			}
			addr := viper.GetString("addr")
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Str("db", db.Path(a.Workspace)).Str("public_base_url", cfg.Telephony.PublicBaseURL).
				Msg("serving feecall (OpenAPI at " + basePath + "/openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-e.Queue.Done()
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().String("twilio-account-sid", "", "Twilio account SID")
	cmd.Flags().String("twilio-auth-token", "", "Twilio auth token")
	cmd.Flags().String("twilio-caller-number", "", "number calls are placed from")
	cmd.Flags().String("answer-api-key", "", "API key for the answer service")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "twilio-account-sid", "twilio-auth-token", "twilio-caller-number", "answer-api-key"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func dispatchCmd() *cobra.Command {
	var contactID string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Queue a reminder call for every contact with an outstanding balance",
		Long:  "Asks the running server to start a bulk run, or with --contact to call one contact. Calls are placed one at a time, spaced by dispatch.spacing; the command returns once they are queued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdkClient()
			var (
				res feecallsdk.DispatchResult
				err error
			)
			if contactID != "" {
				res, err = client.DispatchContact(cmd.Context(), contactID)
			} else {
				res, err = client.Dispatch(cmd.Context())
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("Batch %s: %d calls queued, %d skipped\n", res.BatchID, res.Queued, len(res.Skipped))
			if len(res.Skipped) > 0 {
				tw := newTable()
				tw.AppendHeader(table.Row{"Contact", "Skipped because"})
				for _, s := range res.Skipped {
					tw.AppendRow(table.Row{s.ContactID, s.Reason})
				}
				tw.Render()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contactID, "contact", "", "call only this contact")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and reminder status of the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sdkClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Queue: %d pending, %d processed, %d failed (running: %t)\n", st.Queue.Pending, st.Queue.Processed, st.Queue.Failed, st.Queue.Running)
			tw := newTable()
			tw.AppendHeader(table.Row{"State", "Reminders"})
			for _, s := range domain.ActiveStates {
				tw.AppendRow(table.Row{s, st.Reminders[string(s)]})
			}
			for _, s := range []domain.State{domain.StateCompleted, domain.StateEscalated, domain.StateRejected, domain.StateFailed, domain.StateNoResponse} {
				tw.AppendRow(table.Row{s, st.Reminders[string(s)]})
			}
			tw.Render()
			return nil
		},
	}
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reminders", Short: "Inspect reminder calls"}
	cmd.AddCommand(remindersListCmd())
	cmd.AddCommand(remindersShowCmd())
	return cmd
}

func remindersListCmd() *cobra.Command {
	var f repo.ReminderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reminders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListReminders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Contact", "Due", "State", "Outcome", "Questions", "Created"})
				for _, r := range items {
					outcome := string(r.Outcome)
					if r.Escalation != "" {
						outcome += " (" + r.Escalation + ")"
					}
					tw.AppendRow(table.Row{r.ID, r.ContactName, r.AmountDue.String(), r.State, outcome, r.Questions, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ContactID, "contact", "", "contact id filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter")
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "bulk run filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func remindersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a reminder with its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetReminder(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Reminder %s for %s (%s), due %s\n", r.ID, r.ContactName, r.Phone, r.AmountDue.String())
				fmt.Printf("State: %s  Outcome: %s  Questions: %d\n", r.State, r.Outcome, r.Questions)
				if r.ProviderCallID != nil {
					fmt.Printf("Call: %s\n", *r.ProviderCallID)
				}
				if r.MentorID != nil {
					fmt.Printf("Mentor: %s\n", *r.MentorID)
				}
				if r.FailureReason != "" {
					fmt.Printf("Failure: %s\n", r.FailureReason)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Speaker", "Text"})
				for _, t := range r.Transcript {
					tw.AppendRow(table.Row{t.Seq, t.Speaker, t.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func contactsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contacts", Short: "Manage the contact directory"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yml>",
		Short: "Upsert contacts from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contacts, err := readContacts(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ImportContacts(ctx, contacts)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d contacts\n", n)
				return nil
			})
		},
	})
	var owing bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lookup := a.Engine.ListContacts
				if owing {
					lookup = a.Engine.ListOwingContacts
				}
				items, err := lookup(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Phone", "Department", "Due"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Phone, c.Department, c.AmountDue.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&owing, "owing", false, "only contacts with an outstanding balance")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a contact and the reminders placed to them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetContact(ctx, args[0])
				if err != nil {
					return err
				}
				reminders, err := a.Engine.ListContactReminders(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"contact": c, "reminders": reminders})
				}
				fmt.Printf("%s (%s) %s, due %s\n", c.Name, c.ID, c.Phone, c.AmountDue.String())
				tw := newTable()
				tw.AppendHeader(table.Row{"Reminder", "State", "Outcome", "Created"})
				for _, r := range reminders {
					tw.AppendRow(table.Row{r.ID, r.State, r.Outcome, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func mentorsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mentors", Short: "Manage mentors for escalated calls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yml>",
		Short: "Upsert mentors from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mentors, err := readMentors(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ImportMentors(ctx, mentors)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d mentors\n", n)
				return nil
			})
		},
	})
	var availableOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List mentors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMentors(ctx, availableOnly)
				if err != nil {
					return err
				}
				return printMentors(items...)
			})
		},
	}
	list.Flags().BoolVar(&availableOnly, "available", false, "only available mentors")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "availability <id> <on|off>",
		Short: "Set whether a mentor takes escalated calls",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var available bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "yes":
				available = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("availability must be on or off")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.SetMentorAvailability(ctx, args[0], available)
				if err != nil {
					return err
				}
				return printMentors(m)
			})
		},
	})
	return cmd
}

func printMentors(items ...domain.Mentor) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Phone", "Department", "Available"})
	for _, m := range items {
		tw.AppendRow(table.Row{m.ID, m.Name, m.Phone, m.Department, m.Available})
	}
	tw.Render()
	return nil
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	var operator, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, operator, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "operator_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&operator, "operator", "", "operator id the key acts as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("operator")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Operator", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage feecall.yml",
		Long:  "feecall.yml holds call pacing, the answer service, phrases and the lines spoken to callers. A running server reloads it on change.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default feecall.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate feecall.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sdkClient() *feecallsdk.Client {
	c := feecallsdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	return c
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
