package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicememory/internal/app"
	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/session"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User id", Value: memory.DefaultUserID}
}

func limitFlag(def int) cli.Flag {
	return &cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum rows", Value: def}
}

func rememberCommand() *cli.Command {
	return &cli.Command{
		Name:      "remember",
		Usage:     "Classify and store one exchange",
		ArgsUsage: "<user text> [assistant text]",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id; a new one is minted when empty"},
			&cli.StringFlag{Name: "intent", Usage: "Intent type hint for the classifier"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("remember: user text is required")
			}
			userID := cmd.String("user")
			sessionID := strings.TrimSpace(cmd.String("session"))
			if sessionID == "" {
				sessionID = session.NewID(userID, "cli", time.Now())
			}
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				cls, err := res.Memory.ProcessConversation(ctx, memory.ConversationInput{
					SessionID:         sessionID,
					UserID:            userID,
					UserInput:         cmd.Args().Get(0),
					AssistantResponse: cmd.Args().Get(1),
					IntentType:        cmd.String("intent"),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, cls)
			})
		},
	}
}

func recallCommand() *cli.Command {
	return &cli.Command{
		Name:      "recall",
		Usage:     "Print the memory context for a query",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id for recent turns"},
			&cli.IntFlag{Name: "max", Usage: "Maximum results"},
			&cli.BoolFlag{Name: "json", Usage: "Print raw results"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			query := strings.Join(cmd.Args().Slice(), " ")
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				maxResults := cmd.Int("max")
				if maxResults <= 0 {
					maxResults = res.Config.MemoryMaxResults
				}
				results := res.Memory.RetrieveContext(ctx, memory.RetrieveOptions{
					Query:         query,
					SessionID:     cmd.String("session"),
					UserID:        cmd.String("user"),
					MaxResults:    maxResults,
					IncludeRecent: true,
					IncludeFacts:  true,
				})
				if cmd.Bool("json") {
					return printJSON(cmd, results)
				}
				out := res.Memory.FormatContextForPrompt(results, res.Config.MemoryContextChars)
				if out == "" {
					out = "(nothing remembered)"
				}
				_, err := fmt.Fprintln(cmd.Root().Writer, out)
				return err
			})
		},
	}
}

func factsCommand() *cli.Command {
	return &cli.Command{
		Name:  "facts",
		Usage: "List remembered facts",
		Flags: []cli.Flag{
			userFlag(),
			limitFlag(20),
			&cli.StringFlag{Name: "category", Usage: "PERSONAL, PREFERENCE, KNOWLEDGE, CONTEXT or OPINION"},
			&cli.Int64Flag{Name: "delete", Usage: "Soft-delete the fact with this id instead of listing"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var category memory.FactCategory
			if raw := cmd.String("category"); raw != "" {
				if !memory.ValidFactCategory(raw) {
					return fmt.Errorf("facts: unknown category %q", raw)
				}
				category = memory.ParseFactCategory(raw)
			}
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				if id := cmd.Int64("delete"); id > 0 {
					if err := res.Memory.DeleteFact(ctx, id); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.Root().Writer, "fact %d deleted\n", id)
					return err
				}
				facts, err := res.Memory.GetUserFacts(ctx, cmd.String("user"), category, cmd.Int("limit"))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCATEGORY\tIMPORTANCE\tCONTENT")
				for _, f := range facts {
					fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\n", f.ID, f.Category, f.Importance, f.Content)
				}
				return tw.Flush()
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recent conversation turns",
		Flags: []cli.Flag{
			userFlag(),
			limitFlag(10),
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Restrict to one session"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				turns, err := res.Memory.GetConversationHistory(ctx, cmd.String("user"), cmd.String("session"), cmd.Int("limit"))
				if err != nil {
					return err
				}
				w := cmd.Root().Writer
				for _, t := range turns {
					fmt.Fprintf(w, "[%s #%d %s]\n", t.SessionID, t.TurnNo, t.CreatedAt.Format("2006-01-02 15:04"))
					fmt.Fprintln(w, memory.TurnContent(t.UserInput, t.AssistantResponse))
				}
				return nil
			})
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List a user's sessions",
		Flags: []cli.Flag{userFlag(), limitFlag(20)},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				sessions, err := res.Memory.ListSessions(ctx, cmd.String("user"), cmd.Int("limit"))
				if err != nil {
					return err
				}
				return printJSON(cmd, sessions)
			})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print store counters",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User id; empty counts everyone"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				stats, err := res.Memory.GetStats(ctx, cmd.String("user"))
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Apply retention and purge old soft-deleted rows",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Soft-delete turns older than this; defaults to MEMORY_RETENTION_DAYS"},
			&cli.BoolFlag{Name: "keep-facts", Usage: "Keep turns that produced a fact", Value: true},
			&cli.IntFlag{Name: "purge-grace", Usage: "Blank rows soft-deleted more than this many days ago", Value: -1},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(res *app.BuildResult) error {
				days := res.Config.MemoryRetentionDays
				if cmd.IsSet("days") {
					days = cmd.Int("days")
				}
				deleted, err := res.Memory.CleanupOldSessions(ctx, days, cmd.Bool("keep-facts"))
				if err != nil {
					return err
				}
				var purged int64
				if grace := cmd.Int("purge-grace"); grace >= 0 {
					if purged, err = res.Memory.PurgeDeleted(ctx, grace); err != nil {
						return err
					}
				}
				return printJSON(cmd, map[string]int64{"deleted": deleted, "purged": purged})
			})
		},
	}
}
