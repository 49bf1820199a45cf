// Command deskhand runs the vault orchestrator and its operator tooling.
// `deskhand run` starts the daemon; the remaining subcommands are the CLI
// equivalents of the file moves a human would make in the vault.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/config"
	"github.com/mhollis/deskhand/internal/daemon"
	"github.com/mhollis/deskhand/internal/snapshot"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
	"github.com/mhollis/deskhand/internal/tui"
)

var vaultFlag string

func main() {
	root := &cobra.Command{
		Use:           "deskhand",
		Short:         "File-mediated task orchestrator",
		Long:          "deskhand watches signal sources, works tasks through an agent loop,\nand parks anything side-effecting until a human approves it by moving\nthe task's document between vault directories.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&vaultFlag, "vault", "", "vault directory (default $DESKHAND_VAULT or cwd)")

	root.AddCommand(
		initCmd(),
		runCmd(),
		statusCmd(),
		boardCmd(),
		listCmd(),
		approveCmd(),
		rejectCmd(),
		continueCmd(),
	)

	if err := root.Execute(); err != nil {
		color.Red("deskhand: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.NewConfig(vaultFlag)
}

// openStore builds a store with audit wiring for one-shot commands.
func openStore(cfg *config.Config) (*store.Store, *audit.Log, error) {
	log, err := audit.New(cfg.LogsDir())
	if err != nil {
		return nil, nil, err
	}
	st := store.New(cfg.VaultDir, store.WithAuditLog(log))
	return st, log, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault directory structure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.InitVault(cfg.VaultDir); err != nil {
				return err
			}
			color.Green("initialized vault at %s", cfg.VaultDir)
			fmt.Println("edit", cfg.VaultConfigPath(), "to configure watchers and the agent command")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			color.Green("deskhand running in %s (ctrl-c to stop)", cfg.VaultDir)
			return d.Run(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Regenerate and print STATUS.md",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, log, err := openStore(cfg)
			if err != nil {
				return err
			}
			w := snapshot.NewWriter(st, log, cfg.VaultDir, cfg.SnapshotPath(), cfg.StateDir(), nil)
			if err := w.WriteSnapshot(); err != nil {
				return err
			}
			data, err := os.ReadFile(cfg.SnapshotPath())
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Open the interactive status board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			return tui.NewApp(st).Run()
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks across all lifecycle directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			for _, state := range task.States() {
				tasks, err := st.List(state)
				if err != nil {
					return err
				}
				dir, _ := state.Dir()
				color.New(color.Bold).Printf("%s (%d)\n", dir, len(tasks))
				for _, t := range tasks {
					line := fmt.Sprintf("  %-45s %s", t.ID, t.Title)
					switch {
					case t.Outcome == task.OutcomeFailed:
						color.Red("%s  [%s]", line, t.FailureReason)
					case t.Outcome != "":
						color.Green("%s  [%s]", line, t.Outcome)
					case t.Checkpoint != nil:
						color.Yellow("%s  [checkpoint at step %d]", line, t.Checkpoint.Step)
					default:
						fmt.Println(line)
					}
				}
			}
			return nil
		},
	}
}

// moveCmd factors the approve/reject pair: both are relocations a human
// could equally make in a file manager.
func moveCmd(use, short string, to task.State, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, log, err := openStore(cfg)
			if err != nil {
				return err
			}
			t, err := st.Load(args[0])
			if err != nil {
				return err
			}
			if t.State != task.StateAwaitingApproval {
				return fmt.Errorf("%s is in %v, not awaiting approval", t.ID, t.State)
			}
			if err := st.Transition(&t, to); err != nil {
				return err
			}
			log.Record(audit.ActorHuman, audit.EventTransition, t.ID, "", verb+" via cli")
			color.Green("%s %s", verb, t.ID)
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return moveCmd("approve", "Approve a pending action", task.StateApproved, "approved")
}

func rejectCmd() *cobra.Command {
	return moveCmd("reject", "Reject a pending action", task.StateDone, "rejected")
}

func continueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "continue <task-id>",
		Short: "Clear a checkpoint so the loop resumes the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, log, err := openStore(cfg)
			if err != nil {
				return err
			}
			t, err := st.Load(args[0])
			if err != nil {
				return err
			}
			if t.Checkpoint == nil {
				return fmt.Errorf("%s has no checkpoint to clear", t.ID)
			}
			t.Checkpoint = nil
			if err := st.Save(t); err != nil {
				return err
			}
			log.Record(audit.ActorHuman, audit.EventLoopCheckpoint, t.ID, "", "cleared via cli")
			color.Green("continuing %s", t.ID)
			return nil
		},
	}
}
