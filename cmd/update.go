package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/internal/updater"
	"github.com/spf13/cobra"
)

// updateRepository is the GitHub repo releases are pulled from.
const updateRepository = "smazurov/encnode"

// CreateUpdateCmd creates the update command.
func CreateUpdateCmd() *cobra.Command {
	var checkOnly bool
	var devBuild bool
	var rollback bool
	var prerelease bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update encnode to the latest release",
		Long: `Checks GitHub releases for a newer version and replaces the running ` +
			`binary in place. The previous binary is kept as a backup and can be ` +
			`restored with --rollback.`,
		Run: func(_ *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "info", Format: "text"})

			svc, err := updater.NewService(&updater.Options{
				Repository: updateRepository,
				Prerelease: prerelease,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if !svc.IsEnabled() {
				fmt.Fprintf(os.Stderr, "updates are disabled: %s\n", svc.DisabledReason())
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch {
			case rollback:
				status := svc.GetStatus(ctx)
				if err := svc.Rollback(ctx); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Printf("Rolled back to %s\n", status.BackupVersion)

			case devBuild:
				if err := svc.ApplyDevBuild(ctx); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Println("Dev build applied, restart to run it")

			case checkOnly:
				info, err := svc.CheckForUpdate(ctx)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Printf("Current version: %s\n", info.CurrentVersion)
				fmt.Printf("Latest version:  %s\n", info.LatestVersion)
				if info.UpdateAvailable {
					fmt.Printf("Update available: %s\n", info.ReleaseURL)
				} else {
					fmt.Println("Already up to date")
				}

			default:
				info, err := svc.CheckForUpdate(ctx)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				if !info.UpdateAvailable {
					fmt.Println("Already up to date")
					return
				}
				fmt.Printf("Updating %s -> %s\n", info.CurrentVersion, info.LatestVersion)
				if err := svc.ApplyUpdate(ctx); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				fmt.Println("Update applied, restart to run the new version")
			}
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only check whether an update is available")
	cmd.Flags().BoolVar(&devBuild, "dev", false, "Apply the rolling dev build")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Restore the previous binary from backup")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "Include prereleases when checking")

	return cmd
}
