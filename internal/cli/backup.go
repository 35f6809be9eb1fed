package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/judgesync/internal/backup"
)

// PasswordEnv supplies the backup password when --password is not given.
const PasswordEnv = "JUDGESYNC_BACKUP_PASSWORD"

func backupPassword(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(PasswordEnv)
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var (
		output   string
		password string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup archive of the local queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				res, err := backup.NewService(a.engine).Export(cmd.Context(), &backup.ExportConfig{
					OutputPath: output,
					Password:   backupPassword(password),
				})
				if err != nil {
					return err
				}
				enc := "unencrypted"
				if res.Encrypted {
					enc = "encrypted"
				}
				return out.Success(res, fmt.Sprintf("Exported %d action(s) to %s (%s, %d bytes)",
					res.ActionCount, res.FilePath, enc, res.SizeBytes))
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (defaults to backups/judgesync_<time>.tar.gz)")
	cmd.Flags().StringVar(&password, "password", "", "encrypt with this password (or set "+PasswordEnv+")")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Restore a backup archive into the local queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app, out *OutputFormatter) error {
				res, err := backup.NewService(a.engine).Import(cmd.Context(), &backup.ImportConfig{
					ArchivePath: args[0],
					Password:    backupPassword(password),
				})
				if err != nil {
					return err
				}
				return out.Success(res, fmt.Sprintf("Imported: %d inserted, %d updated, %d skipped, %d conflict(s) restored",
					res.Inserted, res.Updated, res.Skipped, res.ConflictsRestored))
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "archive password (or set "+PasswordEnv+")")
	return cmd
}
