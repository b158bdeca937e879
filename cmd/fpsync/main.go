package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"fpsync/internal/app"
	"fpsync/internal/config"
	"fpsync/internal/fp"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an FPApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "List", "Get").
func newApp(ctx context.Context, operation string) (*app.FPApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewFPApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// printItems writes one line per item: a state column, the size and the name.
func printItems(items []*fp.Item) {
	if len(items) == 0 {
		fmt.Println("No items.")
		return
	}
	for _, it := range items {
		name := it.Filename
		if it.IsDirectory {
			name += "/"
		}
		fmt.Printf("%s %10d  %s\n", itemState(it), it.Size, name)
	}
}

// itemState renders a three-column indicator: D downloaded, F favorite,
// T tagged. Transfer errors replace the first column with E.
func itemState(it *fp.Item) string {
	s := []byte("   ")
	switch {
	case it.DownloadingError != "" || it.UploadingError != "":
		s[0] = 'E'
	case it.IsDownloading || it.IsUploading:
		s[0] = '~'
	case it.IsDownloaded && !it.IsDirectory:
		s[0] = 'D'
	}
	if it.FavoriteRank != nil {
		s[1] = 'F'
	}
	if len(it.TagData) > 0 {
		s[2] = 'T'
	}
	return string(s)
}

// confirm asks a yes/no question when stdin is a terminal. Non-interactive
// runs never confirm.
func confirm(question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Printf("%s [y/N] ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

var rootCmd = &cobra.Command{
	Use:          "fpsync",
	Short:        "File provider sync client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Log Level:  %s\n", cfg.LogLevel)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Remote:     %s\n", cfg.Remote.Type)
		if cfg.Remote.Type == "s3" {
			fmt.Printf("Bucket:     %s/%s\n", cfg.Remote.S3Bucket, cfg.Remote.S3Prefix)
		}
		fmt.Printf("Cache Dir:  %s\n", cfg.Cache.Dir)
		fmt.Printf("Page Size:  %d\n", cfg.Enumeration.EffectivePageSize())
		fmt.Printf("Transfers:  %d\n", cfg.Transfers.EffectiveMaxConcurrent())
		return nil
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add URL USER",
	Short: "Add an account and make it active",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")

		a, err := newApp(cmd.Context(), "AddAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.AddAccount(cmd.Context(), args[0], args[1], userID)
		if err != nil {
			return fmt.Errorf("adding account: %w", err)
		}

		fmt.Printf("Active account: %s\n", fp.AccountKey(args[1], args[0]))
		fmt.Printf("Cached %d item(s)\n", n)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListAccounts")
		if err != nil {
			return err
		}
		defer a.Close()

		accounts, err := a.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}

		if len(accounts) == 0 {
			fmt.Println("No accounts.")
			return nil
		}

		for _, acc := range accounts {
			active := ""
			if acc.Active {
				active = "  [active]"
			}
			fmt.Printf("%s  %s%s\n", acc.Account, acc.HomeServerURL(), active)
		}
		return nil
	},
}

var accountUseCmd = &cobra.Command{
	Use:   "use ACCOUNT",
	Short: "Switch the active account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "UseAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.UseAccount(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Active account: %s\n", args[0])
		return nil
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove ACCOUNT",
	Short: "Forget an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RemoveAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.RemoveAccount(cmd.Context(), args[0])
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "List")
		if err != nil {
			return err
		}
		defer a.Close()

		target := ""
		if len(args) > 0 {
			target = args[0]
		}

		items, err := a.List(cmd.Context(), target)
		if err != nil {
			return err
		}
		printItems(items)
		return nil
	},
}

// workingset command
var workingSetCmd = &cobra.Command{
	Use:   "workingset",
	Short: "List tagged and favorite items",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "WorkingSet")
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.WorkingSet(cmd.Context())
		if err != nil {
			return err
		}
		printItems(items)
		return nil
	},
}

// changes command
var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Show pending changes recorded by this run",
	RunE: func(cmd *cobra.Command, args []string) error {
		workingSet, _ := cmd.Flags().GetBool("working-set")

		a, err := newApp(cmd.Context(), "Changes")
		if err != nil {
			return err
		}
		defer a.Close()

		cs, err := a.Changes(cmd.Context(), workingSet)
		if err != nil {
			return err
		}

		for _, id := range cs.Deleted {
			fmt.Printf("- %s\n", id)
		}
		for _, it := range cs.Updated {
			fmt.Printf("~ %s  %s\n", it.Identifier, it.Filename)
		}
		fmt.Printf("Anchor: %s\n", cs.Anchor)
		return nil
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get PATH [DEST]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Get")
		if err != nil {
			return err
		}
		defer a.Close()

		dest := ""
		if len(args) > 1 {
			dest = args[1]
		}

		item, local, err := a.Get(cmd.Context(), args[0], dest)
		if err != nil {
			return err
		}

		if dest != "" {
			fmt.Printf("Saved %s (%d bytes) to %s\n", item.Filename, item.Size, dest)
		} else {
			fmt.Printf("Cached %s at %s\n", item.Filename, local)
		}
		return nil
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put FILE [DIR]",
	Short: "Upload a local file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp(cmd.Context(), "Put")
		if err != nil {
			return err
		}
		defer a.Close()

		parent := ""
		if len(args) > 1 {
			parent = args[1]
		}

		item, err := a.Put(cmd.Context(), args[0], parent, name)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (%s)\n", item.Filename, item.Identifier)
		return nil
	},
}

// push command
var pushCmd = &cobra.Command{
	Use:   "push PATH",
	Short: "Upload the locally modified cached copy of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Push")
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.Push(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (etag %s)\n", item.Filename, item.Etag)
		return nil
	},
}

// mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Mkdir")
		if err != nil {
			return err
		}
		defer a.Close()

		parent, name := path.Split(strings.TrimRight(args[0], "/"))
		if _, err := a.Mkdir(cmd.Context(), parent, name); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", args[0])
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Delete a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(fmt.Sprintf("Delete %s?", args[0])) {
			return fmt.Errorf("not deleting %s without confirmation (use --yes)", args[0])
		}

		a, err := newApp(cmd.Context(), "Remove")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// mv command
var mvCmd = &cobra.Command{
	Use:   "mv PATH DIR",
	Short: "Move an item into another folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp(cmd.Context(), "Move")
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.Move(cmd.Context(), args[0], args[1], name)
		if err != nil {
			return err
		}
		fmt.Printf("Moved to %s\n", path.Join("/", args[1], item.Filename))
		return nil
	},
}

// rename command
var renameCmd = &cobra.Command{
	Use:   "rename PATH NAME",
	Short: "Rename an item in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Rename")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Rename(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed to %s\n", args[1])
		return nil
	},
}

// fav command
var favCmd = &cobra.Command{
	Use:   "fav PATH",
	Short: "Mark or unmark an item as favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unfavorite, _ := cmd.Flags().GetBool("clear")
		r, _ := cmd.Flags().GetInt64("rank")

		var rank *int64
		if !unfavorite {
			rank = &r
		}

		a, err := newApp(cmd.Context(), "Favorite")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Favorite(cmd.Context(), args[0], rank); err != nil {
			return err
		}
		if unfavorite {
			fmt.Printf("Unfavorited %s\n", args[0])
		} else {
			fmt.Printf("Favorited %s\n", args[0])
		}
		return nil
	},
}

// tag command
var tagCmd = &cobra.Command{
	Use:   "tag PATH [DATA]",
	Short: "Set or clear tag data on an item",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Tag")
		if err != nil {
			return err
		}
		defer a.Close()

		var data []byte
		if len(args) > 1 {
			data = []byte(args[1])
		}

		if _, err := a.Tag(cmd.Context(), args[0], data); err != nil {
			return err
		}
		if len(data) == 0 {
			fmt.Printf("Cleared tag on %s\n", args[0])
		} else {
			fmt.Printf("Tagged %s\n", args[0])
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata store",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store location, schema state and active account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		schema := "ok"
		if !st.SchemaOK {
			schema = "out of date"
		}
		active := st.ActiveAccount
		if active == "" {
			active = "(none)"
		}
		fmt.Printf("Store:   %s\n", st.Path)
		fmt.Printf("Schema:  %s\n", schema)
		fmt.Printf("Account: %s\n", active)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a snapshot of the metadata store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupDatabase")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Store written to %s\n", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountAddCmd.Flags().String("user-id", "", "Server-side user id when it differs from the login name")
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountUseCmd)
	accountCmd.AddCommand(accountRemoveCmd)

	// db subcommands
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbBackupCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(workingSetCmd)
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().BoolP("working-set", "w", false, "Drain the working set view instead of the folder view")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringP("name", "n", "", "Name on the server (default: base name of FILE)")
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().BoolP("yes", "y", false, "Delete without asking")
	rootCmd.AddCommand(mvCmd)
	mvCmd.Flags().StringP("name", "n", "", "New name (default: keep the current name)")
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(favCmd)
	favCmd.Flags().Int64("rank", 0, "Favorite rank")
	favCmd.Flags().Bool("clear", false, "Remove the favorite flag")
	rootCmd.AddCommand(tagCmd)
}
