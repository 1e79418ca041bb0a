package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/app"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Save", "Sync").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// currentSession builds the caller's session from the global flags.
func currentSession(cmd *cobra.Command) model.Session {
	sessionID, _ := cmd.Flags().GetString("session")
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	return model.Session{ID: sessionID, User: user, Role: model.Role(role)}
}

// readPassphrase prompts for a passphrase without echoing it.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

var rootCmd = &cobra.Command{
	Use:   "teistore",
	Short: "Content-addressed document storage with locking and remote sync",
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

		peerID := uuid.New().String()
		cfg := config.NewConfig(peerID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Peer ID: %s\n", peerID)
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
		fmt.Printf("Peer ID:  %s\n", cfg.PeerID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Remote:   %s (%s)\n", cfg.Remote.Name, cfg.Remote.Type)
		return nil
	},
}

// init command

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the metadata database",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := app.InitDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database initialized.")
		return nil
	},
}

// keys command

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		enc := a.Encryptor()
		if enc == nil {
			return fmt.Errorf("encryption is disabled in the configuration")
		}
		if enc.IsConfigured() {
			return fmt.Errorf("encryption keys already exist")
		}

		pass, err := readPassphrase("Passphrase for the private key: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Encryption keys generated.")
		return nil
	},
}

// save command

var saveCmd = &cobra.Command{
	Use:   "save FILE",
	Short: "Save a file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stableID, _ := cmd.Flags().GetString("id")
		docID, _ := cmd.Flags().GetString("doc")
		fileType, _ := cmd.Flags().GetString("type")
		variant, _ := cmd.Flags().GetString("variant")
		collections, _ := cmd.Flags().GetStringSlice("collection")
		visibility, _ := cmd.Flags().GetString("visibility")
		newVersion, _ := cmd.Flags().GetBool("new-version")
		gold, _ := cmd.Flags().GetBool("gold")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		a, err := newApp(cmd, "Save")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Service().Save(cmd.Context(), currentSession(cmd), store.SaveRequest{
			StableID:    stableID,
			DocID:       docID,
			FileType:    model.FileType(fileType),
			Variant:     variant,
			Collections: collections,
			Visibility:  visibility,
			Content:     data,
			NewVersion:  newVersion,
			PromoteGold: gold,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s %s (version %d, %s)\n", result.Action, result.StableID, result.Version, result.ContentHash[:12])
		return nil
	},
}

// get command

var getCmd = &cobra.Command{
	Use:   "get STABLE_ID",
	Short: "Write a record's content to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd, "Get")
		if err != nil {
			return err
		}
		defer a.Close()

		w := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if _, err := a.Service().Get(cmd.Context(), currentSession(cmd), args[0], w); err != nil {
			return err
		}
		return nil
	},
}

// rm command

var rmCmd = &cobra.Command{
	Use:   "rm STABLE_ID...",
	Short: "Soft-delete records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().Delete(cmd.Context(), currentSession(cmd), args); err != nil {
			return err
		}
		fmt.Printf("Deleted %d record(s). Content is reclaimed by gc.\n", len(args))
		return nil
	},
}

// ls command

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List documents and their artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, _ := cmd.Flags().GetString("doc")
		collection, _ := cmd.Flags().GetString("collection")
		variant, _ := cmd.Flags().GetString("variant")

		a, err := newApp(cmd, "List")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.Service().ListDocuments(cmd.Context(), currentSession(cmd), store.RecordFilter{
			DocID:      docID,
			Collection: collection,
			Variant:    variant,
		})
		if err != nil {
			return err
		}

		if len(views) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, view := range views {
			fmt.Printf("%s\n", view.DocID)
			if view.Source != nil {
				printRecord(view.Source)
			}
			for i := range view.Artifacts {
				printRecord(&view.Artifacts[i])
			}
		}
		return nil
	},
}

func printRecord(rec *model.FileRecord) {
	gold := "      "
	if rec.Gold {
		gold = "[gold]"
	}
	fmt.Printf("  %s %s  %-8s  %-12s  v%-3d %s  %s\n",
		gold, rec.StableID, rec.FileType, rec.Variant, rec.Version,
		rec.SyncStatus, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
}

// lock command

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage edit leases",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire STABLE_ID",
	Short: "Acquire an edit lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockAcquire")
		if err != nil {
			return err
		}
		defer a.Close()

		lock, err := a.Service().Locks().Acquire(cmd.Context(), currentSession(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Lock on %s held until %s\n", lock.StableID, lock.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var lockHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat STABLE_ID",
	Short: "Renew an edit lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockHeartbeat")
		if err != nil {
			return err
		}
		defer a.Close()

		lock, err := a.Service().Locks().Heartbeat(cmd.Context(), currentSession(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Lock on %s extended until %s\n", lock.StableID, lock.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release STABLE_ID",
	Short: "Release an edit lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockRelease")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().Locks().Release(cmd.Context(), currentSession(cmd), args[0]); err != nil {
			return err
		}
		fmt.Printf("Lock on %s released\n", args[0])
		return nil
	},
}

var lockCheckCmd = &cobra.Command{
	Use:   "check STABLE_ID",
	Short: "Check whether a record is locked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockCheck")
		if err != nil {
			return err
		}
		defer a.Close()

		locked, sessionID, err := a.Service().Locks().Check(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if locked {
			fmt.Printf("%s is locked by session %s\n", args[0], sessionID)
		} else {
			fmt.Printf("%s is not locked\n", args[0])
		}
		return nil
	},
}

var lockLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the session's live leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockList")
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.Service().Locks().ListSessionLocks(cmd.Context(), currentSession(cmd))
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No locks held.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var lockReleaseSessionCmd = &cobra.Command{
	Use:   "release-session SESSION_ID",
	Short: "Release every lease a session holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "LockReleaseSession")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().Locks().ReleaseSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("All locks for session %s released\n", args[0])
		return nil
	},
}

// gc command

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge soft-deleted records and unreferenced content",
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetDuration("before")

		a, err := newApp(cmd, "GC")
		if err != nil {
			return err
		}
		defer a.Close()

		cutoff := time.Now().Add(-before)
		result, err := a.Service().GC().Collect(cmd.Context(), currentSession(cmd), cutoff, "")
		if err != nil {
			return err
		}

		fmt.Printf("Purged %d record(s), %d orphan artifact(s), freed %d bytes",
			result.PurgedCount, result.OrphansPurged, result.BytesFreed)
		if result.Skipped > 0 {
			fmt.Printf(", skipped %d", result.Skipped)
		}
		fmt.Println()
		return nil
	},
}

// sync command

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd, "Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		// An encrypted mirror needs the private key unlocked so downloaded
		// content can be decrypted and verified.
		if enc := a.Encryptor(); enc != nil && enc.IsConfigured() {
			pass, err := readPassphrase("Passphrase to unlock the private key: ")
			if err != nil {
				return err
			}
			dc, err := enc.Unlock(pass)
			if err != nil {
				return fmt.Errorf("unlocking private key: %w", err)
			}
			a.Service().Sync().SetDecryptionContext(dc)
		}

		summary, err := a.Service().Sync().Sync(cmd.Context(), currentSession(cmd), force)
		if err != nil {
			return err
		}

		if summary.Skipped {
			fmt.Println("Already in sync, nothing to do.")
			return nil
		}
		fmt.Printf("Uploaded %d, downloaded %d, deleted %d local / %d remote, metadata %d, conflicts %d, pending %d (%s)\n",
			summary.Uploaded, summary.Downloaded, summary.DeletedLocal, summary.DeletedRemote,
			summary.MetadataSynced, summary.Conflicts, summary.Pending,
			summary.Duration.Truncate(time.Millisecond))
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state without contacting the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SyncStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Service().Sync().Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Needs sync:      %v\n", report.NeedsSync)
		fmt.Printf("Local version:   %d\n", report.LocalVersion)
		fmt.Printf("Remote version:  %d\n", report.RemoteVersion)
		fmt.Printf("Unsynced:        %d\n", report.UnsyncedCount)
		if !report.LastSyncTime.IsZero() {
			fmt.Printf("Last sync:       %s\n", report.LastSyncTime.Format(time.RFC3339))
		}
		return nil
	},
}

var syncValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify the remote mirror is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SyncValidate")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateRemote(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Remote is reachable.")
		return nil
	},
}

// conflicts command

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ConflictsList")
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.Service().Sync().Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s/%s  %s\n", c.StableID, c.DocID, c.Variant, c.ConflictType)
			fmt.Printf("  local:  %s  %s\n", short(c.LocalHash), c.LocalTime.Format("2006-01-02 15:04:05"))
			fmt.Printf("  remote: %s  %s\n", short(c.RemoteHash), c.RemoteTime.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve STABLE_ID",
	Short: "Resolve a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		variant, _ := cmd.Flags().GetString("as-variant")

		a, err := newApp(cmd, "ConflictsResolve")
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Service().Sync().ResolveConflict(cmd.Context(), currentSession(cmd), args[0], strategy, variant)
		if err != nil {
			return err
		}
		fmt.Printf("Conflict on %s resolved (%s)\n", args[0], strategy)
		return nil
	},
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	rootCmd.PersistentFlags().String("session", "", "Session ID (default: a fresh UUID)")
	rootCmd.PersistentFlags().String("user", "", "User name (default: $USER)")
	rootCmd.PersistentFlags().String("role", "editor", "Role: viewer, editor, reviewer, admin")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	saveCmd.Flags().String("id", "", "Stable ID of an existing record to update")
	saveCmd.Flags().String("doc", "", "Document ID (required for new records)")
	saveCmd.Flags().String("type", "artifact", "File type: source, artifact, schema")
	saveCmd.Flags().String("variant", "", "Variant label")
	saveCmd.Flags().StringSlice("collection", nil, "Collection membership (repeatable)")
	saveCmd.Flags().String("visibility", "", "Visibility: public, private")
	saveCmd.Flags().Bool("new-version", false, "Create a new version instead of updating in place")
	saveCmd.Flags().Bool("gold", false, "Promote the result to gold standard")

	getCmd.Flags().StringP("output", "o", "", "Write content to this file instead of stdout")

	lsCmd.Flags().String("doc", "", "Filter by document ID")
	lsCmd.Flags().String("collection", "", "Filter by collection")
	lsCmd.Flags().String("variant", "", "Filter by variant")

	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockHeartbeatCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockCheckCmd)
	lockCmd.AddCommand(lockLsCmd)
	lockCmd.AddCommand(lockReleaseSessionCmd)

	gcCmd.Flags().Duration("before", 24*time.Hour, "Only purge records deleted at least this long ago")

	syncCmd.Flags().Bool("force", false, "Run a full pass even when the skip check says nothing changed")
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncValidateCmd)

	conflictsResolveCmd.Flags().String("strategy", store.StrategyKeepBoth, "Resolution strategy: local_wins, remote_wins, keep_both")
	conflictsResolveCmd.Flags().String("as-variant", "", "Variant name for the forked copy with keep_both")
	conflictsCmd.AddCommand(conflictsLsCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)
}
