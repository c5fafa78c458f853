package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"dcol-go/internal/app"
	"dcol-go/internal/collection"
	"dcol-go/internal/config"
	"dcol-go/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the configuration from the default location.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// readPassphrase obtains the key passphrase: DCOL_PASSPHRASE for
// scripting, otherwise a hidden terminal prompt. Keys stored without
// encryption need no passphrase.
func readPassphrase(cfg *config.Config, prompt string) (string, error) {
	if cfg.Identity.Encryption == "none" {
		return "", nil
	}
	if p := os.Getenv("DCOL_PASSPHRASE"); p != "" {
		return p, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}

// newApp reads the config, unlocks the identity, and creates a wired
// App. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	passphrase, err := readPassphrase(cfg, "Key passphrase: ")
	if err != nil {
		return nil, err
	}

	a, err := app.New(cmd.Context(), cfg, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func printDocument(doc *model.CatalogDocument) {
	fmt.Printf("ID:       %s\n", doc.ID)
	fmt.Printf("Title:    %s\n", doc.Title)
	fmt.Printf("Type:     %s\n", doc.Type)
	if doc.Description != "" {
		fmt.Printf("Desc:     %s\n", doc.Description)
	}
	if len(doc.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(doc.Tags, ", "))
	}
	if len(doc.Authors) > 0 {
		fmt.Printf("Authors:  %s\n", strings.Join(doc.Authors, ", "))
	}
	if doc.ContentAddress != "" {
		fmt.Printf("Content:  %s (%d bytes, %s)\n", doc.ContentAddress, doc.Size, doc.MimeType)
	}
	fmt.Printf("Version:  %d\n", doc.Provenance.Version)
	fmt.Printf("Created:  %s\n", doc.Provenance.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", doc.Provenance.Updated.Format("2006-01-02 15:04:05"))
	if doc.Provenance.ForkOf != "" {
		fmt.Printf("Fork of:  %s\n", doc.Provenance.ForkOf)
	}
	for k, v := range doc.Metadata {
		fmt.Printf("Meta:     %s=%v\n", k, v)
	}
}

// parseMetadata turns key=value args into a metadata map.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

var rootCmd = &cobra.Command{
	Use:   "dcol",
	Short: "Peer-replicated document collection",
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

		collectionID, _ := cmd.Flags().GetString("collection")
		if collectionID == "" {
			collectionID = uuid.New().String()
		}

		cfg := config.NewConfig(collectionID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Collection ID: %s\n", collectionID)
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
		fmt.Printf("Collection ID: %s\n", cfg.CollectionID)
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s\n", cfg.Database.Type)
		fmt.Printf("Block Store:   %s\n", cfg.BlockStore.Type)
		return nil
	},
}

// identity command

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the signing identity",
}

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a signing keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		passphrase, err := readPassphrase(cfg, "New key passphrase: ")
		if err != nil {
			return err
		}

		did, err := app.SetupIdentity(cfg, passphrase)
		if err != nil {
			return err
		}

		fmt.Printf("Identity created: %s\n", did)
		fmt.Printf("Public key:  %s\n", cfg.Identity.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Identity.PrivateKeyPath)
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the local DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(a.DID())
		return nil
	},
}

// init command

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Replay the log and print the replication addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		logAddr, catalogAddr, err := a.Initialize(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Log:     %s\n", logAddr)
		fmt.Printf("Catalog: %s\n", catalogAddr)
		return nil
	},
}

// create command

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a document",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		authors, _ := cmd.Flags().GetStringSlice("author")
		mimeType, _ := cmd.Flags().GetString("mime")
		forkOf, _ := cmd.Flags().GetString("fork-of")
		metaPairs, _ := cmd.Flags().GetStringSlice("meta")
		file, _ := cmd.Flags().GetString("file")

		meta, err := parseMetadata(metaPairs)
		if err != nil {
			return err
		}

		var payload []byte
		if file != "" {
			payload, err = os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading content file: %w", err)
			}
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.CreateDocument(cmd.Context(), collection.CreateInput{
			Title:       title,
			Description: description,
			Tags:        tags,
			Authors:     authors,
			MimeType:    mimeType,
			Metadata:    meta,
			Content:     payload,
			ForkOf:      forkOf,
		})
		if err != nil {
			return fmt.Errorf("creating document: %w", err)
		}

		printDocument(doc)
		return nil
	},
}

// update command

var updateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in collection.UpdateInput
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			in.Title = &title
		}
		if cmd.Flags().Changed("description") {
			description, _ := cmd.Flags().GetString("description")
			in.Description = &description
		}
		if cmd.Flags().Changed("tag") {
			in.Tags, _ = cmd.Flags().GetStringSlice("tag")
		}
		if cmd.Flags().Changed("author") {
			in.Authors, _ = cmd.Flags().GetStringSlice("author")
		}
		if cmd.Flags().Changed("meta") {
			metaPairs, _ := cmd.Flags().GetStringSlice("meta")
			meta, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			in.Metadata = meta
		}
		if cmd.Flags().Changed("file") {
			file, _ := cmd.Flags().GetString("file")
			payload, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading content file: %w", err)
			}
			in.Content = payload
			in.MimeType, _ = cmd.Flags().GetString("mime")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.UpdateDocument(cmd.Context(), args[0], in)
		if err != nil {
			return fmt.Errorf("updating document: %w", err)
		}

		printDocument(doc)
		return nil
	},
}

// delete / tombstone / redact / tag commands

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a document from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteDocument(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var tombstoneCmd = &cobra.Command{
	Use:   "tombstone ID",
	Short: "Permanently remove a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.TombstoneDocument(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("tombstoning document: %w", err)
		}
		fmt.Printf("Tombstoned %s (permanent)\n", args[0])
		return nil
	},
}

var redactCmd = &cobra.Command{
	Use:   "redact ID [KEY...]",
	Short: "Remove metadata keys (all metadata if no keys given)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.RedactDocumentMetadata(cmd.Context(), args[0], args[1:])
		if err != nil {
			return fmt.Errorf("redacting metadata: %w", err)
		}

		printDocument(doc)
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag ID TAG...",
	Short: "Add tags to a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.TagDocument(cmd.Context(), args[0], args[1:])
		if err != nil {
			return fmt.Errorf("tagging document: %w", err)
		}

		printDocument(doc)
		return nil
	},
}

// get / list / history / oplog commands

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.GetDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		printDocument(doc)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("type")
		tag, _ := cmd.Flags().GetString("tag")
		author, _ := cmd.Flags().GetString("author")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := a.GetAllDocuments(cmd.Context(), collection.Filter{
			Type:   model.DocumentType(docType),
			Tag:    tag,
			Author: author,
		})
		if err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, doc := range docs {
			fmt.Printf("%s  v%-3d  %-8s  %s\n", doc.ID, doc.Provenance.Version, doc.Type, doc.Title)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ID",
	Short: "View a document's operation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.GetDocumentHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		for _, e := range entries {
			fmt.Printf("#%-4d  %-15s  lamport:%-6d  %s  %s\n",
				e.Seq,
				e.Type,
				e.Lamport,
				e.Timestamp.Format("2006-01-02 15:04:05"),
				e.AuthorDID,
			)
		}
		return nil
	},
}

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "View the raw operation log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.GetLog(cmd.Context())
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("Log is empty.")
			return nil
		}

		for _, rec := range records {
			op := rec.Operation
			fmt.Printf("#%-4d  %-15s  %s  doc:%s  lamport:%d\n",
				rec.Seq, op.Type, op.ID, op.DocumentID, op.Identity.LamportClock)
		}
		return nil
	},
}

// rebuild command

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-derive the entire catalog from the log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Rebuild(cmd.Context()); err != nil {
			return fmt.Errorf("rebuilding catalog: %w", err)
		}
		fmt.Println("Catalog rebuilt.")
		return nil
	},
}

// content command

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage the local content store",
}

var contentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show content store usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		metrics, err := a.GetContentMetrics()
		if err != nil {
			return err
		}

		fmt.Printf("Capacity:  %d bytes\n", metrics.Capacity)
		fmt.Printf("Used:      %d bytes\n", metrics.UsedBytes)
		fmt.Printf("Pinned:    %d (owned %d, starred %d)\n",
			metrics.PinnedCount, metrics.OwnedCount, metrics.StarredCount)
		fmt.Printf("Evictable: %d bytes\n", metrics.EvictableSize)
		return nil
	},
}

var contentListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pinned content",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		pins, err := a.GetPinnedContent()
		if err != nil {
			return err
		}

		if len(pins) == 0 {
			fmt.Println("Nothing pinned.")
			return nil
		}

		for _, pin := range pins {
			flags := "  "
			if pin.IsOwned {
				flags = "O "
			}
			if pin.IsStarred {
				flags = flags[:1] + "*"
			}
			fmt.Printf("%s p:%-3d %10d  %s  refs:%d\n",
				flags, pin.Priority, pin.Size, pin.Address, len(pin.DocumentIDs))
		}
		return nil
	},
}

var contentGetCmd = &cobra.Command{
	Use:   "get ADDRESS",
	Short: "Fetch content by address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		data, found, err := a.GetContent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("content %s is not available locally", args[0])
		}

		if output == "" || output == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(output, data, 0644)
	},
}

var contentGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run garbage collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		aggressive, _ := cmd.Flags().GetBool("aggressive")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		evicted, freed, err := a.RunGC(cmd.Context(), aggressive)
		if err != nil {
			return fmt.Errorf("garbage collection: %w", err)
		}

		fmt.Printf("Evicted %d item(s), freed %d bytes\n", evicted, freed)
		return nil
	},
}

var contentStarCmd = &cobra.Command{
	Use:   "star ADDRESS",
	Short: "Protect content from eviction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.StarContent(args[0], true); err != nil {
			return err
		}
		fmt.Printf("Starred %s\n", args[0])
		return nil
	},
}

var contentUnstarCmd = &cobra.Command{
	Use:   "unstar ADDRESS",
	Short: "Remove eviction protection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.StarContent(args[0], false); err != nil {
			return err
		}
		fmt.Printf("Unstarred %s\n", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("collection", "", "Collection ID to join (default: generate a new one)")

	// identity subcommands
	identityCmd.AddCommand(identityInitCmd)
	identityCmd.AddCommand(identityShowCmd)

	// content subcommands
	contentCmd.AddCommand(contentStatusCmd)
	contentCmd.AddCommand(contentListCmd)
	contentCmd.AddCommand(contentGetCmd)
	contentGetCmd.Flags().StringP("output", "o", "", "Write content to a file instead of stdout")
	contentCmd.AddCommand(contentGCCmd)
	contentGCCmd.Flags().Bool("aggressive", false, "Evict everything unreferenced")
	contentCmd.AddCommand(contentStarCmd)
	contentCmd.AddCommand(contentUnstarCmd)

	// document flags
	createCmd.Flags().String("title", "", "Document title")
	createCmd.Flags().String("description", "", "Document description")
	createCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	createCmd.Flags().StringSlice("author", nil, "Author DID (repeatable, default: local identity)")
	createCmd.Flags().String("mime", "", "Content MIME type")
	createCmd.Flags().String("fork-of", "", "Document ID this forks from")
	createCmd.Flags().StringSlice("meta", nil, "Metadata key=value (repeatable)")
	createCmd.Flags().String("file", "", "Content file to attach")

	updateCmd.Flags().String("title", "", "Document title")
	updateCmd.Flags().String("description", "", "Document description")
	updateCmd.Flags().StringSlice("tag", nil, "Tag (repeatable, replaces current tags)")
	updateCmd.Flags().StringSlice("author", nil, "Author DID (repeatable, replaces current authors)")
	updateCmd.Flags().String("mime", "", "Content MIME type")
	updateCmd.Flags().StringSlice("meta", nil, "Metadata key=value (repeatable, replaces current metadata)")
	updateCmd.Flags().String("file", "", "Content file to attach")

	listCmd.Flags().String("type", "", "Filter by document type")
	listCmd.Flags().String("tag", "", "Filter by tag")
	listCmd.Flags().String("author", "", "Filter by author DID")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(tombstoneCmd)
	rootCmd.AddCommand(redactCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(oplogCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(contentCmd)
}
