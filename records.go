package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"whisperdeck/audio"
	"whisperdeck/backend"
	"whisperdeck/config"
	"whisperdeck/metrics"
	"whisperdeck/store"
	"whisperdeck/transcript"
)

// recordStore is the record table, reached through the backend service or
// directly in postgres.
type recordStore interface {
	CreateRecord(ctx context.Context, n backend.NewRecord) (*backend.Record, error)
	GetRecord(ctx context.Context, id int64) (*backend.Record, error)
	ListRecords(ctx context.Context) ([]backend.Record, error)
	DeleteRecord(ctx context.Context, id int64) error
	Search(ctx context.Context, q backend.SearchQuery) ([]backend.Record, error)
	PersistUpdate(ctx context.Context, u backend.RecordUpdate) error
}

// collaborators sends file and inference calls to the backend service and
// the final record update to whichever store is configured.
type collaborators struct {
	*backend.Client
	records recordStore
}

func (c collaborators) PersistUpdate(ctx context.Context, u backend.RecordUpdate) error {
	return c.records.PersistUpdate(ctx, u)
}

// openRecords builds the backend client and the record store. The returned
// closer releases the postgres pool when one was opened.
func openRecords(ctx context.Context, c *config.Config, m *metrics.Metrics) (*backend.Client, recordStore, func(), error) {
	client, err := backend.New(c.Backend.BaseURL, c.Backend.Timeout, m)
	if err != nil {
		return nil, nil, nil, err
	}
	if c.Store.Driver != "postgres" {
		return client, client, func() {}, nil
	}
	pg, err := store.Open(ctx, c.Store.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, pg, pg.Close, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

var (
	newTitle    string
	newInfo     string
	searchQuery backend.SearchQuery
	dlDir       string
	dlFormat    string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a record and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, records, closeFn, err := openRecords(cmd.Context(), cfg, metrics.Discard())
		if err != nil {
			return err
		}
		defer closeFn()
		rec, err := records.CreateRecord(cmd.Context(), backend.NewRecord{Title: newTitle, Info: newInfo})
		if err != nil {
			return err
		}
		fmt.Println(rec.ID)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a record's transcript and terms per language",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		_, records, closeFn, err := openRecords(cmd.Context(), cfg, metrics.Discard())
		if err != nil {
			return err
		}
		defer closeFn()
		rec, err := records.GetRecord(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

func printRecord(rec *backend.Record) {
	fmt.Printf("#%d %s\n", rec.ID, rec.Title)
	if !rec.UploadedDate.IsZero() {
		fmt.Printf("uploaded: %s\n", rec.UploadedDate.Format("2006-01-02 15:04"))
	}
	if rec.Info != "" {
		fmt.Printf("%s\n", rec.Info)
	}
	for _, l := range transcript.Languages {
		lines := rec.Transcript.Lines(string(l))
		if len(lines) == 0 {
			continue
		}
		fmt.Printf("\n[%s]\n%s\n", l.Label(), strings.Join(lines, "\n"))
	}
	for _, l := range transcript.TermLanguages {
		lines := rec.Term.Lines(string(l))
		if len(lines) == 0 {
			continue
		}
		fmt.Printf("\n[%s]\n", l.TermLabel())
		for _, line := range lines {
			if t, ok := transcript.ParseTerm(line); ok {
				fmt.Printf("  %s: %s\n", t.Title, t.Description)
			} else {
				fmt.Printf("  %s\n", line)
			}
		}
	}
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search records by date range and text",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, records, closeFn, err := openRecords(cmd.Context(), cfg, metrics.Discard())
		if err != nil {
			return err
		}
		defer closeFn()

		var recs []backend.Record
		if searchQuery == (backend.SearchQuery{}) {
			recs, err = records.ListRecords(cmd.Context())
		} else {
			recs, err = records.Search(cmd.Context(), searchQuery)
		}
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No records found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPLOADED\tTITLE")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.UploadedDate.Format("2006-01-02 15:04"), r.Title)
		}
		return w.Flush()
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Print a signed download URL for an uploaded artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, metrics.Discard())
		if err != nil {
			return err
		}
		dir, format := dlDir, dlFormat
		if dir == "" {
			dir = cfg.Backend.UploadDir
		}
		if format == "" {
			format = cfg.Backend.UploadFormat
		}
		u, err := client.DownloadURL(cmd.Context(), id, dir, format)
		if err != nil {
			return err
		}
		fmt.Println(u)
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <id>",
	Short: "Print the backend's summary of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, metrics.Discard())
		if err != nil {
			return err
		}
		s, err := client.Summary(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		_, records, closeFn, err := openRecords(cmd.Context(), cfg, metrics.Discard())
		if err != nil {
			return err
		}
		defer closeFn()
		if err := records.DeleteRecord(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("deleted record %d\n", id)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backend.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, metrics.Discard())
		if err != nil {
			return err
		}
		r, err := client.Ask(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(r.Reply)
		if r.Terms {
			fmt.Println("(answer uses the term glossary)")
		}
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := audio.NewContext()
		if err != nil {
			return fmt.Errorf("initializing audio: %w", err)
		}
		defer ctx.Close()
		devices, err := ctx.Devices()
		if err != nil {
			return fmt.Errorf("enumerating devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No capture devices found.")
			return nil
		}
		for _, d := range devices {
			marker := "  "
			if d.Default {
				marker = "* "
			}
			suffix := ""
			if audio.IsBluetooth(d.Name) {
				suffix = " (BT)"
			}
			fmt.Printf("%s%s%s\n", marker, d.Name, suffix)
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&newTitle, "title", "", "record title (1-50 characters)")
	createCmd.Flags().StringVar(&newInfo, "info", "", "record description (1-1000 characters)")
	createCmd.MarkFlagRequired("title")
	createCmd.MarkFlagRequired("info")

	searchCmd.Flags().StringVar(&searchQuery.StartDate, "from", "", "uploaded on or after YYYY-MM-DD")
	searchCmd.Flags().StringVar(&searchQuery.EndDate, "to", "", "uploaded on or before YYYY-MM-DD")
	searchCmd.Flags().StringVar(&searchQuery.Title, "title", "", "title contains")
	searchCmd.Flags().StringVar(&searchQuery.Info, "info", "", "info contains")
	searchCmd.Flags().StringVar(&searchQuery.Term, "term", "", "terms contain")
	searchCmd.Flags().StringVar(&searchQuery.Transcript, "transcript", "", "transcript contains")

	downloadCmd.Flags().StringVar(&dlDir, "dir", "", "upload directory (default from config)")
	downloadCmd.Flags().StringVar(&dlFormat, "format", "", "file type (default from config)")

	rootCmd.AddCommand(createCmd, showCmd, searchCmd, deleteCmd, downloadCmd, summaryCmd, askCmd, devicesCmd)
}
