package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Session  string
	Event    string
	Limit    int
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List delivery journal entries",
		Long: `List what past sessions classified, applied and checked.

Entries are ordered by session, then by sequence number.

Examples:
  ramlink journal --db ./ramlink.db
  ramlink journal --db ./ramlink.db --event applied --limit 20
  ramlink journal --db ./ramlink.db --session 0190f6c2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "only entries from this session")
	cmd.Flags().StringVar(&opts.Event, "event", "", "only entries of this event (classified|applied|state|checked)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (0 = all)")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	switch opts.Event {
	case "", store.EventClassified, store.EventApplied, store.EventState, store.EventChecked:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event %q", opts.Event))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	entries, err := st.ReadJournal(cmd.Context(), store.Filter{
		Session: opts.Session,
		Event:   opts.Event,
		Limit:   opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(entries, func(w io.Writer) { writeJournalText(w, entries) })
}

func writeJournalText(w io.Writer, entries []store.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tSEQ\tEVENT\tDETAIL")
	for _, e := range entries {
		ts := time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", ts, e.Session, e.Seq, e.Event, journalDetail(e))
	}
	_ = tw.Flush()
}

func journalDetail(e store.Entry) string {
	switch e.Event {
	case store.EventChecked:
		return fmt.Sprintf("location %d", e.Location)
	case store.EventState:
		return e.Outcome
	}
	name := fmt.Sprintf("item %d", e.Item)
	if it, ok := catalog.Lookup(e.Item); ok {
		name = it.Name
	}
	detail := fmt.Sprintf("#%d %s", e.Index, name)
	if e.Category != "" {
		detail += " (" + e.Category + ")"
	}
	if e.Outcome != "" {
		detail += " " + e.Outcome
	}
	return detail
}
