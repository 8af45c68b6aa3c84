package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/ramlink/internal/config"
	"github.com/roach88/ramlink/internal/layout"
)

// LayoutOptions holds flags for the layout command.
type LayoutOptions struct {
	*RootOptions
	File     string
	Expanded bool
	Check    bool
}

// RegionView is one region as printed by the layout command.
type RegionView struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	Base     uint32 `json:"base"`
	Stride   uint32 `json:"stride,omitempty"`
	SlotSize int    `json:"slot_size"`
	MaxSlot  int    `json:"max_slot"`
	Offset   uint32 `json:"offset,omitempty"`
	Size     int    `json:"size"`
	Saved    bool   `json:"saved,omitempty"`
}

// LayoutResult is the effective layout.
type LayoutResult struct {
	Regions []RegionView `json:"regions"`
	Ending  struct {
		Domain string `json:"domain"`
		Addr   uint32 `json:"addr"`
		Bytes  int    `json:"bytes"`
	} `json:"ending_patch"`
}

// NewLayoutCommand creates the layout command.
func NewLayoutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LayoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print or validate the effective address layout",
		Long: `Build the address layout the session would use and print it.

The built-in layout can be adjusted with a CUE file (--file, or
RAMLINK_LAYOUT). With --check only validation errors are reported.

Examples:
  ramlink layout
  ramlink layout --file ./rev01.cue --check
  ramlink layout --expanded-inventory --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "CUE overlay applied over the built-in layout")
	cmd.Flags().BoolVar(&opts.Expanded, "expanded-inventory", false, "use the enlarged inventory table")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "only validate the layout")

	return cmd
}

func runLayout(opts *LayoutOptions, cmd *cobra.Command) error {
	file := opts.File
	if file == "" {
		cfg, err := config.Load()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		file = cfg.LayoutFile
	}

	var overlay []byte
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read layout file", err)
		}
		overlay = data
	}

	l, err := layout.New(layout.Options{ExpandedInventory: opts.Expanded, Overlay: overlay})
	if err != nil {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		_ = out.Error("E_LAYOUT_INVALID", err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid layout", err)
	}

	result := describeLayout(l)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Check {
		return out.Success(map[string]int{"regions": len(result.Regions)}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ layout valid (%d regions)\n", len(result.Regions))
		})
	}
	return out.Success(result, func(w io.Writer) { writeLayoutText(w, result) })
}

func describeLayout(l *layout.Layout) LayoutResult {
	saved := make(map[string]bool)
	for _, rec := range l.SaveRecords() {
		saved[rec.Name] = true
	}

	var result LayoutResult
	for _, name := range l.Names() {
		s := l.MustSpec(name)
		result.Regions = append(result.Regions, RegionView{
			Name:     name,
			Scope:    s.Scope.String(),
			Base:     s.Base,
			Stride:   s.Stride,
			SlotSize: s.SlotSize,
			MaxSlot:  s.MaxSlot,
			Offset:   s.Offset,
			Size:     s.Size(),
			Saved:    saved[name],
		})
	}
	ending := l.EndingPatch()
	result.Ending.Domain = string(ending.Domain)
	result.Ending.Addr = ending.Addr
	result.Ending.Bytes = len(ending.Bytes)
	return result
}

func writeLayoutText(w io.Writer, result LayoutResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSCOPE\tBASE\tSTRIDE\tSIZE\tSAVED")
	for _, r := range result.Regions {
		stride := "-"
		if r.Scope == layout.ScopePlayer.String() {
			stride = fmt.Sprintf("%#x", r.Stride)
		}
		saved := ""
		if r.Saved {
			saved = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%#06x\t%s\t%d\t%s\n", r.Name, r.Scope, r.Base, stride, r.Size, saved)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nEnding patch: %d bytes at %#06x (%s)\n", result.Ending.Bytes, result.Ending.Addr, result.Ending.Domain)
}
