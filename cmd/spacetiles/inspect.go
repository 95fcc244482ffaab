package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spacetiles/server/internal/resolver"
)

var inspectView viewFlags

var inspectCmd = &cobra.Command{
	Use:   "inspect [pyramid]",
	Short: "Print pyramid metadata and the tiles visible in a viewport",
	Long: `Loads the pyramid metadata, prints a summary of its levels and lists the
tiles a viewport of the given size would show.

Example:
  spacetiles inspect andromeda --zoom 3 --width 1920 --height 1080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectView.register(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	svc, err := st.pyramidArg(args)
	if err != nil {
		return err
	}
	d, err := svc.Descriptor(cmd.Context())
	if err != nil {
		return err
	}
	view, err := inspectView.state(cmd, d, svc.InitialZoom())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	info := svc.Info()
	fmt.Fprintf(out, "pyramid:   %s (%s)\n", info.Name, svc.MetadataSource())
	if info.CelestialObject != nil {
		fmt.Fprintf(out, "object:    %s\n", info.CelestialObject.Name)
	}
	fmt.Fprintf(out, "format:    %s, tile size %d\n", d.Format, d.TileSize)
	fmt.Fprintf(out, "size:      %dx%d (%.2f gigapixels)\n", info.Width, info.Height, info.Gigapixels)
	fmt.Fprintf(out, "content:   %d tiles with metadata\n\n", d.ContentCount())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tWIDTH\tHEIGHT\tCOLS\tROWS\tCONTENT")
	for i := 0; i < d.NumLevels(); i++ {
		g, _ := d.Level(i)
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", i, g.Width, g.Height, g.Cols, g.Rows, len(d.LevelContent(i)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	r := resolver.VisibleRange(view, d)
	fmt.Fprintf(out, "\nviewport:  %.0fx%.0f at level %d, pan (%.0f, %.0f)\n",
		view.ViewportSize.Width, view.ViewportSize.Height, view.ZoomLevel, view.PanOffset.X, view.PanOffset.Y)
	if r.Empty() {
		fmt.Fprintln(out, "visible:   none")
		return nil
	}
	fmt.Fprintf(out, "visible:   rows %d-%d, cols %d-%d (%d tiles)\n", r.StartRow, r.EndRow, r.StartCol, r.EndCol, r.Len())

	refs, err := svc.Visible(cmd.Context(), view)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		line := fmt.Sprintf("  %s  %s", ref.Key, ref.URL)
		if ref.Metadata != nil {
			line += fmt.Sprintf("  brightness=%.1f", ref.Metadata.AverageBrightness)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
