package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	renderView   viewFlags
	renderOutput string
	renderDebug  bool
)

var renderCmd = &cobra.Command{
	Use:   "render [pyramid]",
	Short: "Render a viewport of a pyramid to a PNG file",
	Long: `Fetches the tiles visible in a viewport and composes them into a PNG,
the same frame a mounted viewport would serve.

Example:
  spacetiles render orion --zoom 4 --width 1920 --height 1080 -o orion.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

func init() {
	renderView.register(renderCmd)
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "frame.png", "Output PNG path")
	renderCmd.Flags().BoolVar(&renderDebug, "debug", false, "Draw the diagnostic overlay")
}

func runRender(cmd *cobra.Command, args []string) error {
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
	view, err := renderView.state(cmd, d, svc.InitialZoom())
	if err != nil {
		return err
	}

	var data []byte
	if renderDebug {
		data, err = svc.RenderDebugFrame(cmd.Context(), view)
	} else {
		data, err = svc.RenderFrame(cmd.Context(), view, nil)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(renderOutput, data, 0644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	logger.Info("frame rendered",
		zap.String("pyramid", svc.Name()),
		zap.Int("zoom", view.ZoomLevel),
		zap.String("output", renderOutput),
		zap.Int("bytes", len(data)))
	return nil
}
