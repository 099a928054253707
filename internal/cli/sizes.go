package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/geometry"
)

func newSizesCmd(e *env) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "sizes",
		Short: "List the frame sizes the camera offers and the one that would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dev capture.Device = capture.NewCameraDevice()
			if input != "" {
				dev = capture.NewFileDevice(input)
			}
			return listSizes(cmd.OutOrStdout(), dev, e.cfg.Camera.DeviceID, e.cfg.FrameSize())
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Inspect a video file instead of the camera")
	return cmd
}

func listSizes(w io.Writer, dev capture.Device, id int, target geometry.Size) error {
	if err := dev.Open(id); err != nil {
		return err
	}
	defer dev.Close()

	sizes, err := dev.SupportedSizes()
	if err != nil {
		return err
	}
	chosen, ok := geometry.PreferredFrameSize(sizes, target)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tRATIO\t")
	for _, s := range sizes {
		mark := ""
		if ok && s == chosen {
			mark = "*"
		}
		fmt.Fprintf(tw, "%dx%d\t%.3f\t%s\n", s.Width, s.Height, s.Ratio(), mark)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !ok {
		fmt.Fprintln(w, "No size available")
		return nil
	}
	fmt.Fprintf(w, "Target %dx%d, using %dx%d\n", target.Width, target.Height, chosen.Width, chosen.Height)
	return nil
}
