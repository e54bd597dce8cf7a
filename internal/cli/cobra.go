package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emalign",
		Short: "emalign aligns serial-section electron microscopy image stacks",
		Long: `emalign builds a scale pyramid for a stack of EM sections and computes
per-layer affine alignments from the coarsest scale down to full resolution.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newNewCmd(root))
	rootCmd.AddCommand(newScaleCmd(root))
	rootCmd.AddCommand(newLinkCmd(root))
	rootCmd.AddCommand(newSkipCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func newNewCmd(root *Root) *cobra.Command {
	var dest, scales string
	cmd := &cobra.Command{
		Use:   "new <images_dir>",
		Short: "Create a project from a directory of section images",
		Long: `Create a project whose stack holds every image in images_dir, sorted by
name. The project file is written next to the destination as <dest>.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := root.cmdNew(args[0], dest, scales)
			return err
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "project destination directory")
	cmd.Flags().StringVar(&scales, "scales", "", `scale factors, e.g. "1 2 4"`)
	return cmd
}

func newScaleCmd(root *Root) *cobra.Command {
	var scales, resampler string
	cmd := &cobra.Command{
		Use:   "scale <project>",
		Short: "Build the scale pyramid",
		Long: `Link the imported images into scale_1 and downsample every coarser scale.
Existing scaled images are rebuilt and every scale's alignment settings are
reset to the defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := root.cmdScale(cmd.Context(), "", args[0], scales, resampler, nil)
			return err
		},
	}
	cmd.Flags().StringVar(&scales, "scales", "", `scale factors, e.g. "1 2 4" (default: keep the project's scales)`)
	cmd.Flags().StringVar(&resampler, "resampler", "", "resample backend (native|imagick|iscale2), config default if empty")
	return cmd
}

func newLinkCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "link <project>",
		Short: "Recompute every layer's reference image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdLink(args[0])
		},
	}
}

func newSkipCmd(root *Root) *cobra.Command {
	var (
		scale, layer int
		off          bool
	)
	cmd := &cobra.Command{
		Use:   "skip <project>",
		Short: "Mark a layer as skipped on every scale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdSkip(args[0], scale, layer, !off)
		},
	}
	cmd.Flags().IntVar(&scale, "scale", 1, "scale the layer index refers to")
	cmd.Flags().IntVar(&layer, "layer", -1, "layer index")
	cmd.Flags().BoolVar(&off, "off", false, "clear the skip flag instead")
	cmd.MarkFlagRequired("layer")
	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		a          alignArgs
		noImages   bool
		nullBias   bool
		polyOrder  int
		rect       bool
		swimWindow float64
		whitening  float64
	)
	cmd := &cobra.Command{
		Use:   "align <project>",
		Short: "Align the layers of one scale",
		Long: `Compute each layer's affine transform to its reference, chain the
cumulative transforms and render the aligned images.

Examples:
  # Coarsest scale first
  emalign align stack.json --scale 4

  # Refine the next scale from the coarser result
  emalign align stack.json --scale 2 --option refine_affine

  # Re-align two layers with a smaller window
  emalign align stack.json --scale 1 --start 10 --count 2 --swim-window 0.6`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			a.GenerateImages = !noImages
			if flags.Changed("null-bias") {
				a.NullBias = &nullBias
			}
			if flags.Changed("poly-order") {
				a.PolyOrder = &polyOrder
			}
			if flags.Changed("bounding-rect") {
				a.BoundingRect = &rect
			}
			if flags.Changed("swim-window") {
				if swimWindow <= 0 || swimWindow > 1 {
					return fmt.Errorf("--swim-window must be in (0,1], got %v", swimWindow)
				}
				a.SwimWindow = &swimWindow
			}
			if flags.Changed("whitening") {
				a.Whitening = &whitening
			}
			_, err := root.cmdAlign(cmd.Context(), args[0], a, nil)
			return err
		},
	}
	cmd.Flags().IntVar(&a.Scale, "scale", 0, "scale to align (e.g. 4 for scale_4)")
	cmd.Flags().StringVar(&a.Option, "option", "", "init_affine|refine_affine|apply_affine (default: the scale's setting)")
	cmd.Flags().IntVar(&a.Start, "start", 0, "first layer")
	cmd.Flags().IntVar(&a.Count, "count", -1, "number of layers, -1 for all")
	cmd.Flags().BoolVar(&noImages, "no-images", false, "do not render aligned images")
	cmd.Flags().BoolVar(&nullBias, "null-bias", false, "null polynomial drift in the cumulative transforms")
	cmd.Flags().IntVar(&polyOrder, "poly-order", 0, "polynomial order for drift nulling")
	cmd.Flags().BoolVar(&rect, "bounding-rect", true, "render on a canvas that holds every aligned layer")
	cmd.Flags().Float64Var(&swimWindow, "swim-window", 0, "correlation window as a fraction of the image width")
	cmd.Flags().Float64Var(&whitening, "whitening", 0, "whitening exponent of the correlator")
	cmd.Flags().StringVar(&a.Engine, "engine", "", "correlation engine (auto|swim|native), config default if empty")
	cmd.MarkFlagRequired("scale")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show per-scale alignment progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdStatus(args[0])
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pyramid and alignment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRuns(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check external tool availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools()
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr, projectFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, live task events and gRPC health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr, grpcAddr, projectFile)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health listen address, empty to disable")
	cmd.Flags().StringVar(&projectFile, "project", "", "project file to watch")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for invalid values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
