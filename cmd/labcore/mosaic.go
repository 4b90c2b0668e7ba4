package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"labcore/pkg/device"
	"labcore/pkg/experiment"
)

var mosaicCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Generate a serpentine ROI mosaic",
	Long: `Generate a serpentine grid of ROIs. Either give two or more --corner
positions and the grid covers their bounding rectangle, or give --center
and --size for an NxM grid around a point. ROIs are appended to --append
when set; the list is written to --out or stdout.`,
	Example: `  labcore mosaic --corner 0,0,10 --corner 400,200,10 --spacing 100 --out rois.yaml
  labcore mosaic --center 500,500,10 --size 5x5 --spacing 100`,
	Args: cobra.NoArgs,
	RunE: runMosaic,
}

var (
	mosaicCorners []string
	mosaicCenter  string
	mosaicSize    string
	mosaicSpacing float64
	mosaicName    string
	mosaicAppend  string
	mosaicOut     string
)

func init() {
	mosaicCmd.Flags().StringArrayVar(&mosaicCorners, "corner", nil, "corner position X,Y,Z (repeatable)")
	mosaicCmd.Flags().StringVar(&mosaicCenter, "center", "", "center position X,Y,Z")
	mosaicCmd.Flags().StringVar(&mosaicSize, "size", "", "grid size NXxNY for --center")
	mosaicCmd.Flags().Float64Var(&mosaicSpacing, "spacing", 0, "distance between tiles (required)")
	mosaicCmd.Flags().StringVar(&mosaicName, "name", "mosaic", "name of a new ROI list")
	mosaicCmd.Flags().StringVar(&mosaicAppend, "append", "", "existing ROI list to extend")
	mosaicCmd.Flags().StringVarP(&mosaicOut, "out", "o", "", "output file (default stdout)")
	mosaicCmd.MarkFlagRequired("spacing")
	mosaicCmd.MarkFlagsMutuallyExclusive("corner", "center")
	mosaicCmd.MarkFlagsRequiredTogether("center", "size")
}

func runMosaic(cmd *cobra.Command, args []string) error {
	list := experiment.NewROIList(mosaicName)
	if mosaicAppend != "" {
		var err error
		if list, err = experiment.LoadROIList(mosaicAppend); err != nil {
			return err
		}
	}

	var (
		names []string
		err   error
	)
	switch {
	case mosaicCenter != "":
		center, perr := parsePosition(mosaicCenter)
		if perr != nil {
			return perr
		}
		nx, ny, perr := parseSize(mosaicSize)
		if perr != nil {
			return perr
		}
		names, err = list.CenteredMosaic(center, nx, ny, mosaicSpacing)
	case len(mosaicCorners) > 0:
		corners := make([]device.Position, 0, len(mosaicCorners))
		for _, c := range mosaicCorners {
			p, perr := parsePosition(c)
			if perr != nil {
				return perr
			}
			corners = append(corners, p)
		}
		names, err = list.Mosaic(corners, mosaicSpacing)
	default:
		return fmt.Errorf("either --corner or --center is required")
	}
	if err != nil {
		return err
	}

	if mosaicOut != "" {
		if err := list.Save(mosaicOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %d ROIs (%s..%s) to %s\n",
			okStyle.Render("wrote"), len(names), names[0], names[len(names)-1], mosaicOut)
		return nil
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(list); err != nil {
		return err
	}
	return enc.Close()
}

// parsePosition reads "X,Y,Z"; Z may be omitted.
func parsePosition(s string) (device.Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return device.Position{}, fmt.Errorf("position %q: want X,Y[,Z]", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return device.Position{}, fmt.Errorf("position %q: %w", s, err)
		}
		v[i] = f
	}
	return device.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

// parseSize reads "NXxNY".
func parseSize(s string) (int, int, error) {
	a, b, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want NXxNY", s)
	}
	nx, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	ny, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	return nx, ny, nil
}
