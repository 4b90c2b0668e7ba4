package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"labcore/pkg/config"
	"labcore/pkg/experiment"
	"labcore/pkg/procedures"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check plan, ROI, injection and instrument files",
	Long: `Parse and validate documents without running anything. The kind is taken
from --kind, or guessed from the file: .cfg files are instrument
configurations, other files need --kind.`,
	Args: cobra.MinimumNArgs(1),
	// works without a daemon or settings file
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runValidate,
}

var validateKind string

var validators = map[string]func(path string) error{
	"plan": func(path string) error {
		_, err := experiment.LoadPlan(path)
		return err
	},
	"injections": func(path string) error {
		_, err := experiment.LoadInjections(path)
		return err
	},
	"rois": func(path string) error {
		_, err := experiment.LoadROIList(path)
		return err
	},
	"instrument": validateInstrument,
}

func init() {
	validateCmd.Flags().StringVarP(&validateKind, "kind", "k", "", "document kind: plan, injections, rois or instrument")
}

// validateInstrument checks the fixed sections, every task section and
// that no option is left unused.
func validateInstrument(path string) error {
	inst, err := config.LoadInstrument(path)
	if err != nil {
		return err
	}
	if _, err := procedures.NewRegistry(&procedures.Env{}).Load(inst.Raw); err != nil {
		return err
	}
	return inst.Raw.CheckUnused()
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		kind := validateKind
		if kind == "" && strings.EqualFold(filepath.Ext(path), ".cfg") {
			kind = "instrument"
		}
		check, ok := validators[kind]
		if !ok {
			return fmt.Errorf("%s: unknown kind %q, use --kind", path, kind)
		}
		if err := check(path); err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", errorStyle.Render("FAIL"), path, err)
			continue
		}
		fmt.Fprintf(w, "%s   %s\n", okStyle.Render("ok"), path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(args))
	}
	return nil
}
