// Command nnunetprep resolves trained-model preprocessing parameters and
// generates per-stage fixture bundles for cross-implementation validation.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"nnunetprep/internal/models"
	"nnunetprep/pkg/config"
	"nnunetprep/pkg/fixture"
	"nnunetprep/pkg/params"
	"nnunetprep/pkg/pipeline"
)

func main() {
	root := &cobra.Command{
		Use:           "nnunetprep",
		Short:         "Deterministic nnU-Net preprocessing: parameter extraction and fixture generation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newExtractParamsCmd())
	root.AddCommand(newGenerateFixturesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveFlags are the source-document flags shared by both subcommands.
type resolveFlags struct {
	plansPath       string
	fingerprintPath string
	configuration   string
}

func (f *resolveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.plansPath, "plans-json", "", "Path to the plan document (nnUNetPlans.json)")
	cmd.Flags().StringVar(&f.fingerprintPath, "dataset-fingerprint", "", "Path to the dataset fingerprint document")
	cmd.Flags().StringVar(&f.configuration, "configuration", "3d_fullres", "Configuration name to resolve")
	_ = cmd.MarkFlagRequired("plans-json")
	_ = cmd.MarkFlagRequired("dataset-fingerprint")
}

func (f *resolveFlags) resolve() (*params.ResolvedParams, error) {
	plan, err := params.LoadPlanDocument(f.plansPath)
	if err != nil {
		return nil, err
	}
	fingerprint, err := params.LoadFingerprintDocument(f.fingerprintPath)
	if err != nil {
		return nil, err
	}
	return params.Resolve(plan, fingerprint, f.configuration)
}

func newExtractParamsCmd() *cobra.Command {
	var flags resolveFlags
	var outputPath string

	cmd := &cobra.Command{
		Use:   "extract-params",
		Short: "Resolve a named configuration into a flat parameter document",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := flags.resolve()
			if err != nil {
				return err
			}
			if err := resolved.Save(outputPath); err != nil {
				return err
			}

			fmt.Printf("Parameters extracted successfully to %s\n", outputPath)
			fmt.Printf("Configuration: %s\n", resolved.ConfigurationName)
			fmt.Printf("Target spacing: %v\n", resolved.TargetSpacing)
			fmt.Printf("Patch size: %v\n", resolved.PatchSize)
			fmt.Printf("Resampling order (data): %d\n", resolved.ResamplingFnDataKwargs.Order)
			fmt.Printf("Resampling order (Z): %d\n", resolved.ResamplingFnDataKwargs.OrderZ)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&outputPath, "output", "", "Output path for the resolved parameter document")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newGenerateFixturesCmd() *cobra.Command {
	var flags resolveFlags
	var (
		inputNPY   string
		outputDir  string
		configPath string
		spacingStr string
	)

	cmd := &cobra.Command{
		Use:   "generate-fixtures",
		Short: "Run the preprocessing pipeline and persist a per-stage fixture bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("configuration") && cfg.Pipeline.Configuration != "" {
				flags.configuration = cfg.Pipeline.Configuration
			}
			resolved, err := flags.resolve()
			if err != nil {
				return err
			}

			vol, inputName, err := loadInput(inputNPY, spacingStr, cfg, resolved)
			if err != nil {
				return err
			}
			fmt.Printf("Input shape: %v\n", vol.Shape)
			fmt.Printf("Input spacing: %v\n", vol.Spacing)

			logLevel := slog.LevelWarn
			if cfg.Output.Verbose {
				logLevel = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

			p := pipeline.New(resolved,
				pipeline.WithLogger(logger),
				pipeline.WithFixtureCapture(cfg.Pipeline.CaptureFixtures),
			)
			result, err := p.Run(vol, inputName)
			if err != nil {
				return err
			}

			if result.Bundle != nil {
				if outputDir == "" {
					outputDir = cfg.Output.Dir
				}
				if err := result.Bundle.Write(outputDir); err != nil {
					return err
				}
				for _, snap := range result.Bundle.Snapshots {
					fmt.Printf("Saved %s: shape=%v, checksum=%s...\n",
						snap.Name, snap.Meta.Shape, result.Bundle.Checksums[snap.Name][:8])
				}
				fmt.Printf("\nFixtures saved to %s\n", outputDir)
			}
			fmt.Printf("Target spacing: %v\n", resolved.TargetSpacing)
			fmt.Printf("Patch size: %v\n", resolved.PatchSize)
			fmt.Printf("Interpolation orders: data=%d z=%d\n",
				resolved.ResamplingFnDataKwargs.Order, resolved.ResamplingFnDataKwargs.OrderZ)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&inputNPY, "input-npy", "", "Input volume in NPY format (omit to generate a synthetic phantom)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Output directory for the fixture bundle")
	cmd.Flags().StringVar(&configPath, "config", "nnunetprep.yaml", "Runtime configuration file")
	cmd.Flags().StringVar(&spacingStr, "spacing", "", "Input voxel spacing override, e.g. 2.5,0.7,0.7")
	return cmd
}

// loadInput reads the input NPY volume, or builds the seeded synthetic
// phantom when no input is given. Spacing comes from the --spacing
// override, else from the fingerprint's original spacing.
func loadInput(inputNPY, spacingStr string, cfg *config.Config, resolved *params.ResolvedParams) (*models.Volume, string, error) {
	spacing, err := inputSpacing(spacingStr, resolved)
	if err != nil {
		return nil, "", err
	}

	if inputNPY != "" {
		vol, err := fixture.LoadNPY(inputNPY)
		if err != nil {
			return nil, "", err
		}
		vol.Spacing = spacing
		return vol, inputNPY, nil
	}

	rng := rand.New(rand.NewSource(cfg.Synthetic.Seed))
	vol := pipeline.SyntheticVolume(cfg.Synthetic.Shape, spacing, rng)
	return vol, "synthetic_volume", nil
}

func inputSpacing(spacingStr string, resolved *params.ResolvedParams) ([3]float64, error) {
	if spacingStr != "" {
		return parseSpacing(spacingStr)
	}
	if len(resolved.OriginalSpacing) == 3 {
		return [3]float64{resolved.OriginalSpacing[0], resolved.OriginalSpacing[1], resolved.OriginalSpacing[2]}, nil
	}
	return [3]float64{}, fmt.Errorf("no input spacing: fingerprint has no spacing and --spacing not given")
}

func parseSpacing(s string) ([3]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return [3]float64{}, fmt.Errorf("spacing must have 3 comma-separated components, got %q", s)
	}
	var spacing [3]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return [3]float64{}, fmt.Errorf("invalid spacing component %q: %w", part, err)
		}
		spacing[i] = v
	}
	return spacing, nil
}
