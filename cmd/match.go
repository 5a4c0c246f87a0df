package cmd

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/facetag/internal/frame"
	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/spf13/cobra"
)

var matchSource personsSource

var matchCmd = &cobra.Command{
	Use:   "match <image_path>",
	Short: "Recognise the most confident person in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMatch(cmd.Context(), args[0])
	},
}

func init() {
	matchSource.register(matchCmd.Flags())
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, imagePath string) error {
	img, err := decodeImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image", err, nil)
		return err
	}

	m, err := startMatcher(ctx, matchSource)
	if err != nil {
		utils.ShowError("Failed to start matcher", err, nil)
		return err
	}
	defer m.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	res, err := m.RunOneFace(ctx, img, Cfg.Recognition.Threshold)
	if err != nil {
		utils.ShowError("Face recognition failed", err, nil)
		return err
	}

	state := recognition.MatchState{Name: res.Name, Score: res.Score}
	if state.IsUnknown() {
		fmt.Println("❌ No match above threshold.")
	} else {
		fmt.Printf("✅ Found Match: %s\n", state.DisplayText())
	}
	return nil
}

func decodeImage(path string) (*frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// jpeg, png, bmp and webp decoders are registered by the matcher package
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return frame.FromImage(src), nil
}
