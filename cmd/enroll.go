package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/andresmejia3/facetag/internal/matcher"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	enrollDir    string
	enrollDryRun bool
)

var enrollCmd = &cobra.Command{
	Use:         "enroll",
	Short:       "Embed a persons folder and store the faces in the database",
	Long:        "Reads <persons>/<name>/<image> files, embeds the largest face of each image and stores it under <name>.",
	Annotations: map[string]string{needsDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollDir, "persons", "p", "", "Persons folder (default from config)")
	enrollCmd.Flags().BoolVar(&enrollDryRun, "dry-run", false, "Embed the images but do not write to the database")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command) error {
	ctx := cmd.Context()
	dir := enrollDir
	if dir == "" {
		dir = Cfg.Matcher.PersonsDir
	}

	persons, err := matcher.ListImages(dir)
	if err != nil {
		return err
	}
	total := 0
	for _, files := range persons {
		total += len(files)
	}
	if total == 0 {
		return fmt.Errorf("no images found under %s", dir)
	}
	fmt.Fprintf(os.Stderr, "📂 Found %d images of %d persons in %s\n", total, len(persons), dir)

	m, err := matcher.New(ctx, matcherConfig(Cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🧬 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	skipped := 0
	m.OnImage = func(path string, err error) {
		if err != nil {
			skipped++
		}
		bar.Add(1)
	}

	enrolled, err := m.LoadDatabase(ctx, dir)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\n✅ Embedded %d faces (%d images skipped)\n", len(enrolled), skipped)

	if enrollDryRun {
		return nil
	}

	ids := make(map[string]int)
	for _, f := range enrolled {
		id, ok := ids[f.Name]
		if !ok {
			if id, err = DB.EnsurePerson(ctx, f.Name); err != nil {
				return fmt.Errorf("store person %s: %w", f.Name, err)
			}
			ids[f.Name] = id
		}
		if _, err := DB.InsertFace(ctx, id, f.SourcePath, f.Embedding); err != nil {
			return fmt.Errorf("store face %s: %w", f.SourcePath, err)
		}
	}

	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "🗄️  Stored %d persons: %v\n", len(names), names)
	return nil
}
