package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facetag/internal/store"
	"github.com/spf13/cobra"
)

var personsCmd = &cobra.Command{
	Use:         "persons",
	Short:       "List all enrolled persons in the database",
	Annotations: map[string]string{needsDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		persons, err := DB.ListPersons(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list persons: %w", err)
		}
		printPersons(persons)
		return nil
	},
}

var personsRmCmd = &cobra.Command{
	Use:         "rm <name>",
	Short:       "Remove a person and all of their reference faces",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{needsDB: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		err := DB.DeletePerson(cmd.Context(), args[0])
		if errors.Is(err, store.ErrPersonNotFound) {
			return fmt.Errorf("no person named %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("🗑️  Removed %s\n", args[0])
		return nil
	},
}

func init() {
	personsCmd.AddCommand(personsRmCmd)
	rootCmd.AddCommand(personsCmd)
}

func printPersons(persons []store.Person) {
	if len(persons) == 0 {
		fmt.Println("No persons enrolled.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFACES\tENROLLED")
	fmt.Fprintln(w, "--\t----\t-----\t--------")

	for _, p := range persons {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", p.ID, p.Name, p.FaceCount, p.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
