package cli

import (
	"github.com/spf13/cobra"
)

var vectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "Back up and restore the vector index",
}

func init() {
	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Write every embedding space to one gzipped file",
		Args:  cobra.ExactArgs(1),
		RunE:  runVectorsExport,
	}
	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the index with the contents of an export",
		Args:  cobra.ExactArgs(1),
		RunE:  runVectorsImport,
	}
	for _, cmd := range []*cobra.Command{export, imp} {
		cmd.Flags().String("key", "", "32-byte encryption key")
	}

	vectorsCmd.AddCommand(export, imp)
	RootCmd.AddCommand(vectorsCmd)
}

func runVectorsExport(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Vectors.Export(args[0], key); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"exported": args[0], "items": a.Index.Count()})
}

func runVectorsImport(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Vectors.Import(args[0], key); err != nil {
		return err
	}
	var spaces []string
	for _, s := range a.Vectors.Spaces() {
		spaces = append(spaces, s.String())
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"imported": args[0], "spaces": spaces})
}
