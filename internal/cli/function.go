package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewFunctionCmd создаёт группу команд для функций.
func NewFunctionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "function",
		Aliases: []string{"fn"},
		Short:   "Inspect registered functions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			fns, err := client.ListFunctions(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "TRIGGER", "STEPS", "CONCURRENCY"}
			rows := make([][]string, len(fns))
			for i, f := range fns {
				trigger := f.Trigger.Event
				if f.Trigger.Cron != "" {
					trigger = "cron: " + f.Trigger.Cron
				}
				rows[i] = []string{f.ID, trigger, strconv.Itoa(len(f.Steps)), strconv.Itoa(f.Concurrency)}
			}

			out.Print(headers, rows, fns)
			return nil
		},
	})

	return cmd
}
