package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// DefaultAPIURL — адрес stepflow-api по умолчанию.
const DefaultAPIURL = "http://localhost:8080"

// NewRootCmd собирает корневую команду stepflow.
// out и errOut — потоки вывода (nil — stdout и stderr).
func NewRootCmd(version string, out, errOut io.Writer) *cobra.Command {
	var apiURL string
	var jsonOutput bool

	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	rootCmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "Stepflow CLI — send events and inspect durable runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	apiDefault := DefaultAPIURL
	if v := os.Getenv("STEPFLOW_API_URL"); v != "" {
		apiDefault = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", apiDefault, "API server URL (env STEPFLOW_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *Client { return NewClient(apiURL) }
	outputFn := func() *Output { return NewOutput(jsonOutput, out, errOut) }

	rootCmd.AddCommand(
		NewEventCmd(clientFn, outputFn),
		NewRunCmd(clientFn, outputFn),
		NewFunctionCmd(clientFn, outputFn),
	)

	return rootCmd
}
