package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewEventCmd создаёт группу команд для событий.
func NewEventCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send events",
	}

	cmd.AddCommand(newEventSendCmd(clientFn, outputFn))

	return cmd
}

func newEventSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		data     string
		dataFile string
		fields   []string
		id       string
		ts       int64
	)

	cmd := &cobra.Command{
		Use:   "send NAME",
		Short: "Send an event and print the created runs",
		Example: `  stepflow event send test/hello.world --data '{"email":"a@b.c"}'
  stepflow event send execute/ai --set prompt="Write a haiku" --id evt-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := eventData(data, dataFile, fields)
			if err != nil {
				return err
			}

			res, err := client.SendEvent(cmd.Context(), SendEventRequest{
				Name: args[0],
				Data: payload,
				ID:   id,
				TS:   ts,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Event accepted: %s (%d runs)", res.EventID, len(res.RunIDs)))

			rows := make([][]string, len(res.RunIDs))
			for i, runID := range res.RunIDs {
				rows[i] = []string{res.EventID, runID}
			}
			out.Print([]string{"EVENT_ID", "RUN_ID"}, rows, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "Event data as a JSON object")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Read event data from a JSON file")
	cmd.Flags().StringSliceVar(&fields, "set", nil, "Event data field as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&id, "id", "", "Event ID (generated if empty)")
	cmd.Flags().Int64Var(&ts, "ts", 0, "Event timestamp in unix milliseconds")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")

	return cmd
}

// eventData собирает payload из --data / --data-file и --set.
// Поля --set перекрывают одноимённые ключи JSON.
func eventData(raw, path string, fields []string) (map[string]any, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		raw = string(b)
	}

	var payload map[string]any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid event data: %w", err)
		}
	}

	for _, kv := range fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field format %q, expected KEY=VALUE", kv)
		}
		if payload == nil {
			payload = make(map[string]any)
		}
		payload[key] = value
	}

	return payload, nil
}
