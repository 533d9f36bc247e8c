package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/sdk"
)

func newPushCmd(state *cliState) *cobra.Command {
	var (
		endpoint string
		file     string
		batch    int
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send ticks from a CSV file to a running server",
		Long: `Reads category,symbol,timestamp,value rows from --file (or stdin)
and posts them to the server in batches. Lines starting with # are ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if endpoint == "" {
				endpoint = "http://localhost:" + state.cfg.Server.Port
			}

			client, err := sdk.New(sdk.ClientConfig{
				Endpoint:     endpoint,
				MaxBatchSize: batch,
				Logger:       state.logger,
			})
			if err != nil {
				return err
			}
			if err := client.Start(cmd.Context()); err != nil {
				return err
			}

			n, readErr := pushCSV(in, client)
			if err := client.Stop(cmd.Context()); err != nil {
				return err
			}
			if readErr != nil {
				return readErr
			}

			sent, failed, _ := client.Stats()
			state.logger.Info("push complete", zap.Int("read", n), zap.Int64("sent", sent), zap.Int64("failed", failed))
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d ticks (%d failed)\n", sent, failed)
			if failed > 0 {
				return fmt.Errorf("%d ticks were rejected", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "server base URL (default http://localhost:<server.port>)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file to read (default stdin)")
	cmd.Flags().IntVar(&batch, "batch", 500, "ticks per request")
	return cmd
}

func pushCSV(r io.Reader, client *sdk.Client) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 4
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	n := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		line, _ := reader.FieldPos(0)

		ts, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil {
			return n, fmt.Errorf("line %d: invalid timestamp %q", line, rec[2])
		}
		value, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return n, fmt.Errorf("line %d: invalid value %q", line, rec[3])
		}
		if err := client.Send(rec[0], rec[1], ts, value); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
}
