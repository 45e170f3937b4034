package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luma/beacon/internal/env"
	"github.com/luma/beacon/rest"
)

var (
	historyURL       string
	historyChannel   string
	historyLimit     int
	historyDirection string
)

func init() {
	flags := HistoryCmd.PersistentFlags()

	flags.StringVarP(&historyURL, "url", "u", "", "The REST endpoint to query")
	flags.StringVarP(&historyChannel, "channel", "c", "", "The channel to query history for")
	flags.IntVarP(&historyLimit, "limit", "l", 0, "Page size; 100 when 0")
	flags.StringVar(&historyDirection, "direction", "backwards", "Paging direction: forwards or backwards")
}

var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Query a channel's message history",
	Long: `Query a channel's message history

Usage
	beacon history --channel weather --limit 25

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		url := historyURL
		if url == "" {
			url = conf.RestURL
		}

		if historyChannel == "" {
			return errors.New("a channel is required, pass --channel")
		}

		restClient, err := rest.New(rest.Options{
			URL: url,
			Key: conf.Key,
			Log: log,
		})
		if err != nil {
			return err
		}

		page, err := restClient.History(ctx, historyChannel, rest.Params{
			Limit:     historyLimit,
			Direction: historyDirection,
		})
		if err != nil {
			return err
		}

		for page != nil {
			messages, err := page.Messages(nil)
			if err != nil {
				return err
			}

			for _, m := range messages {
				fmt.Printf("%s %s: %v\n",
					time.UnixMilli(m.Timestamp).Format(time.RFC3339),
					m.Name, m.Data)
			}

			if !page.Has("next") {
				break
			}

			page, err = page.Next(ctx)
			if err != nil {
				return err
			}
		}

		return nil
	},
}
