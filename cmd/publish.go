package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/internal/env"
)

var (
	publishURL     string
	publishChannel string
	publishName    string
	publishData    string
	publishFields  []string
)

func init() {
	flags := PublishCmd.PersistentFlags()

	flags.StringVarP(&publishURL, "url", "u", "", "The realtime endpoint to connect to")
	flags.StringVarP(&publishChannel, "channel", "c", "", "The channel to publish to")
	flags.StringVarP(&publishName, "name", "n", "", "The message name")
	flags.StringVarP(&publishData, "data", "d", "", "The message payload as a string")
	flags.StringArrayVarP(&publishFields, "field", "f", nil,
		"Build a structured payload from key=value pairs; dotted keys nest")
}

var PublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one message to a channel",
	Long: `Publish one message to a channel

Usage
	beacon publish --channel weather --name update --data "sunny"
	beacon publish --channel weather --name update -f city=Berlin -f temp.c=21

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

		url := publishURL
		if url == "" {
			url = conf.RealtimeURL
		}

		if publishChannel == "" {
			return errors.New("a channel is required, pass --channel")
		}

		data, err := buildPayload()
		if err != nil {
			return err
		}

		realtime, err := client.New(client.Options{
			URL:      url,
			Key:      conf.Key,
			ClientID: conf.ClientID,
			Format:   conf.Format,
			Trace:    conf.Trace,
			Log:      log,
		})
		if err != nil {
			return err
		}

		if err := realtime.Connection.Connect(ctx); err != nil {
			return err
		}

		ch := realtime.Channels.Get(publishChannel)
		if err := ch.Publish(ctx, publishName, data); err != nil {
			return err
		}

		return realtime.Connection.Close(ctx)
	},
}

// buildPayload turns the --data / --field flags into a payload: a
// plain string, or a structured value assembled field by field.
func buildPayload() (interface{}, error) {
	if len(publishFields) == 0 {
		return publishData, nil
	}

	if publishData != "" {
		return nil, errors.New("--data and --field are mutually exclusive")
	}

	body := []byte(`{}`)

	for _, field := range publishFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, errors.New("fields take the form key=value, got " + field)
		}

		var err error
		body, err = sjson.SetBytes(body, key, value)
		if err != nil {
			return nil, err
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	return payload, nil
}
