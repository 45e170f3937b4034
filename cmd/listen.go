package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/internal/env"
)

var (
	// The realtime endpoint to connect to
	listenURL string

	// The channel to attach and subscribe to
	listenChannel string

	// The port the debug HTTP surface listens on
	httpPort string
)

func init() {
	flags := ListenCmd.PersistentFlags()

	flags.StringVarP(&listenURL, "url", "u", "", "The realtime endpoint to connect to")
	flags.StringVarP(&listenChannel, "channel", "c", "", "The channel to subscribe to")
	flags.StringVar(&httpPort, "http-port", "7372", "The port the debug HTTP surface listens on")
}

var ListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Attach to a channel and print its messages",
	Long: `Attach to a channel and print its messages

Usage
	beacon listen --channel weather

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		url := listenURL
		if url == "" {
			url = conf.RealtimeURL
		}

		if listenChannel == "" {
			return errors.New("a channel is required, pass --channel")
		}

		clientID := conf.ClientID
		if clientID == "" {
			clientID = "beacon-cli-" + uuid.NewString()
		}

		realtime, err := client.New(client.Options{
			URL:      url,
			Key:      conf.Key,
			ClientID: clientID,
			Format:   conf.Format,
			Trace:    conf.Trace,
			Log:      log,
		})
		if err != nil {
			return err
		}

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := realtime.Connection.Connect(connectCtx); err != nil {
			return err
		}

		ch := realtime.Channels.Get(listenChannel)
		if err := ch.Attach(connectCtx); err != nil {
			return err
		}

		sub := ch.Subscribe("")
		defer sub.Unsubscribe()

		log.Info("Listening",
			zap.String("url", url),
			zap.String("channel", listenChannel),
			zap.String("connectionId", realtime.Connection.ID()))

		group, groupCtx := errgroup.WithContext(ctx)

		var server *http.Server
		if conf.DebugHTTP {
			router := setupRouter(log)

			router.GET("/state", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{
					"connection": realtime.Connection.State().String(),
					"channel":    ch.State().String(),
				})
			})

			server = &http.Server{
				Addr:    net.JoinHostPort("127.0.0.1", httpPort),
				Handler: router,
			}

			group.Go(func() error {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})
		}

		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil

				case m, ok := <-sub.Messages():
					if !ok {
						return nil
					}

					fmt.Printf("[%s] %s: %v\n", listenChannel, m.Name, m.Data)
				}
			}
		})

		<-ctx.Done()
		signalStop()

		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := realtime.Connection.Close(shutdownCtx); err != nil {
			log.Error("Connection did not close cleanly", zap.Error(err))
		}

		return group.Wait()
	},
}

func setupRouter(log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(ginzap.Ginzap(log, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
