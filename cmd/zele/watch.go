package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

var (
	watchMetricsAddr string
	watchPersist     time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	watchCmd.Flags().DurationVar(&watchPersist, "persist-every", time.Minute, "how often to save the local snapshot")
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow realtime updates until interrupted",
	Long:  "Connect to the realtime channel and print notices, store changes and connection state until Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		syncer, stop, err := s.startSync(ctx, zele.NotifierFunc(printNotice))
		if err != nil {
			return err
		}
		defer stop()

		offConn := syncer.Connection().OnConnectionChange(func(up bool) {
			if up {
				fmt.Println("-- connected")
			} else {
				fmt.Println("-- disconnected")
			}
		})
		defer offConn()

		offStore := syncer.Store().Subscribe(func(c zele.Change) {
			if line := describeChange(c); line != "" {
				fmt.Println(line)
			}
		})
		defer offStore()

		fmt.Printf("Watching as %s (%d conversations). Press Ctrl-C to stop.\n",
			s.cfg.Auth.UserID, len(syncer.Store().Conversations()))

		ticker := time.NewTicker(watchPersist)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := syncer.Persist(); err != nil {
					s.log.Warn("periodic persist", zap.Error(err))
				}
			}
		}
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func describeChange(c zele.Change) string {
	switch c.Kind {
	case zele.ChangeMessageAdded:
		if c.Message == nil {
			return ""
		}
		return fmt.Sprintf("+ %s %s: %s", c.ConversationID, c.Message.SenderID, c.Message.Summary().Preview)
	case zele.ChangeMessageUpdated:
		if c.Message != nil && c.Message.Revoked {
			return fmt.Sprintf("~ %s message %s revoked", c.ConversationID, c.Message.ID)
		}
	case zele.ChangeConversationRemoved:
		return fmt.Sprintf("- conversation %s", c.ConversationID)
	case zele.ChangeGroup:
		return fmt.Sprintf("* group %s updated", c.GroupID)
	}
	return ""
}
