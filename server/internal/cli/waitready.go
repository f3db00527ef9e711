package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/meartlab/meart/server/internal/api"
)

var errStillStarting = errors.New("server not ready yet")

func buildWaitReadyCommand() *cobra.Command {
	var (
		url         string
		timeout     time.Duration
		maxInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-ready",
		Short: "Wait until a meart server reports ready",
		Long: `Poll GET /readyz with exponential backoff until the server answers
{"ready": true}. Exits non-zero if the deadline passes first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := waitReady(cmd.Context(), &http.Client{Timeout: 5 * time.Second}, url, timeout, maxInterval); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ready after %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:10000/readyz", "readiness probe URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	cmd.Flags().DurationVar(&maxInterval, "max-interval", 5*time.Second, "longest pause between polls")
	return cmd
}

// waitReady polls url until it reports ready or timeout elapses. A 404 is
// permanent: the URL is not a meart readiness probe.
func waitReady(ctx context.Context, client *http.Client, url string, timeout, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}

	probe := func() (api.ReadyzResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return api.ReadyzResponse{}, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return api.ReadyzResponse{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return api.ReadyzResponse{}, backoff.Permanent(fmt.Errorf("%s: not found", url))
		}
		var body api.ReadyzResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return body, fmt.Errorf("decode %s: %w", url, err)
		}
		if resp.StatusCode != http.StatusOK || !body.Ready {
			return body, fmt.Errorf("%w (state %s)", errStillStarting, body.State)
		}
		return body, nil
	}

	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("wait-ready: retrying", "err", err, "next", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("wait-ready: %w", err)
	}
	return nil
}
