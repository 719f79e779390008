// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/channel"
	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const maxLineBytes = 1 << 20

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send JSON lines from stdin",
	Long: `Read one JSON record per line from stdin, persist them and deliver
them through the shared queue. With --wait the command stays until the queue
is drained or the wait expires; whatever is left is delivered by the next
process that opens the same storage folder.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	f := sendCmd.Flags()
	f.Duration("wait", 0, "How long to wait for delivery before exiting (0 = do not wait)")
	addChannelFlags(f)

	viper.BindPFlags(f)
}

func runSend(cmd *cobra.Command, args []string) error {
	utils.LoadConfiguration("relay", false)

	cfg, err := loadChannelConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Codec != nil && cfg.Codec.Name() != telemetry.JSONLines.Name() {
		return fmt.Errorf("send reads JSON lines; codec %q cannot carry them unchanged", cfg.Codec.Name())
	}

	ch, err := channel.New(cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	n, err := sendLines(cmd.Context(), cmd.InOrStdin(), ch)
	if err != nil {
		return err
	}
	if err := ch.Flush(cmd.Context()); err != nil {
		return err
	}
	logger.Info().Int("records", n).Str("folder", ch.StorageUniqueFolder()).Msg("records queued")

	if wait := NewFlagLoader(cmd).Duration("wait"); wait > 0 {
		if err := waitForDrain(cmd.Context(), ch, wait); err != nil {
			return err
		}
	}
	return nil
}

// sendLines hands every non-blank line to the channel as a raw record. It
// flushes whenever the buffer is full so that no line is dropped.
func sendLines(ctx context.Context, r io.Reader, ch *channel.Channel) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if ch.BufferedRecords() >= ch.MaxBufferCapacity() {
			if err := ch.Flush(ctx); err != nil {
				return n, err
			}
		}
		ch.Send(telemetry.Raw(bytes.Clone(line)))
		n++
	}
	return n, scanner.Err()
}

func waitForDrain(ctx context.Context, ch *channel.Channel, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := ch.Storage().Stats()
		if err != nil {
			return err
		}
		if st.Files() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "%d transmissions still queued\n", st.Files())
			return nil
		case <-ticker.C:
		}
	}
}
