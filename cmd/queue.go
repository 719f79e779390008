// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect a storage folder",
	Long: `Inspect the transmissions waiting in a storage folder. The commands
take the folder lock only briefly, so they are safe to run next to live
channels.`,
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending and leased transmissions",
	RunE:  runQueueLs,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize queue usage against its quotas",
	RunE:  runQueueStats,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every pending transmission",
	Long: `Delete every pending transmission. Transmissions currently leased by a
running channel are left alone.`,
	RunE: runQueuePurge,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLsCmd, queueStatsCmd, queuePurgeCmd)

	pf := queueCmd.PersistentFlags()
	addStorageFlags(pf)
	pf.StringP("output", "o", "table", "Output format (table, json, yaml)")

	viper.BindPFlags(pf)
}

func openQueue(cmd *cobra.Command) (*storage.Storage, error) {
	utils.LoadConfiguration("relay", false)
	f := NewFlagLoader(cmd)
	return storage.Open(storage.Config{
		Root:   f.String("storage_root"),
		Folder: storageFolder(f),
	})
}

func outputFormat(cmd *cobra.Command) (string, error) {
	out, _ := cmd.Flags().GetString("output")
	switch out {
	case "table", "json", "yaml":
		return out, nil
	}
	return "", fmt.Errorf("unknown output format %q", out)
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.List()
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), format, entries, time.Now())
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.Stats()
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), format, s.Dir(), st)
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	s, err := openQueue(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.Purge()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d transmissions from %s\n", n, s.Dir())
	return nil
}

func printEntries(w io.Writer, format string, entries []storage.Entry, now time.Time) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		return yaml.NewEncoder(w).Encode(entries)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tRECORDS\tATTEMPTS\tCREATED\tNEXT ATTEMPT\tENDPOINT")
	for _, e := range entries {
		state := "pending"
		switch {
		case e.Corrupt:
			state = "corrupt"
		case e.Leased:
			state = "leased"
		}
		next := "now"
		if e.NextAttemptAt.After(now) {
			next = humanize.RelTime(e.NextAttemptAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.ID, state, humanize.IBytes(uint64(e.Size)), e.Records, e.Attempts,
			humanize.RelTime(e.CreatedAt, now, "ago", "from now"), next, e.Endpoint)
	}
	return tw.Flush()
}

type statsView struct {
	Dir   string        `json:"dir" yaml:"dir"`
	Stats storage.Stats `json:"stats" yaml:"stats"`
}

func printStats(w io.Writer, format, dir string, st storage.Stats) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statsView{Dir: dir, Stats: st})
	case "yaml":
		return yaml.NewEncoder(w).Encode(statsView{Dir: dir, Stats: st})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Folder:\t%s\n", dir)
	fmt.Fprintf(tw, "Pending:\t%d\n", st.Pending)
	fmt.Fprintf(tw, "Leased:\t%d\n", st.Leased)
	fmt.Fprintf(tw, "Files:\t%d / %d\n", st.Files(), st.MaxFiles)
	fmt.Fprintf(tw, "Bytes:\t%s / %s\n", utils.FormatBytes(st.Bytes), utils.FormatBytes(st.CapacityInBytes))
	return tw.Flush()
}
