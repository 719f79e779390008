// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net/http"

	"github.com/LeeDigitalWorks/relay/pkg/channel"
	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addStorageFlags registers the flags that locate a storage folder. The
// queue commands need only these.
func addStorageFlags(f *pflag.FlagSet) {
	f.String("storage_root", storage.DefaultRoot(), "Parent directory of storage folders")
	f.String("storage_folder", "", "Storage folder name (default derived from executable and user)")
}

// addChannelFlags registers everything New needs.
func addChannelFlags(f *pflag.FlagSet) {
	addStorageFlags(f)

	f.String("endpoint", channel.DefaultEndpoint, "Collector URL transmissions are posted to")
	f.Int("max_buffer_capacity", channel.DefaultMaxBufferCapacity, "Records held in memory before an early flush")
	f.String("max_storage_capacity", "10MiB", "Bytes of pending transmissions kept on disk")
	f.Uint32("max_storage_files", storage.DefaultMaxFiles, "Pending transmissions kept on disk")
	f.String("min_free_space", "", "Refuse to persist below this free disk space (percent or size, e.g. '5' or '500MiB')")
	f.Duration("lease_timeout", storage.DefaultLeaseTimeout, "Time after which an unrenewed lease is reclaimed")

	f.Duration("flush_interval", channel.DefaultFlushInterval, "Maximum time records wait in memory")
	f.Duration("sending_interval", 0, "Pause between successful sends per worker")
	f.Int("senders", channel.DefaultSendersCount, "Concurrent delivery workers")
	f.Duration("idle_interval", channel.DefaultIdleInterval, "Poll interval while storage is empty")
	f.Duration("backoff_base", channel.DefaultBaseBackoff, "Delay after the first failed attempt")
	f.Duration("backoff_max", channel.DefaultMaxBackoff, "Ceiling for retry delays")
	f.Duration("shutdown_grace", channel.DefaultShutdownGrace, "Time in-flight sends get to finish on shutdown")
	f.Duration("send_timeout", channel.DefaultSendTimeout, "Timeout of one delivery request")

	f.Bool("developer_mode", false, "Send every record immediately, bypassing storage")
	f.String("codec", "json", "Batch codec (json, msgpack, cbor)")
	f.String("compression", "gzip", "Payload compression (none, gzip, zstd, lz4, s2)")
}

func storageFolder(f *FlagLoader) string {
	if folder := f.String("storage_folder"); folder != "" {
		return folder
	}
	return storage.DefaultFolderName()
}

func loadChannelConfig(cmd *cobra.Command) (channel.Config, error) {
	f := NewFlagLoader(cmd)

	capacity, err := utils.ParseByteSize(f.String("max_storage_capacity"))
	if err != nil {
		return channel.Config{}, err
	}

	var minFree *utils.FreeSpace
	if s := f.String("min_free_space"); s != "" {
		if minFree, err = utils.ParseMinFreeSpace(s); err != nil {
			return channel.Config{}, fmt.Errorf("min_free_space %q: %w", s, err)
		}
	}

	codec, err := telemetry.CodecByName(f.String("codec"))
	if err != nil {
		return channel.Config{}, err
	}
	algo, err := compression.ParseAlgorithm(f.String("compression"))
	if err != nil {
		return channel.Config{}, err
	}

	sendTimeout := f.Duration("send_timeout")
	if sendTimeout <= 0 {
		sendTimeout = channel.DefaultSendTimeout
	}

	return channel.Config{
		EndpointAddress:                f.String("endpoint"),
		StorageRoot:                    f.String("storage_root"),
		StorageFolder:                  storageFolder(f),
		MaxBufferCapacity:              f.Int("max_buffer_capacity"),
		MaxTransmissionStorageCapacity: capacity,
		MaxTransmissionStorageFiles:    f.Uint32("max_storage_files"),
		MinFreeSpace:                   minFree,
		LeaseTimeout:                   f.Duration("lease_timeout"),
		FlushInterval:                  f.Duration("flush_interval"),
		SendingInterval:                f.Duration("sending_interval"),
		SendersCount:                   f.Int("senders"),
		IdleInterval:                   f.Duration("idle_interval"),
		Backoff: channel.Backoff{
			Base:   f.Duration("backoff_base"),
			Max:    f.Duration("backoff_max"),
			Jitter: channel.DefaultBackoffJitter,
		},
		ShutdownGrace: f.Duration("shutdown_grace"),
		DeveloperMode: f.Bool("developer_mode"),
		Codec:         codec,
		Compression:   algo,
		HTTPClient:    &http.Client{Timeout: sendTimeout},
		UserAgent:     UserAgent(),
	}, nil
}
