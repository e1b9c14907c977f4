package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"Replicert/internal/api"
	"Replicert/internal/network"
	"Replicert/internal/replica"
)

func replicaCmd() *cobra.Command {
	var (
		keyPath  string
		dataDir  string
		compress bool
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "replica <server-addr>",
		Short: "Register with a server and store every file it forwards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, priv, err := loadIdentity(keyPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()

			r, err := replica.New(replica.Config{
				ServerAddr: args[0],
				DataDir:    dataDir,
				Compress:   compress,
				Identity:   kp,
				Registry:   reg,
				Transport:  network.Config{PrivateKey: priv},
			})
			if err != nil {
				return fmt.Errorf("create replica:\n%w", err)
			}
			defer r.Close()

			fmt.Printf("replica identity: %s\n", r.PublicKey())

			ctx := cmd.Context()
			if httpAddr != "" {
				status := api.New(api.Config{
					Addr:     httpAddr,
					Status:   api.StatusFunc(func() any { return r.Status() }),
					Objects:  r.Store(),
					Registry: reg,
				})
				if err := status.Run(ctx); err != nil {
					return fmt.Errorf("start http api:\n%w", err)
				}
			}

			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "ed25519 key file (generated if missing, ephemeral if empty)")
	cmd.Flags().StringVar(&dataDir, "data", ".", "directory for stored files")
	cmd.Flags().BoolVar(&compress, "compress", false, "store files zstd-compressed")
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve status and Prometheus metrics on this address")

	return cmd
}
