package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"Replicert/internal/api"
	"Replicert/internal/identity"
	"Replicert/internal/network"
	"Replicert/internal/server"
)

func serverCmd() *cobra.Command {
	var (
		keyPath        string
		httpAddr       string
		replicaTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "server <port>",
		Short: "Run the server, accepting replicas and client uploads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, priv, err := loadIdentity(keyPath)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()

			srv, err := server.New(server.Config{
				ListenAddr:     listenAddr(args[0]),
				Identity:       kp,
				ReplicaTimeout: replicaTimeout,
				Registry:       reg,
				Transport:      network.Config{PrivateKey: priv},
				OnReplica: func(replica, aggregate identity.PublicKey) {
					fmt.Printf("replica %s joined, server identity: %s\n", replica, aggregate)
				},
			})
			if err != nil {
				return fmt.Errorf("create server:\n%w", err)
			}

			l, err := srv.Listen()
			if err != nil {
				return err
			}

			fmt.Printf("server identity: %s\n", srv.AggregateIdentity())

			ctx := cmd.Context()
			if httpAddr != "" {
				status := api.New(api.Config{
					Addr:     httpAddr,
					Status:   api.StatusFunc(func() any { return srv.Status() }),
					Registry: reg,
				})
				if err := status.Run(ctx); err != nil {
					return fmt.Errorf("start http api:\n%w", err)
				}
			}

			return srv.Serve(ctx, l)
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "ed25519 key file (generated if missing, ephemeral if empty)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve status and Prometheus metrics on this address")
	cmd.Flags().DurationVar(&replicaTimeout, "replica-timeout", 0, "fail an upload when a replica takes longer to attest (0 waits forever)")

	return cmd
}

// listenAddr accepts a bare port or a full host:port.
func listenAddr(arg string) string {
	if strings.Contains(arg, ":") {
		return arg
	}

	return ":" + arg
}
