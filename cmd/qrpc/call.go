package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qrpc/client"
	"qrpc/loadbalance"
	"qrpc/registry"
	"qrpc/transport"
)

var (
	callAddr    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <name> [json]",
	Short: "Call an operation and print every reply",
	Long: `Call sends one request and prints each reply as a JSON line.
Without --addr the target is discovered through the configured etcd endpoints.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload: %w", err)
			}
		}

		c, closeAll, err := newClient()
		if err != nil {
			return err
		}
		defer closeAll()

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()
		replies, err := c.Stream(ctx, "", args[0], payload)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r, ok := <-replies:
				if !ok {
					return nil
				}
				if r.Err != nil {
					return r.Err
				}
				if r.Data != nil || !r.Last {
					out, err := json.Marshal(r.Data)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
			}
		}
	},
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "server address, host:port")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "how long to wait for the call")
	rootCmd.AddCommand(callCmd)
}

// newClient returns a client and a function releasing it with its registry.
func newClient() (*client.Client, func(), error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithTransportOptions(transport.WithPauseThreshold(cfg.Client.PauseThreshold)),
	}
	if callAddr != "" {
		c, err := client.Dial(callAddr, opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
	if len(cfg.Etcd) == 0 {
		return nil, nil, fmt.Errorf("either --addr or etcd endpoints in the config are required")
	}
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd, registry.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	c := client.NewClient(reg, append(opts, client.WithBalancer(bal))...)
	return c, func() {
		c.Close()
		reg.Close()
	}, nil
}
