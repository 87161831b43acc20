package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/duplex/internal/device"
)

func loopbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Capture, encode, decode and play back locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(false); err != nil {
				return err
			}
			return runSession(cmd.Context(), a, false)
		},
	}
}

func callCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [remote-ip remote-port]",
		Short: "Talk to a peer over UDP",
		Long: "Send captured audio to the remote peer and play what it sends back.\n" +
			"The remote endpoint may also come from net.remote_host and net.remote_port.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("want remote-ip and remote-port, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("remote port %q: %w", args[1], err)
				}
				a.cfg.Net.RemoteHost = args[0]
				a.cfg.Net.RemotePort = port
			}
			if err := a.cfg.Validate(true); err != nil {
				return err
			}
			return runSession(cmd.Context(), a, true)
		},
	}

	cmd.Flags().Int("local-port", a.v.GetInt("net.local_port"), "Local UDP port")
	cmd.Flags().String("remote-host", a.v.GetString("net.remote_host"), "Remote peer IP")
	cmd.Flags().Int("remote-port", a.v.GetInt("net.remote_port"), "Remote peer UDP port")
	for key, flag := range map[string]string{
		"net.local_port":  "local-port",
		"net.remote_host": "remote-host",
		"net.remote_port": "remote-port",
	} {
		if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func devicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := device.List(a.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, info := range infos {
				mark := " "
				if info.Default {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-8s %s\n", mark, info.Kind, info.Name)
			}
			return nil
		},
	}
}
