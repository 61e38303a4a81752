// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MatthiasValvekens/usbip-vhci/driver"
	"github.com/MatthiasValvekens/usbip-vhci/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const dialTimeout = 10 * time.Second

// cli carries the state shared by all commands.
type cli struct {
	v      *viper.Viper
	logger log.Logger
	logOut io.Writer
	dialer usbip.Dialer

	// openVHCI is replaced in tests
	openVHCI func() (driver.VHCIDriver, error)
}

func newCLI() *cli {
	c := &cli{
		v:      viper.New(),
		logger: log.NewNopLogger(),
		logOut: os.Stderr,
		dialer: usbip.NetDialer{Timeout: dialTimeout},
	}
	c.openVHCI = c.openController
	return c
}

func (c *cli) openController() (driver.VHCIDriver, error) {
	var enum driver.DeviceEnumerator
	switch backend := c.v.GetString("backend"); backend {
	case backendSysfs:
		enum = driver.NewHostSysfsEnumerator(c.v.GetString("sysfs-root"))
	case backendUdev:
		udev, err := driver.NewUdevEnumerator()
		if err != nil {
			return nil, errors.Wrap(err, "failed to set up libudev")
		}
		enum = udev
	default:
		return nil, errors.Newf("backend %v unknown; possible values are: %s, %s", backend, backendSysfs, backendUdev)
	}

	vhci, err := driver.Open(enum, c.logger)
	if err != nil {
		if closer, ok := enum.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, errors.Wrap(err, "failed to set up VHCI driver")
	}
	return vhci, nil
}

func (c *cli) withVHCI(fn func(vhci driver.VHCIDriver) error) error {
	vhci, err := c.openVHCI()
	if err != nil {
		return err
	}
	defer func() { _ = vhci.Close() }()
	return fn(vhci)
}

func (c *cli) output() string {
	return c.v.GetString("output")
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "usbip-vhci",
		Short:         "Attach remote USB/IP devices to the local virtual host controller",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(c.v, cmd.Flags()); err != nil {
				return err
			}
			logger, err := newLogger(c.logOut, c.v.GetString("log-level"), c.v.GetString("log-format"))
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
	}
	addGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		newPortsCommand(c),
		newAttachedCommand(c),
		newListCommand(c),
		newAttachCommand(c),
		newDetachCommand(c),
		newServeCommand(c),
	)
	return root
}

func newPortsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show the state of every VHCI port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withVHCI(func(vhci driver.VHCIDriver) error {
				slots, err := vhci.Status()
				if err != nil {
					return err
				}
				return renderPorts(cmd.OutOrStdout(), c.output(), slots)
			})
		},
	}
}

func newAttachedCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "attached",
		Short: "Show the ports that carry a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withVHCI(func(vhci driver.VHCIDriver) error {
				slots, err := vhci.AttachedDevices()
				if err != nil {
					return err
				}
				return renderPorts(cmd.OutOrStdout(), c.output(), slots)
			})
		},
	}
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "The USB/IP host to talk to.")
	cmd.Flags().Int("tcp-port", usbip.DefaultPort, "The port usbipd listens on.")
	_ = cmd.MarkFlagRequired("host")
}

func targetFromFlags(cmd *cobra.Command) (usbip.Target, error) {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("tcp-port")
	t := usbip.Target{Host: host, Port: port}
	if err := validateHost(host); err != nil {
		return t, err
	}
	return t, nil
}

func newListCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the devices a USB/IP host exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := targetFromFlags(cmd)
			if err != nil {
				return err
			}
			conn, err := c.dialer.Dial(cmd.Context(), target)
			if err != nil {
				return err
			}
			defer conn.Close()

			devices, err := conn.List()
			if err != nil {
				return errors.Wrapf(err, "failed to list devices on %s", target)
			}
			return renderRemote(cmd.OutOrStdout(), c.output(), devices)
		},
	}
	addTargetFlags(cmd)
	return cmd
}

func newAttachCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Import a device from a USB/IP host and attach it to a free port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := targetFromFlags(cmd)
			if err != nil {
				return err
			}
			busId, _ := cmd.Flags().GetString("busid")
			return c.withVHCI(func(vhci driver.VHCIDriver) error {
				attached, err := usbip.Import(cmd.Context(), busId, target, vhci, c.dialer, c.logger)
				if err != nil {
					return err
				}
				return renderAttached(cmd.OutOrStdout(), c.output(), *attached)
			})
		},
	}
	addTargetFlags(cmd)
	cmd.Flags().StringP("busid", "b", "", "Bus id of the device on the USB/IP host.")
	_ = cmd.MarkFlagRequired("busid")
	return cmd
}

func newDetachCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detach",
		Short: "Detach the device on a VHCI port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, _ := cmd.Flags().GetUint8("port")
			return c.withVHCI(func(vhci driver.VHCIDriver) error {
				if err := usbip.Detach(cmd.Context(), driver.VirtualPort(port), vhci); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "port %d detached\n", port)
				return err
			})
		},
	}
	cmd.Flags().Uint8P("port", "p", 0, "The VHCI port to detach.")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}
