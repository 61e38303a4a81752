// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatthiasValvekens/usbip-vhci/manager"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the configured remote devices attached",
		Long: `Keep the configured remote devices attached.

Every refresh interval each configured target is asked for its devices; known
devices that are offered are imported, and attachments whose port went free are
forgotten. Health and metrics are served over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve()
		},
	}
	cmd.Flags().String("listen", ":8080", "The address at which to listen for health and metrics.")
	cmd.Flags().Duration("refresh-interval", manager.DefaultRefreshInterval, "How often to poll the USB/IP targets.")
	return cmd
}

func (c *cli) serve() error {
	knownDevices, err := getConfiguredImports(c.v)
	if err != nil {
		return err
	}
	if len(knownDevices) == 0 {
		return fmt.Errorf("at least one import must be configured")
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	vhci, err := c.openVHCI()
	if err != nil {
		return err
	}
	defer func() { _ = vhci.Close() }()

	dm := manager.NewManager(vhci, c.dialer, c.logger, r)
	if _, err = dm.Register(knownDevices); err != nil {
		return errors.Wrap(err, "failed to register devices")
	}
	if err = dm.Start(); err != nil {
		return errors.Wrapf(err, "error starting device manager")
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := c.v.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = level.Info(c.logger).Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	dm.AddRefreshJob(&g, c.v.GetDuration("refresh-interval"))

	_ = level.Info(c.logger).Log("msg", "starting usbip-vhci", "imports", len(knownDevices), "ports", vhci.NumPorts())
	return g.Run()
}
