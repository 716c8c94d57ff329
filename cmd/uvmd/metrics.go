// Copyright 2026 The uvmd Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"uvmd.dev/uvmd/pkg/uvm/memalloc"
	"uvmd.dev/uvmd/pkg/uvm/tools"
)

// metricsCmd runs the selftest workload with a prometheus event sink
// and either dumps the resulting counters or serves them over HTTP.
type metricsCmd struct {
	pages  uint
	listen string
}

// Name implements subcommands.Command.Name.
func (*metricsCmd) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*metricsCmd) Synopsis() string {
	return "run the workload with prometheus telemetry"
}

// Usage implements subcommands.Command.Usage.
func (*metricsCmd) Usage() string {
	return "metrics [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *metricsCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.pages, "pages", 64, "pages in the managed mapping")
	f.StringVar(&c.listen, "listen", "", "serve /metrics on this address instead of dumping to stdout")
}

// Execute implements subcommands.Command.Execute.
func (c *metricsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	reg := prometheus.NewRegistry()
	sink := tools.NewPromSink(reg)

	if err := runWorkload(memalloc.LeakCheckBytes, sink, uint64(c.pages)); err != nil {
		logrus.WithError(err).Error("workload failed")
		return subcommands.ExitFailure
	}

	if c.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logrus.WithField("addr", c.listen).Info("serving metrics")
		if err := http.ListenAndServe(c.listen, mux); err != nil {
			logrus.WithError(err).Error("metrics server failed")
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	families, err := reg.Gather()
	if err != nil {
		logrus.WithError(err).Error("gathering metrics failed")
		return subcommands.ExitFailure
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			fmt.Printf("%s%s %v\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
	return subcommands.ExitSuccess
}
