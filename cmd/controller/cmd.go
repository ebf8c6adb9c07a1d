// Copyright 2025 StreamNative, Inc.
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

package controller

import (
	"context"
	"io"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/streamnative/loadmanager/cmd/flag"
	"github.com/streamnative/loadmanager/common/metric"
	"github.com/streamnative/loadmanager/common/process"
	"github.com/streamnative/loadmanager/controller"
	"github.com/streamnative/loadmanager/controller/admin"
	"github.com/streamnative/loadmanager/controller/model"
	"github.com/streamnative/loadmanager/coordination"
)

var (
	conf       = controller.NewConfig()
	configFile string
	leader     bool

	Cmd = &cobra.Command{
		Use:   "controller",
		Short: "Start the load-balancing controller",
		Long:  `Start the per-broker load-balancing controller replica`,
		RunE:  exec,
	}
)

func init() {
	flag.MetricsAddr(Cmd, &conf.MetricsServiceAddr)
	flag.StoreEndpoints(Cmd, &conf.StoreEndpoints)
	Cmd.Flags().StringVar(&conf.BrokerName, "broker-name", conf.BrokerName, "Advertised host:port of the local broker")
	Cmd.Flags().StringVar(&conf.WebServiceURL, "web-service-url", conf.WebServiceURL, "Web service address of the local broker")
	Cmd.Flags().BoolVar(&leader, "leader", false, "Run the leader-only tasks on this replica")
	Cmd.Flags().StringVarP(&configFile, "conf", "f", "", "Controller config file")
}

func loadConfig() error {
	if configFile == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(&conf, func(c *mapstructure.DecoderConfig) {
		c.ErrorUnused = true
	})
}

func exec(*cobra.Command, []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	process.RunProcess(func() (io.Closer, error) {
		return start()
	})
	return nil
}

type server struct {
	store       coordination.Store
	adminClient admin.ClientProvider
	loadManager *controller.LoadManager
	metrics     *metric.PrometheusMetrics
}

func start() (io.Closer, error) {
	store, err := coordination.NewEtcdStore(coordination.EtcdConfig{
		Endpoints:  conf.StoreEndpoints,
		SessionTTL: conf.StoreSessionTTL,
	})
	if err != nil {
		return nil, err
	}

	adminProvider, err := admin.NewHTTPClientProvider()
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	loadManager, err := controller.NewLoadManager(controller.Options{
		Config:        conf,
		Store:         store,
		AdminProvider: adminProvider,
		// The host probe, the bundle statistics and the leader
		// election live in the broker process embedding this
		// controller; the standalone command runs with static stubs.
		HostUsageSupplier: func(context.Context) (model.SystemResourceUsage, error) {
			return model.SystemResourceUsage{}, nil
		},
		BundleStatsSupplier: func() map[string]*model.NamespaceBundleStats {
			return map[string]*model.NamespaceBundleStats{}
		},
		NamespaceBundleCount: func(string) int { return 0 },
		IsLeader:             func() bool { return leader },
	})
	if err != nil {
		return nil, multierr.Combine(err, adminProvider.Close(), store.Close())
	}

	if err = loadManager.Start(context.Background()); err != nil {
		return nil, multierr.Combine(err, loadManager.Close(), adminProvider.Close(), store.Close())
	}

	metrics, err := metric.Start(conf.MetricsServiceAddr)
	if err != nil {
		return nil, multierr.Combine(err, loadManager.Close(), adminProvider.Close(), store.Close())
	}

	slog.Info(
		"Load-balancing controller started",
		slog.String("broker", conf.BrokerName),
		slog.Bool("leader", leader),
	)
	return &server{
		store:       store,
		adminClient: adminProvider,
		loadManager: loadManager,
		metrics:     metrics,
	}, nil
}

func (s *server) Close() error {
	return multierr.Combine(
		s.metrics.Close(),
		s.loadManager.Close(),
		s.adminClient.Close(),
		s.store.Close(),
	)
}
