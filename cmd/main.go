package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/api"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/connector"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/mount"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/plugin"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/provider"
	"github.com/capitalonline/cds-volume-plugin/pkg/driver/utils"
	log "github.com/sirupsen/logrus"
)

const (
	PluginName = "cds-volume-plugin"

	dialTimeout     = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

var (
	configFlag    = flag.String("config", common.DefaultConfigFile, "plugin config file")
	socketFlag    = flag.String("socket", "", "docker plugin unix socket")
	endpointsFlag = flag.String("endpoints", "", "comma separated etcd endpoints")
	connectorFlag = flag.String("connector", "", "connector type, osbrick or native")
	hostIDFlag    = flag.String("hostid", "", "instance id of this host, used by the native connector")
	hostNameFlag  = flag.String("hostname", "", "host name of this host, used by the osbrick connector")
	debugFlag     = flag.Bool("debug", false, "debug")
	logTypeFlag   = flag.String("logtype", os.Getenv("LOG_TYPE"), "stdout, host or both")
)

func init() {
	flag.Parse()
}

func fatal(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	log.Error(err)
	utils.SentrySendError(err)
	os.Exit(1)
}

func loadConfig() (common.Config, error) {
	cfg, err := common.LoadConfig(*configFlag)
	if err != nil {
		return cfg, err
	}
	if *socketFlag != "" {
		cfg.Socket = *socketFlag
	}
	if *endpointsFlag != "" {
		cfg.Endpoints = strings.Split(*endpointsFlag, ",")
	}
	if *connectorFlag != "" {
		cfg.Connector = common.ConnectorType(*connectorFlag)
	}
	if *hostIDFlag != "" {
		cfg.InstanceID = *hostIDFlag
	}
	if *hostNameFlag != "" {
		cfg.HostName = *hostNameFlag
	}
	return cfg.Complete()
}

func main() {
	if err := common.SetLogAttribute(*logTypeFlag, PluginName, *debugFlag); err != nil {
		log.Warnf("set log attribute failed, err is: %s", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config failed, err is: %s", err)
	}

	version := common.GetVersion()
	if err := utils.InitSentry(cfg.SentryDSN, version.Version); err != nil {
		log.Warnf("init sentry failed, err is: %s", err)
	}
	log.Infof("Volume Plugin Version: %s", version)
	log.Debugf("Volume Plugin socket: %s", cfg.Socket)
	log.Debugf("Volume Plugin connector: %s", cfg.Connector)
	log.Debugf("Volume Plugin host: %s", cfg.Host)

	for _, ep := range cfg.Endpoints {
		if !utils.ServerReachable(strings.TrimPrefix(strings.TrimPrefix(ep, "http://"), "https://"), dialTimeout) {
			log.Warnf("etcd endpoint %s is not reachable yet", ep)
		}
	}

	cli, err := api.DialEtcd(cfg.Endpoints, dialTimeout)
	if err != nil {
		fatal("connect to etcd %v failed, err is: %s", cfg.Endpoints, err)
	}
	defer cli.Close()

	client := api.NewClient(api.NewEtcdTransport(cli, cli, cfg.KeyPrefix), cfg.ResourceType, cfg.RequestTimeout.Duration)
	conn, err := connector.New(cfg, client)
	if err != nil {
		fatal("create connector %s failed, err is: %s", cfg.Connector, err)
	}
	driver := provider.New(cfg, client, conn, mount.New())
	server := plugin.NewServer(driver)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.Socket)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Infof("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			cli.Close()
			fatal("serve on %s failed, err is: %s", cfg.Socket, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx, cfg.Socket); err != nil {
		log.Errorf("shutdown failed, err is: %s", err)
	}
}
