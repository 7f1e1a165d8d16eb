package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"
	"github.com/capitalonline/cds-volume-plugin/pkg/smoke"
	log "github.com/sirupsen/logrus"
)

var (
	cliFlag     = flag.String("cli", "osdsctl", "management CLI")
	nameFlag    = flag.String("name", "vol1", "volume name")
	sizeFlag    = flag.Int64("size", 1, "volume size in GB")
	settleFlag  = flag.Duration("settle", 5*time.Second, "wait before polling the volume status")
	keepFlag    = flag.Bool("keep", false, "do not delete the volume")
	debugFlag   = flag.Bool("debug", false, "debug")
	timeoutFlag = flag.Duration("timeout", 5*time.Minute, "overall timeout")
)

func main() {
	flag.Parse()
	if err := common.SetLogAttribute("stdout", "smoke", *debugFlag); err != nil {
		log.Fatalf("set log attribute failed, err is: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	if err := run(ctx, smoke.NewHarness(*cliFlag)); err != nil {
		log.Errorf("smoke test failed, err is: %s", err)
		os.Exit(1)
	}
	log.Info("smoke test passed")
}

func run(ctx context.Context, h *smoke.Harness) error {
	// Step 1: create
	id, err := h.VolumeCreate(ctx, *nameFlag, *sizeFlag)
	if err != nil {
		return err
	}
	log.Infof("created volume %s with id %s", *nameFlag, id)

	// Step 2: wait until available
	time.Sleep(*settleFlag)
	if err := h.CheckVolumeAvailable(ctx, id); err != nil {
		return err
	}

	// Step 3: delete
	if *keepFlag {
		return nil
	}
	return h.VolumeDelete(ctx, id)
}
