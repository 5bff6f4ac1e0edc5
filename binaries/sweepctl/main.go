package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	hplog "github.com/hpsched/hpsched/common/log"
	"github.com/hpsched/hpsched/sweep/client"
)

func main() {
	hplog.Init(log.WarnLevel)
	cl, err := client.NewSimpleCLIClient()
	if err != nil {
		log.Fatalf("Cannot initialize sweepctl: %v", err)
	}
	if err := cl.Exec(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
