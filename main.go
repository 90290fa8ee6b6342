package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/certdag/certdag"
	"github.com/gitzhang10/certdag/config"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	validator := certdag.NewValidator(conf)
	if err = validator.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each validator to start
	time.Sleep(time.Second * 15)
	if err = validator.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if err = validator.Init(nil, nil, nil); err != nil {
		panic(err)
	}
	fmt.Println("the validator starts the certdag core!")
	go validator.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	validator.Shutdown()
}
