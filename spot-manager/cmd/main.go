package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx)
	stop()
	if err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}
