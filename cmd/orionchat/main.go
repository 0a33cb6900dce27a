package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"orionchat/internal/app/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := runtime.Start(ctx, runtime.Options{})
	if err != nil {
		log.Fatal("no se pudo iniciar", "err", err)
	}

	log.Info("orionchat iniciado", "addr", run.Config().HTTPAddr)

	run.Wait()

	if err := run.Stop(); err != nil {
		log.Error("error al apagar", "err", err)
		os.Exit(1)
	}
	log.Info("orionchat apagado")
}
