package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/swboard"
)

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file (.json or .yaml)")
	flagInstall = flag.Bool("install", false, "Install service in os")
	logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")

	swbService = servicemaker.ServiceMaker{
		User:               "swboard",
		UserGroups:         []string{"gpio", "spi"},
		ServicePath:        "/etc/systemd/system/swboard.service",
		ServiceDescription: "SwBoard service: shift register and multiplexer board controller. github.com/hubertat/swboard",
		ExecDir:            "/srv/swboard",
		ExecName:           "swboard",
	}
)

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal("bad log level", "level", *logLevel, "err", err)
	}
	log.SetLevel(level)
	log.Info("swboard started", "version", Version, "build", Build)

	if *flagInstall {
		err := swbService.InstallService()
		if err != nil {
			panic(err)
		}
		log.Info("service installed!")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb, err := swboard.LoadConfig(*config)
	if err != nil {
		log.Fatal("can't load config, will terminate", "config", *config, "err", err)
	}

	log.Info("will init drivers...")
	err = sb.InitDrivers(ctx)
	defer sb.Close()
	if err != nil {
		log.Fatal("drivers failed", "err", err)
	}

	log.Info("will init boards...")
	err = sb.InitBoards(ctx)
	if err != nil {
		log.Fatal("boards failed", "err", err)
	}

	if len(sb.MqttBroker) > 0 {
		err = sb.InitMqtt(ctx)
		if err != nil {
			log.Error("mqtt failed, we will proceed...", "err", err)
		}
	}

	var controlErr <-chan error
	if len(sb.HttpAddr) > 0 {
		controlErr, err = sb.StartControl()
		if err != nil {
			log.Fatal("control server failed", "err", err)
		}
	}

	sb.PrintIoStatus(os.Stdout)

	if len(sb.HkPin) == 8 {
		log.Info("Starting with HomeKit server")
		go func() {
			if err := <-controlErr; err != nil {
				log.Error("control server stopped", "err", err)
			}
		}()
		err = sb.StartHomeKit(ctx, Version)
		if err != nil {
			log.Error("HomeKit server stopped", "err", err)
		}
		return
	}

	log.Info("HomeKit not configured, disabled")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		log.Info("terminating")
	case err := <-controlErr:
		log.Error("control server stopped", "err", err)
	}
}
