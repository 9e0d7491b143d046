package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"

	"github.com/hubertat/swboard"
	"github.com/hubertat/swboard/board"
	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/drivers"
)

var (
	Version string
	Build   string
)

func pin(p uint16) *uint16 { return &p }

func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("swboard mock instance for testing purposes, should work on MacOs")

	sb := &swboard.SwBoard{
		Name:        "swboard mock",
		HkPin:       "88008800",
		HkDirectory: "./mock_homekit",
		HttpAddr:    "127.0.0.1:8095",
		HttpToken:   "mock",
		FakeDriver:  &drivers.MockIoDriver{},
		Boards: []board.Config{
			{
				Name:       "panel",
				Kind:       board.KindCombined,
				DriverName: "mock_driver",
				Chips:      2,
				Register:   &chips.RegisterLines{Data: 17, Clock: 27, Latch: 22},
				ReadPin:    pin(4),
				Interval:   "500ms",
				Channels: []board.ChannelSpec{
					{Name: "button", Role: board.RoleInput, Position: 0},
					{Name: "window", Role: board.RoleInput, Position: 1},
					{Name: "light", Role: board.RoleOutput, Bit: 8},
					{Name: "fan", Role: board.RoleOutput, Bit: 9},
				},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := sb.InitDrivers(ctx)
	defer sb.Close()
	if err != nil {
		panic(err)
	}
	err = sb.InitBoards(ctx)
	if err != nil {
		panic(err)
	}

	sb.FakeDriver.MonitorStateChanges(os.Stdout)

	if _, err := sb.StartControl(); err != nil {
		panic(err)
	}

	sb.PrintIoStatus(os.Stdout)

	log.Info("starting mock with HomeKit service")
	log.Fatal("HomeKit server stopped", "err", sb.StartHomeKit(ctx, "mock: "+Version))
}
