// Package swboard wires pin drivers, boards and their remote surfaces
// (MQTT, HTTP control, HomeKit) from one configuration file.
package swboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hubertat/swboard/attr"
	"github.com/hubertat/swboard/board"
	"github.com/hubertat/swboard/control"
	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/mqtt"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "swboard",
	Level:  log.GetLevel(),
})

type SwBoard struct {
	Name string

	Boards []board.Config

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string
	MqttPrefix string

	HttpAddr  string
	HttpToken string

	Gpio       *drivers.GpIO
	Mcp23017   *drivers.McpIO
	Periph     *drivers.PeriphIO
	FakeDriver *drivers.MockIoDriver

	pinDrivers map[string]drivers.PinDriver
	boards     []*board.Controller
	mqttClient *mqtt.MqttClient
	control    *control.Server
	cancel     context.CancelFunc
}

// LoadConfig reads a JSON config, or YAML when the file ends in .yaml/.yml.
func LoadConfig(path string) (*SwBoard, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read config file %s", path)
	}

	sb := &SwBoard{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buff, sb)
	default:
		err = json.Unmarshal(buff, sb)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed unmarshalling config %s", path)
	}
	return sb, nil
}

func (sb *SwBoard) Controllers() []*board.Controller {
	return sb.boards
}

func (sb *SwBoard) InitDrivers(ctx context.Context) error {
	sb.pinDrivers = make(map[string]drivers.PinDriver)

	if sb.Gpio != nil {
		sb.pinDrivers[sb.Gpio.String()] = sb.Gpio
	}

	if sb.Mcp23017 != nil {
		sb.pinDrivers[sb.Mcp23017.String()] = sb.Mcp23017
	}

	if sb.Periph != nil {
		sb.pinDrivers[sb.Periph.String()] = sb.Periph
	}

	if sb.FakeDriver != nil {
		sb.pinDrivers[sb.FakeDriver.String()] = sb.FakeDriver
	}

	for _, driver := range sb.pinDrivers {
		err := driver.Setup(ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", driver)
		}
	}

	for _, cfg := range sb.Boards {
		if _, found := sb.driver(cfg.DriverName); !found {
			return missingDriver(cfg)
		}
	}

	return nil
}

func missingDriver(cfg board.Config) error {
	known := []string{}
	for name := range drivers.MapAllPinDrivers() {
		if strings.EqualFold(name, cfg.DriverName) {
			return errors.Errorf("board %s: driver %s not set up, add its section to the config", cfg.Name, cfg.DriverName)
		}
		known = append(known, name)
	}
	sort.Strings(known)
	return errors.Errorf("board %s: unknown driver %s (known: %s)", cfg.Name, cfg.DriverName, strings.Join(known, ", "))
}

func (sb *SwBoard) driver(name string) (drivers.PinDriver, bool) {
	for driverName, driver := range sb.pinDrivers {
		if strings.EqualFold(driverName, name) {
			return driver, true
		}
	}
	return nil, false
}

// InitBoards builds every configured board and starts its scan cycle. A board
// whose lines fail to initialize stays registered in emulation so its status
// remains visible; configuration errors abort.
func (sb *SwBoard) InitBoards(ctx context.Context) error {
	ctx, sb.cancel = context.WithCancel(ctx)

	names := make(map[string]bool)
	for _, cfg := range sb.Boards {
		if names[cfg.Name] {
			return errors.Errorf("board name %s used twice", cfg.Name)
		}
		names[cfg.Name] = true

		driver, found := sb.driver(cfg.DriverName)
		if !found {
			return missingDriver(cfg)
		}

		bc, err := board.NewController(cfg, driver, attr.NewStore(0), nil)
		if err != nil {
			return errors.Wrapf(err, "board %s", cfg.Name)
		}
		sb.boards = append(sb.boards, bc)

		if err := bc.Init(ctx); err != nil {
			logger.Error("board init failed, continuing in emulation", "board", cfg.Name, "err", err)
		}
	}

	return nil
}

func (sb *SwBoard) Board(name string) *board.Controller {
	for _, bc := range sb.boards {
		if bc.Name() == name {
			return bc
		}
	}
	return nil
}

func (sb *SwBoard) InitMqtt(ctx context.Context) (err error) {
	if len(sb.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	clientId := sb.Name
	if clientId == "" {
		clientId = homeKitBridgeName
	}
	mc, err := mqtt.NewMqttClient(sb.MqttBroker, clientId)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	sb.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, bc := range sb.boards {
		bridge := mqtt.NewBoardBridge(sb.MqttPrefix, bc, mc)
		mqttHandlers = append(mqttHandlers, bridge.Handlers()...)

		name := bc.Name()
		bc.Store().Forward(ctx, bridge, func(change attr.Change, err error) {
			logger.Warn("mqtt publish failed", "board", name, "signal", change.Name, "err", err)
		})
	}

	err = mc.Connect(ctx, mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}

// StartControl serves the HTTP control surface when an address is configured.
func (sb *SwBoard) StartControl() (<-chan error, error) {
	if sb.HttpAddr == "" {
		return nil, errors.New("http address not set")
	}
	if sb.HttpToken == "" {
		return nil, errors.New("http token not set")
	}

	sb.control = control.NewServer(sb.HttpAddr, sb.HttpToken, sb.boards)
	return sb.control.Start(), nil
}

func (sb *SwBoard) Close() (err error) {
	for _, bc := range sb.boards {
		bc.Release()
	}
	if sb.cancel != nil {
		sb.cancel()
	}

	ctx := context.Background()
	if sb.control != nil {
		if closeErr := sb.control.Close(ctx); closeErr != nil {
			err = errors.Wrap(closeErr, "control server")
		}
	}
	if sb.mqttClient != nil {
		if closeErr := sb.mqttClient.Disconnect(ctx); closeErr != nil {
			err = errors.Wrap(closeErr, "mqtt disconnect")
		}
	}

	for _, driver := range sb.pinDrivers {
		if driver != nil {
			closeErr := driver.Close()
			if closeErr != nil {
				err = errors.Wrapf(closeErr, "closing %s", driver)
			}
		}
	}

	return
}

func (sb *SwBoard) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active pin drivers ===")
	for driverName, driver := range sb.pinDrivers {
		fmt.Fprintf(writer, "| driver: %s (ready: %t)\n", driverName, driver.IsReady())
	}
	fmt.Fprintln(writer, "=== boards ===")
	for _, bc := range sb.boards {
		st := bc.Status()
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| board: %s (%s) ready: %t emulation: %t\n", st.Name, st.Kind, st.Ready, st.Emulation)
		if st.Register != "" {
			fmt.Fprintf(writer, "| register: %s\n", st.Register)
		}
		if st.Error != "" {
			fmt.Fprintf(writer, "| error: %s\n", st.Error)
		}
		fmt.Fprintf(writer, "| signals: ")
		names := make([]string, 0, len(st.Signals))
		for name := range st.Signals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(writer, "%s=%v, ", name, st.Signals[name])
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
