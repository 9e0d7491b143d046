package swboard

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"
	"time"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hklog "github.com/brutella/hap/log"
	"github.com/brutella/hap/service"
	"github.com/pkg/errors"

	"github.com/hubertat/swboard/board"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "swboard"
const homeKitBridgeAuthor = "github.com/hubertat"
const faultSyncInterval = 5 * time.Second

const (
	contactDetected    = 0
	contactNotDetected = 1
)

// hkBoard keeps the HomeKit side of one board: binary outputs as outlets,
// binary inputs as contact sensors, each carrying a fault flag raised while
// the board runs in emulation.
type hkBoard struct {
	bc          *board.Controller
	outlets     map[string]*accessory.Outlet
	contacts    map[string]*service.ContactSensor
	faults      []*characteristic.StatusFault
	accessories []*accessory.A
}

func uniqueId(kind, boardName, signal string) uint64 {
	hash := fnv.New64()
	hash.Write([]byte(kind + "_" + boardName + "_" + signal))
	return hash.Sum64()
}

func newHkBoard(ctx context.Context, bc *board.Controller, firmwareVersion string) *hkBoard {
	hb := &hkBoard{
		bc:       bc,
		outlets:  make(map[string]*accessory.Outlet),
		contacts: make(map[string]*service.ContactSensor),
	}

	for _, spec := range bc.Channels() {
		info := accessory.Info{
			Name:     bc.Name() + " " + spec.Name,
			Firmware: firmwareVersion,
		}
		fault := characteristic.NewStatusFault()
		fault.SetValue(characteristic.StatusFaultNoFault)

		switch {
		case spec.Role == board.RoleOutput:
			info.SerialNumber = fmt.Sprintf("outlet:%s:%02d", bc.Name(), spec.Bit)
			hk := accessory.NewOutlet(info)
			hk.Id = uniqueId("Outlet", bc.Name(), spec.Name)
			hk.Outlet.AddC(fault.C)

			name := spec.Name
			hk.Outlet.On.OnValueRemoteUpdate(func(on bool) {
				value := 0
				if on {
					value = 1
				}
				if err := bc.SetOutputs(ctx, map[string]int{name: value}); err != nil {
					logger.Error("HomeKit write rejected", "board", bc.Name(), "signal", name, "err", err)
				}
			})

			hb.outlets[spec.Name] = hk
			hb.accessories = append(hb.accessories, hk.A)

		case !spec.Analog:
			info.SerialNumber = fmt.Sprintf("contact:%s:%s", bc.Name(), spec.Name)
			hk := accessory.New(info, accessory.TypeSensor)
			hk.Id = uniqueId("Contact", bc.Name(), spec.Name)
			contact := service.NewContactSensor()
			contact.AddC(fault.C)
			hk.AddS(contact.S)

			hb.contacts[spec.Name] = contact
			hb.accessories = append(hb.accessories, hk)

		default:
			continue
		}
		hb.faults = append(hb.faults, fault)
	}

	hb.syncAll()
	return hb
}

func (hb *hkBoard) set(name string, value any) {
	on := value == 1
	if outlet, found := hb.outlets[name]; found {
		outlet.Outlet.On.SetValue(on)
	}
	if contact, found := hb.contacts[name]; found {
		if on {
			contact.ContactSensorState.SetValue(contactNotDetected)
		} else {
			contact.ContactSensorState.SetValue(contactDetected)
		}
	}
}

func (hb *hkBoard) syncAll() {
	for name, value := range hb.bc.Store().Snapshot() {
		hb.set(name, value)
	}
	hb.syncFault()
}

func (hb *hkBoard) syncFault() {
	fault := characteristic.StatusFaultNoFault
	if hb.bc.Status().Emulation {
		fault = characteristic.StatusFaultGeneralFault
	}
	for _, f := range hb.faults {
		f.SetValue(fault)
	}
}

// follow mirrors attribute changes and the emulation state until ctx ends.
func (hb *hkBoard) follow(ctx context.Context) {
	sub := hb.bc.Store().Subscribe()
	ticker := time.NewTicker(faultSyncInterval)

	go func() {
		defer sub.Unsubscribe()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.Channel():
				if !ok {
					return
				}
				hb.set(change.Name, change.Value)
			case <-ticker.C:
				hb.syncFault()
			}
		}
	}()
}

func (sb *SwBoard) GetHkAccessories(ctx context.Context, firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, bc := range sb.boards {
		if bc.Config().DisableHomekit {
			continue
		}
		hb := newHkBoard(ctx, bc, firmwareVersion)
		hb.follow(ctx)
		acc = append(acc, hb.accessories...)
	}

	return
}

func (sb *SwBoard) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := sb.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(sb.HkDirectory) > 1 {
		store = hap.NewFsStore(sb.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}

	ctx, cancel := context.WithCancel(ctx)

	hkServer, err := hap.NewServer(store, bridge.A, sb.GetHkAccessories(ctx, firmwareVersion)...)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = sb.HkPin
	if len(sb.HkAddress) > 0 {
		hkServer.Addr = sb.HkAddress
	}

	if sb.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-c:
		case <-ctx.Done():
		}
		signal.Stop(c)
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}
