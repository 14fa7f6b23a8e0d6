package kinesis

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const serialByIDDir = "/dev/serial/by-id"

// BenchtopStepperPrefix starts the serial number of every BSC20x controller.
const BenchtopStepperPrefix = "70"

type Device struct {
	Serial string
	Port   string
}

// ListDevices returns the Thorlabs controllers attached over USB.
func ListDevices() ([]Device, error) {
	return listDevices(serialByIDDir)
}

func listDevices(dir string) ([]Device, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, e := range entries {
		// e.g. usb-Thorlabs_APT_Stepper_Motor_Controller_70150504-if00-port0
		name := e.Name()
		if !strings.HasPrefix(name, "usb-Thorlabs") {
			continue
		}
		name = strings.TrimPrefix(name, "usb-")
		if i := strings.Index(name, "-if"); i >= 0 {
			name = name[:i]
		}
		serial := name[strings.LastIndex(name, "_")+1:]
		out = append(out, Device{
			Serial: serial,
			Port:   filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// FindDevice returns the attached device with the given serial number.
func FindDevice(devices []Device, serial string) (Device, bool) {
	for _, d := range devices {
		if d.Serial == serial {
			return d, true
		}
	}
	return Device{}, false
}
