package meter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxTwelveWayChannel = 12

var (
	ErrMissingSubAddress = errors.New("multi-drop uplink without sub-address")
	ErrInvalidSubAddress = errors.New("invalid multi-drop sub-address")
)

// Identity is the logical meter an uplink belongs to.
type Identity struct {
	// DeviceID is persisted as device_id: the raw device id, or gateway_address
	// for multi-drop families.
	DeviceID string
	// Channel is set for multi-drop families only.
	Channel int
	// CacheKey groups uplinks that accumulate into one reading.
	CacheKey string
}

// ResolveKeyAndChannel derives the composite id and channel of a multi-drop
// sub-meter. For the 12-way family the sub-address may carry a channel suffix
// ("35_2" is address 35, channel 2).
func ResolveKeyAndChannel(deviceID, subAddress string, twelveWay bool) (string, int, error) {
	subAddress = strings.TrimSpace(subAddress)
	if subAddress == "" {
		return "", 0, ErrMissingSubAddress
	}

	base, channel := subAddress, 1
	if twelveWay {
		if i := strings.LastIndex(subAddress, "_"); i >= 0 {
			n, err := strconv.Atoi(subAddress[i+1:])
			if err != nil || n < 1 || n > maxTwelveWayChannel {
				return "", 0, fmt.Errorf("%w: channel suffix in %q", ErrInvalidSubAddress, subAddress)
			}
			base, channel = subAddress[:i], n
		}
	}
	if base == "" {
		return "", 0, fmt.Errorf("%w: empty address in %q", ErrInvalidSubAddress, subAddress)
	}

	return deviceID + "_" + base, channel, nil
}

// Identify returns the identity of an uplink for this variant.
func (v *VariantSpec) Identify(deviceID, subAddress string) (Identity, error) {
	if !v.IsMultidrop() {
		return Identity{DeviceID: deviceID, CacheKey: deviceID}, nil
	}

	twelveWay := v.Multidrop == MultidropTwelve
	composite, channel, err := ResolveKeyAndChannel(deviceID, subAddress, twelveWay)
	if err != nil {
		return Identity{}, err
	}

	key := composite
	if twelveWay {
		key = fmt.Sprintf("%s#%d", composite, channel)
	}
	return Identity{DeviceID: composite, Channel: channel, CacheKey: key}, nil
}
