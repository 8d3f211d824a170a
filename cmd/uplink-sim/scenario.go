package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

type uplink struct {
	DeviceIdentifier string         `json:"deviceIdentifier"`
	DeviceProfile    string         `json:"deviceProfile,omitempty"`
	Timestamp        string         `json:"timestamp,omitempty"`
	SeverityLevel    string         `json:"severityLevel,omitempty"`
	SubAddress       string         `json:"subAddress,omitempty"`
	PayloadFields    map[string]any `json:"payloadFields,omitempty"`
	Error            *uplinkError   `json:"error,omitempty"`
}

type uplinkError struct {
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// cycle returns one reporting cycle for a simulated site: a three-phase meter
// splitting its reading over two uplinks, a single-phase meter, two channels of
// a 12-way RS-485 gateway and, every tenth cycle, a device error.
func cycle(site, n int, now time.Time, rng *rand.Rand) [][]byte {
	ts := now.UTC().Format(time.RFC3339)
	jitter := func(base float64) float64 {
		return base + rng.Float64()*2 - 1
	}
	energy := float64(1000 + n*3)

	threePhase := fmt.Sprintf("adw300-%03d", site)
	uplinks := []uplink{
		{
			DeviceIdentifier: threePhase,
			DeviceProfile:    "ADW300",
			Timestamp:        ts,
			PayloadFields: map[string]any{
				"Ua": jitter(230), "Ub": jitter(230), "Uc": jitter(230),
				"Ia": jitter(5), "Ib": jitter(5), "Ic": jitter(5),
			},
		},
		{
			DeviceIdentifier: threePhase,
			DeviceProfile:    "ADW300",
			Timestamp:        ts,
			PayloadFields: map[string]any{
				"Pa": jitter(1.1), "Pb": jitter(1.0), "Pc": jitter(0.9), "P": jitter(3.0),
				"EPI": energy, "EPE": float64(n), "F": 50.0,
			},
		},
		{
			DeviceIdentifier: fmt.Sprintf("adw310-%03d", site),
			DeviceProfile:    "ADW310",
			Timestamp:        ts,
			PayloadFields:    map[string]any{"U": jitter(230), "I": jitter(2), "P": jitter(0.45), "EPI": energy / 2},
		},
	}

	gateway := fmt.Sprintf("gw-%03d", site)
	for ch := 1; ch <= 2; ch++ {
		uplinks = append(uplinks, uplink{
			DeviceIdentifier: gateway,
			DeviceProfile:    "RS485-12CH",
			Timestamp:        ts,
			SubAddress:       fmt.Sprintf("35_%d", ch),
			PayloadFields:    map[string]any{"U": jitter(230), "P": jitter(0.2), "EPI": energy / 10},
		})
	}

	if n%10 == 9 {
		uplinks = append(uplinks, uplink{
			DeviceIdentifier: threePhase,
			DeviceProfile:    "ADW300",
			Timestamp:        ts,
			SeverityLevel:    "ERROR",
			Error: &uplinkError{
				Code:        "E17",
				Description: "CT disconnected",
				Context:     map[string]any{"phase": "B"},
			},
		})
	}

	bodies := make([][]byte, 0, len(uplinks))
	for _, u := range uplinks {
		body, err := json.Marshal(u)
		if err != nil {
			continue
		}
		bodies = append(bodies, body)
	}
	return bodies
}
