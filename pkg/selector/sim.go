// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package selector

// NewSim returns a selector over a no-op actuator, for tests and the
// demo binary. springBack is returned from every FilamentRelease.
func NewSim(gates int, springBack float64) Selector {
	offsets := make([]float64, gates)
	for i := range offsets {
		offsets[i] = float64(i) * 21.0
	}
	sel, _ := New(Config{
		Variant:     VariantLinearServo,
		GateOffsets: offsets,
	}, Actuator{
		MoveTo:   func(float64) error { return nil },
		HomeAxis: func() error { return nil },
		SetServo: func(Grip) error { return nil },
		SpringBack: func() (float64, error) {
			return springBack, nil
		},
	})
	return sel
}
