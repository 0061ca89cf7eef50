package config

import "strings"

// Pin is a parsed pin description for one of the engine's inputs or
// outputs: a filament sensor switch, the sync feedback pair, or an
// espooler PWM output.
type Pin struct {
	Name   string // pin name on the chip ("PA5", "gpio25", "gate_sensor")
	Chip   string // owning chip, "mcu" unless prefixed
	Invert bool   // active-low, from the ! modifier
	Pullup int    // 1 pull-up (^), -1 pull-down (~), 0 none
}

// FullName renders the pin with its chip prefix. Pins on the default
// "mcu" chip render bare.
func (p Pin) FullName() string {
	if p.Chip != "" && p.Chip != "mcu" {
		return p.Chip + ":" + p.Name
	}
	return p.Name
}

// PinOptions declares which modifiers a given option may carry. Sensor
// switch inputs allow both; PWM outputs allow neither.
type PinOptions struct {
	CanInvert bool
	CanPullup bool
}

// ParsePin parses a pin description of the form
//
//	[^|~][!][chip:]name
//
// Modifiers the options do not permit are errors, so a pull-up on a
// PWM output is rejected rather than silently ignored.
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, NewConfigError("", "", "empty pin description")
	}

	p := Pin{Chip: "mcu"}
	for len(d) > 0 {
		mod := d[0]
		if mod != '^' && mod != '~' && mod != '!' {
			break
		}
		switch {
		case mod == '!':
			if !opts.CanInvert {
				return Pin{}, NewConfigError("", "", "pin cannot be inverted: "+desc)
			}
			p.Invert = true
		default:
			if !opts.CanPullup {
				return Pin{}, NewConfigError("", "", "pin cannot have a pullup: "+desc)
			}
			if mod == '^' {
				p.Pullup = 1
			} else {
				p.Pullup = -1
			}
		}
		d = strings.TrimSpace(d[1:])
	}

	if chip, name, found := strings.Cut(d, ":"); found {
		p.Chip = strings.TrimSpace(chip)
		d = strings.TrimSpace(name)
		if p.Chip == "" {
			return Pin{}, NewConfigError("", "", "empty chip name in pin description: "+desc)
		}
	}

	if d == "" {
		return Pin{}, NewConfigError("", "", "empty pin name in description: "+desc)
	}
	if strings.ContainsAny(d, "^~!: \t") {
		return Pin{}, NewConfigError("", "", "invalid characters in pin name: "+desc)
	}
	p.Name = d
	return p, nil
}

// GetPin returns a required pin option.
func (s *Section) GetPin(option string, opts PinOptions, fallback ...Pin) (Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return Pin{}, ErrMissingOption(s.name, option)
	}
	pin, err := ParsePin(v, opts)
	if err != nil {
		return Pin{}, WrapError(s.name, option, err)
	}
	return pin, nil
}

// GetPinOptional returns a pin option, or nil when the option is not
// configured. Fitted-sensor detection keys off that nil.
func (s *Section) GetPinOptional(option string, opts PinOptions) (*Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		return nil, nil
	}
	pin, err := ParsePin(v, opts)
	if err != nil {
		return nil, WrapError(s.name, option, err)
	}
	return &pin, nil
}
