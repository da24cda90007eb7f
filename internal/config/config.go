// config.go - Client configuration.
// Copyright (C) 2022  Nym Technologies SA
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates the client core's configuration:
// TOML via github.com/BurntSushi/toml, an applyDefaults method run after
// decode, and a Validate method callers run before handing the Config to
// nymclient.New.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nymtech/nymclient-core/internal/sphinxiface"
)

// Defaults, one per tunable.
const (
	DefaultAveragePacketDelayPerHop  = 100 * time.Millisecond
	DefaultAverageAckDelayPerHop     = 100 * time.Millisecond
	DefaultMessageSendingRateInverse = 20 * time.Millisecond
	DefaultLoopCoverRateInverse      = 200 * time.Millisecond
	DefaultAckWaitAddition           = 1500 * time.Millisecond
	DefaultAckWaitMultiplier         = 1.5
	DefaultNumMixHops                = 3
	DefaultReplySURBFreshThreshold   = 20
	DefaultReplySURBMaxAge           = 24 * time.Hour
)

// Config bundles the client core's tunables. Every field has a working
// default; Load applies them to whatever TOML left unset.
type Config struct {
	Debug Debug `toml:"debug"`

	PacketSizeClass sphinxiface.SizeClass `toml:"-"`
	// PacketSizeClassName selects PacketSizeClass from TOML by name
	// ("regular", "extended8k", "extended16k", "extended32k") since the
	// wire enum isn't a natural TOML scalar.
	PacketSizeClassName string `toml:"packet_size_class"`

	AveragePacketDelayPerHop  time.Duration `toml:"average_packet_delay_per_hop"`
	AverageAckDelayPerHop     time.Duration `toml:"average_ack_delay_per_hop"`
	MessageSendingRateInverse time.Duration `toml:"message_sending_rate_inverse"`
	LoopCoverRateInverse      time.Duration `toml:"loop_cover_rate_inverse"`
	AckWaitAddition           time.Duration `toml:"ack_wait_addition"`
	AckWaitMultiplier         float64       `toml:"ack_wait_multiplier"`
	NumMixHops                int           `toml:"num_mix_hops"`
	ReplySURBFreshThreshold   int           `toml:"reply_surb_fresh_threshold"`
	ReplySURBMaxAge           time.Duration `toml:"reply_surb_max_age"`
}

// Debug holds the two debug-only knobs, never intended for production
// use.
type Debug struct {
	DisableMainPoisson bool `toml:"disable_main_poisson"`
	DisableLoopCover   bool `toml:"disable_loop_cover"`
}

// Load decodes raw TOML bytes into a Config, applies defaults to anything
// left unset, and validates the result.
func Load(raw []byte) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.Decode(string(raw), cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse TOML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.resolveSizeClass(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every field at its default, equivalent to
// loading an empty TOML document.
func Default() *Config {
	cfg, err := Load(nil)
	if err != nil {
		panic(fmt.Sprintf("config: default configuration failed to validate: %v", err))
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PacketSizeClassName == "" {
		c.PacketSizeClassName = "regular"
	}
	if c.AveragePacketDelayPerHop <= 0 {
		c.AveragePacketDelayPerHop = DefaultAveragePacketDelayPerHop
	}
	if c.AverageAckDelayPerHop <= 0 {
		c.AverageAckDelayPerHop = DefaultAverageAckDelayPerHop
	}
	if c.MessageSendingRateInverse <= 0 {
		c.MessageSendingRateInverse = DefaultMessageSendingRateInverse
	}
	if c.LoopCoverRateInverse <= 0 {
		c.LoopCoverRateInverse = DefaultLoopCoverRateInverse
	}
	if c.AckWaitAddition <= 0 {
		c.AckWaitAddition = DefaultAckWaitAddition
	}
	if c.AckWaitMultiplier <= 0 {
		c.AckWaitMultiplier = DefaultAckWaitMultiplier
	}
	if c.NumMixHops <= 0 {
		c.NumMixHops = DefaultNumMixHops
	}
	if c.ReplySURBFreshThreshold <= 0 {
		c.ReplySURBFreshThreshold = DefaultReplySURBFreshThreshold
	}
	if c.ReplySURBMaxAge <= 0 {
		c.ReplySURBMaxAge = DefaultReplySURBMaxAge
	}
}

func (c *Config) resolveSizeClass() error {
	switch c.PacketSizeClassName {
	case "regular":
		c.PacketSizeClass = sphinxiface.SizeClassRegular
	case "extended8k":
		c.PacketSizeClass = sphinxiface.SizeClassExtended8K
	case "extended16k":
		c.PacketSizeClass = sphinxiface.SizeClassExtended16K
	case "extended32k":
		c.PacketSizeClass = sphinxiface.SizeClassExtended32K
	default:
		return fmt.Errorf("config: unknown packet_size_class %q", c.PacketSizeClassName)
	}
	return nil
}

// Validate reports whether c's fields describe a usable client. Every
// knob has a default, so Validate only rejects values a caller set
// explicitly to something nonsensical; it never invents a new default.
func (c *Config) Validate() error {
	if c.NumMixHops <= 0 {
		return fmt.Errorf("config: num_mix_hops must be positive, got %d", c.NumMixHops)
	}
	if c.MessageSendingRateInverse <= 0 {
		return fmt.Errorf("config: message_sending_rate_inverse must be positive")
	}
	if c.LoopCoverRateInverse <= 0 {
		return fmt.Errorf("config: loop_cover_rate_inverse must be positive")
	}
	if c.ReplySURBFreshThreshold <= 0 {
		return fmt.Errorf("config: reply_surb_fresh_threshold must be positive, got %d", c.ReplySURBFreshThreshold)
	}
	if c.AckWaitMultiplier <= 0 {
		return fmt.Errorf("config: ack_wait_multiplier must be positive")
	}
	return nil
}
