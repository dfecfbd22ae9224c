package firmware

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/chaz8081/winkctl/internal/state"
)

// Module is the connected device as seen by the checker.
type Module interface {
	ReadFirmwareVersion(ctx context.Context) (string, error)
	DeviceID() (string, error)
}

// Offer describes an available upgrade.
type Offer struct {
	DeviceID    string
	Installed   string
	Available   string
	Description string
}

// Prompter receives the checker's verdict. Offer opens the upgrade prompt;
// Reset closes an open prompt when the check could not complete.
type Prompter interface {
	Offer(o Offer) error
	Reset()
}

// Source is the update service.
type Source interface {
	Latest(ctx context.Context, deviceID string) (Info, error)
}

// Checker runs the post-connect firmware check.
type Checker struct {
	module   Module
	source   Source
	prompter Prompter
	store    *state.Store
	log      logr.Logger
}

// NewChecker creates a Checker.
func NewChecker(module Module, source Source, prompter Prompter, store *state.Store, log logr.Logger) *Checker {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Checker{
		module:   module,
		source:   source,
		prompter: prompter,
		store:    store,
		log:      log,
	}
}

// Check compares the module's firmware with the update service and returns
// the offer plus whether it is an upgrade. Installed and available versions
// are published to the store whenever both are known.
func (c *Checker) Check(ctx context.Context) (Offer, bool, error) {
	installed, err := c.module.ReadFirmwareVersion(ctx)
	if err != nil {
		return Offer{}, false, fmt.Errorf("firmware: reading installed version: %w", err)
	}
	id, err := c.module.DeviceID()
	if err != nil {
		return Offer{}, false, fmt.Errorf("firmware: device identifier: %w", err)
	}

	info, err := c.source.Latest(ctx, id)
	if err != nil {
		return Offer{}, false, err
	}

	offer := Offer{
		DeviceID:    id,
		Installed:   installed,
		Available:   info.Version,
		Description: info.Description,
	}
	upgrade := UpgradeAvailable(installed, info.Version)

	if c.store != nil {
		c.store.Update(func(s *state.Snapshot) {
			s.Firmware.Installed = installed
			s.Firmware.Available = info.Version
			if upgrade {
				s.Firmware.Description = info.Description
			} else {
				s.Firmware.Description = ""
			}
		})
	}
	return offer, upgrade, nil
}

// Run performs one check for a fresh connection. It never reports errors:
// any failure closes the update prompt and is logged at debug level only.
func (c *Checker) Run(ctx context.Context) {
	offer, upgrade, err := c.Check(ctx)
	if err != nil {
		c.log.V(1).Info("[FW] version check abandoned", "error", err.Error())
		c.prompter.Reset()
		return
	}
	if !upgrade {
		c.log.V(1).Info("[FW] firmware up to date", "installed", offer.Installed, "available", offer.Available)
		return
	}

	c.log.Info("[FW] firmware update available", "installed", offer.Installed, "available", offer.Available)
	if err := c.prompter.Offer(offer); err != nil {
		c.log.V(1).Info("[FW] prompt not opened", "error", err.Error())
	}
}
