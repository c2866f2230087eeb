// Package ble binds the protocol to a real radio through
// tinygo.org/x/bluetooth: advertising chunks on the sending side, and
// collecting fragments from notifications or advertisements on the receiving
// side.
package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// Source delivers raw fragments until ctx is cancelled or the link fails.
type Source interface {
	Listen(ctx context.Context, deliver func([]byte)) error
}

var (
	enableOnce sync.Once
	enableErr  error
)

// Enable powers up the default adapter once per process.
func Enable() (*bluetooth.Adapter, error) {
	enableOnce.Do(func() {
		enableErr = bluetooth.DefaultAdapter.Enable()
	})
	if enableErr != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", enableErr)
	}
	return bluetooth.DefaultAdapter, nil
}

// Advertiser puts payloads on the air as manufacturer data of the default
// advertisement.
type Advertiser struct {
	mu        sync.Mutex
	adapter   *bluetooth.Adapter
	localName string
	companyID uint16
	started   bool
	logger    *logrus.Logger
}

// NewAdvertiser creates an advertiser on adapter.
func NewAdvertiser(adapter *bluetooth.Adapter, localName string, companyID uint16, logger *logrus.Logger) *Advertiser {
	return &Advertiser{
		adapter:   adapter,
		localName: localName,
		companyID: companyID,
		logger:    logger,
	}
}

// SetPayload replaces the advertised manufacturer data with data.
func (a *Advertiser) SetPayload(_ context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	adv := a.adapter.DefaultAdvertisement()
	if a.started {
		if err := adv.Stop(); err != nil {
			return fmt.Errorf("stop advertisement: %w", err)
		}
		a.started = false
	}

	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: a.localName,
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: a.companyID, Data: append([]byte(nil), data...)},
		},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	a.started = true
	return nil
}

// Stop ends advertising.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	return a.adapter.DefaultAdvertisement().Stop()
}
