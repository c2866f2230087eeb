package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// ErrDisconnected is returned by NotifyListener.Listen when the watch drops
// the connection.
var ErrDisconnected = errors.New("device disconnected")

// NotifyListener connects to the watch and subscribes to every
// characteristic that supports notifications. Each notification is one
// fragment.
type NotifyListener struct {
	adapter *bluetooth.Adapter
	address string
	logger  *logrus.Logger
}

// NewNotifyListener creates a listener for the device at address.
func NewNotifyListener(adapter *bluetooth.Adapter, address string, logger *logrus.Logger) *NotifyListener {
	return &NotifyListener{adapter: adapter, address: address, logger: logger}
}

// Listen connects, subscribes and blocks until ctx is done or the link is
// lost.
func (l *NotifyListener) Listen(ctx context.Context, deliver func([]byte)) error {
	lost := make(chan struct{})
	var lostOnce sync.Once
	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected && strings.EqualFold(device.Address.String(), l.address) {
			lostOnce.Do(func() { close(lost) })
		}
	})

	var addr bluetooth.Address
	addr.Set(l.address)

	device, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", l.address, err)
	}
	defer func() {
		if err := device.Disconnect(); err != nil {
			l.logger.WithError(err).Debug("Disconnect failed")
		}
	}()

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}

	subscribed := 0
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			l.logger.WithError(err).WithField("service", svc.UUID().String()).Debug("Characteristic discovery failed")
			continue
		}
		for _, ch := range chars {
			uuid := ch.UUID().String()
			err := ch.EnableNotifications(func(buf []byte) {
				deliver(append([]byte(nil), buf...))
			})
			if err != nil {
				l.logger.WithField("characteristic", uuid).Debug("Notifications not supported")
				continue
			}
			subscribed++
			l.logger.WithField("characteristic", uuid).Debug("Subscribed to notifications")
		}
	}
	if subscribed == 0 {
		return fmt.Errorf("no notifying characteristic on %s", l.address)
	}

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"characteristics": subscribed,
	}).Info("Listening for notifications")

	select {
	case <-ctx.Done():
		return nil
	case <-lost:
		return ErrDisconnected
	}
}

// ScanListener passively collects manufacturer data from advertisements.
type ScanListener struct {
	adapter *bluetooth.Adapter
	filter  *scanFilter
	logger  *logrus.Logger
}

// NewScanListener accepts manufacturer data with companyID from address, or
// from any address when address is empty.
func NewScanListener(adapter *bluetooth.Adapter, address string, companyID uint16, logger *logrus.Logger) *ScanListener {
	return &ScanListener{
		adapter: adapter,
		filter:  newScanFilter(address, companyID),
		logger:  logger,
	}
}

// Listen scans until ctx is cancelled.
func (l *ScanListener) Listen(ctx context.Context, deliver func([]byte)) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			if err := l.adapter.StopScan(); err != nil {
				l.logger.WithError(err).Debug("Stop scan failed")
			}
		case <-stopped:
		}
	}()

	l.logger.Info("Scanning for advertisements")
	err := l.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		for _, md := range result.ManufacturerData() {
			if data, ok := l.filter.accept(result.Address.String(), md.CompanyID, md.Data); ok {
				deliver(data)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// scanFilter selects manufacturer data for one company and suppresses the
// repeats a scanner sees while a chunk dwells on the air.
type scanFilter struct {
	mu        sync.Mutex
	address   string
	companyID uint16
	last      map[string][]byte
}

func newScanFilter(address string, companyID uint16) *scanFilter {
	return &scanFilter{
		address:   strings.ToUpper(address),
		companyID: companyID,
		last:      make(map[string][]byte),
	}
}

func (f *scanFilter) accept(address string, companyID uint16, data []byte) ([]byte, bool) {
	if companyID != f.companyID || len(data) == 0 {
		return nil, false
	}
	address = strings.ToUpper(address)
	if f.address != "" && address != f.address {
		return nil, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if bytes.Equal(f.last[address], data) {
		return nil, false
	}
	cp := append([]byte(nil), data...)
	f.last[address] = cp
	return cp, true
}
