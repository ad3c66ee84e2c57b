package central

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/callback"
)

// lease owns a characteristic handle. release is safe to call from every
// path that ends the operation; the handle is released once.
type lease struct {
	ch   ble.Characteristic
	once sync.Once
}

func acquire(ctx context.Context, conn ble.Connection, svc, char ble.UUID) (*lease, error) {
	ch, err := conn.Characteristic(ctx, svc, char)
	if err != nil {
		return nil, err
	}
	return &lease{ch: ch}, nil
}

func (l *lease) release() { l.once.Do(l.ch.Release) }

// target identifies a characteristic within a connection.
type target struct {
	device  string
	service ble.UUID
	char    ble.UUID
}

func (t target) key(kind callback.Kind) callback.Key {
	return callback.Key{Kind: kind, Device: t.device, Target: t.service.String() + "/" + t.char.String()}
}

func parseTarget(device, service, characteristic string) (target, error) {
	svc, err := ble.ParseUUID(service)
	if err != nil {
		return target{}, fmt.Errorf("central: service: %w", err)
	}
	char, err := ble.ParseUUID(characteristic)
	if err != nil {
		return target{}, fmt.Errorf("central: characteristic: %w", err)
	}
	return target{device: device, service: svc, char: char}, nil
}

// ready returns the connection when device is connected and discovered.
func (c *Central) ready(device string) (*peripheral, error) {
	switch {
	case c.peer == nil:
		return nil, fmt.Errorf("central: Not connected to device %s: %w", device, ble.ErrNotConnected)
	case c.peer.address != device:
		return nil, fmt.Errorf("central: Not connected to device %s but to device %s: %w", device, c.peer.address, ble.ErrWrongDevice)
	case c.phase != PhaseReady:
		return nil, fmt.Errorf("central: device %s is %s: %w", device, c.phase, ble.ErrNotReady)
	}
	return c.peer, nil
}

// access runs op against a freshly acquired characteristic on a worker and
// routes its result through a token keyed by kind.
func (c *Central) access(cb Callbacks, kind callback.Kind, device, service, characteristic string, op func(ble.Characteristic) (any, error)) {
	t, err := parseTarget(device, service, characteristic)
	if err != nil {
		c.fail(cb, err)
		return
	}
	peer, err := c.ready(device)
	if err != nil {
		c.fail(cb, err)
		return
	}
	tok, err := c.reg.Register(cb.Success, cb.Failure, t.key(kind))
	if err != nil {
		c.fail(cb, err)
		return
	}

	ctx, cancel := withTimeout(peer.ctx, c.opts.OperationTimeout)
	conn := peer.conn
	go func() {
		defer cancel()
		payload, err := run(ctx, conn, t, op)
		c.post(func() {
			if err != nil {
				_ = c.reg.Fail(tok, fmt.Errorf("central: %s %s: %w", kind, t.char, err))
				return
			}
			_ = c.reg.Terminal(tok, true, payload)
		})
	}()
}

// run acquires the characteristic, runs op and releases the handle. op is
// abandoned when ctx ends first; its handle is released once it returns.
func run(ctx context.Context, conn ble.Connection, t target, op func(ble.Characteristic) (any, error)) (any, error) {
	l, err := acquire(ctx, conn, t.service, t.char)
	if err != nil {
		return nil, err
	}

	type result struct {
		payload any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer l.release()
		payload, err := op(l.ch)
		done <- result{payload, err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ble.ErrCanceled
		}
		return nil, fmt.Errorf("%w: %v", ble.ErrPlatform, ctx.Err())
	}
}

// Read reads a characteristic. The success payload is the value in
// standard base64.
func (c *Central) Read(cb Callbacks, device, service, characteristic string) {
	c.post(func() {
		c.access(cb, callback.KindRead, device, service, characteristic, func(ch ble.Characteristic) (any, error) {
			v, err := ch.Read()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.EncodeToString(v), nil
		})
	})
}

// Write writes a base64 value and waits for the peripheral to confirm.
func (c *Central) Write(cb Callbacks, device, service, characteristic, value string) {
	c.post(func() {
		data, err := decodeValue(value)
		if err != nil {
			c.fail(cb, err)
			return
		}
		c.access(cb, callback.KindWrite, device, service, characteristic, func(ch ble.Characteristic) (any, error) {
			if !ch.Properties().Has(ble.PropertyWrite) {
				return nil, fmt.Errorf("%w: %s", ble.ErrNotWritable, ch.UUID())
			}
			if err := ch.Write(data); err != nil {
				return nil, err
			}
			return PayloadCharacteristicWritten, nil
		})
	})
}

// WriteWithoutResponse writes a base64 value without confirmation. It
// succeeds with an empty payload once the value is handed to the platform.
func (c *Central) WriteWithoutResponse(cb Callbacks, device, service, characteristic, value string) {
	c.post(func() {
		data, err := decodeValue(value)
		if err != nil {
			c.fail(cb, err)
			return
		}
		c.access(cb, callback.KindWrite, device, service, characteristic, func(ch ble.Characteristic) (any, error) {
			props := ch.Properties()
			if !props.Has(ble.PropertyWriteWithoutResponse) && !props.Has(ble.PropertyWrite) {
				return nil, fmt.Errorf("%w: %s", ble.ErrNotWritable, ch.UUID())
			}
			if err := ch.WriteWithoutResponse(data); err != nil {
				return nil, err
			}
			return "", nil
		})
	})
}

func decodeValue(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("central: value is not base64: %v: %w", err, ble.ErrInvalidArgument)
	}
	return data, nil
}
