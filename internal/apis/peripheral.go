package apis

import (
	"errors"
	"fmt"

	"github.com/dshills/computercore/internal/metrics"
)

// Peripheral is a device attached to one side of a computer.
type Peripheral interface {
	Type() string
	Methods() *Table
}

// Sides are the names peripherals can be attached under.
var Sides = []string{"bottom", "top", "back", "front", "right", "left"}

// PeripheralHost looks up attached peripherals.
type PeripheralHost interface {
	// Peripheral returns the device on side, or nil.
	Peripheral(side string) Peripheral
}

// PeripheralAPI returns the peripheral table for host.
func PeripheralAPI(host PeripheralHost) *Table {
	api := NewTable("peripheral")
	side := func(args Arguments) (Peripheral, error) {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return host.Peripheral(s), nil
	}

	api.Add("isPresent", func(_ *Context, args Arguments) (Results, error) {
		p, err := side(args)
		if err != nil {
			return nil, err
		}
		return Results{p != nil}, nil
	})
	api.Add("getType", func(_ *Context, args Arguments) (Results, error) {
		p, err := side(args)
		if err != nil || p == nil {
			return Results{nil}, err
		}
		return Results{p.Type()}, nil
	})
	api.Add("getMethods", func(_ *Context, args Arguments) (Results, error) {
		p, err := side(args)
		if err != nil || p == nil {
			return Results{nil}, err
		}
		return Results{p.Methods().Names()}, nil
	})
	api.Add("getNames", func(*Context, Arguments) (Results, error) {
		names := []string{}
		for _, s := range Sides {
			if host.Peripheral(s) != nil {
				names = append(names, s)
			}
		}
		return Results{names}, nil
	})
	api.Add("call", func(ctx *Context, args Arguments) (Results, error) {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		method, err := args.String(1)
		if err != nil {
			return nil, err
		}
		p := host.Peripheral(s)
		if p == nil {
			return nil, errors.New("no peripheral attached")
		}
		methods := p.Methods()
		if !methods.Has(method) {
			return nil, fmt.Errorf("no such method %s", method)
		}
		ctx.Observe(metrics.PeripheralOps)
		return methods.Call(ctx, method, args[2:])
	})
	return api
}
