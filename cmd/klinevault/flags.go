package main

import (
	"github.com/spf13/pflag"

	"github.com/candlekeep/klinevault/internal/market"
	"github.com/candlekeep/klinevault/internal/timegrid"
)

// marketFlag validates the market token at parse time so a typo fails
// before any component is built.
type marketFlag struct {
	val market.Type
}

var _ pflag.Value = (*marketFlag)(nil)

func (f *marketFlag) String() string { return f.val.String() }
func (f *marketFlag) Type() string   { return "market" }

func (f *marketFlag) Set(s string) error {
	mkt, err := market.FromString(s)
	if err != nil {
		return err
	}
	f.val = mkt
	return nil
}

// intervalFlag validates the interval token at parse time.
type intervalFlag struct {
	val timegrid.Interval
}

var _ pflag.Value = (*intervalFlag)(nil)

func (f *intervalFlag) String() string { return f.val.String() }
func (f *intervalFlag) Type() string   { return "interval" }

func (f *intervalFlag) Set(s string) error {
	iv, err := timegrid.ParseInterval(s)
	if err != nil {
		return err
	}
	f.val = iv
	return nil
}
