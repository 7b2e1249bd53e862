//go:build !linux

package unitstatus

import "context"

type Prober struct{}

func Open(context.Context) (*Prober, error) { return nil, ErrUnsupported }

func (p *Prober) Probe(context.Context, string) (Status, error) { return Status{}, ErrUnsupported }

func (p *Prober) Close() error { return nil }
