// Package observer provides core.RequestObserver implementations.
package observer

import (
	"github.com/cryguy/fetch/internal/core"
)

// Compile-time interface checks.
var (
	_ core.RequestObserver = Nop{}
	_ core.ObserverFactory = NopFactory{}
)

// Nop ignores every notification.
type Nop struct{}

func (Nop) Delivered()                              {}
func (Nop) ReportFailure(error, core.FailureSource) {}
func (Nop) SetOutcome(string)                       {}

func (Nop) WrapSubrequestClient(client core.WorkerInterface, _ string) core.WorkerInterface {
	return client
}

// NopFactory hands out Nop observers.
type NopFactory struct{}

func (NopFactory) NewRequestObserver() core.RequestObserver { return Nop{} }
