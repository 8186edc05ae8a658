// Package cpus is the registry of architecture backends.
package cpus

import (
	"github.com/oisee/binview/pkg/cpu"
	"github.com/oisee/binview/pkg/cpus/arm"
	"github.com/oisee/binview/pkg/cpus/x86"
)

// Pick returns the backend for an architecture name.
func Pick(name string) (cpu.CPU, bool) {
	switch name {
	case "arm":
		return arm.CPU, true
	case "x86":
		return x86.CPU, true
	default:
		return nil, false
	}
}
