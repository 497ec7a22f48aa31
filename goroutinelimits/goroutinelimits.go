package goroutinelimits

import (
	"context"

	"github.com/kubescape/vulndash/core/ports"
)

const (
	MaxProcessingRuns = 1
)

/*
bound the number of concurrently running jobs to a specific number
see this idiom: https://play.golang.org/p/seEp-erXjG6 ,

with a capacity of one the guardian doubles as a process-local RunLock
*/
type CoroutineGuardian struct {
	Guard chan struct{}
}

var _ ports.RunLock = (*CoroutineGuardian)(nil)

func CreateCoroutineGuardian(maximumRoutines int) *CoroutineGuardian {
	if maximumRoutines < 1 {
		maximumRoutines = 1
	}
	return &CoroutineGuardian{Guard: make(chan struct{}, maximumRoutines)}
}

// Wait blocks until a slot is free or ctx is done
func (guardi *CoroutineGuardian) Wait(ctx context.Context) error {
	select {
	case guardi.Guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait takes a slot only if one is free
func (guardi *CoroutineGuardian) TryWait() bool {
	select {
	case guardi.Guard <- struct{}{}:
		return true
	default:
		return false
	}
}

func (guardi *CoroutineGuardian) Release() {
	select {
	case <-guardi.Guard:
	default:
	}
}

func (guardi *CoroutineGuardian) InFlight() int {
	return len(guardi.Guard)
}

func (guardi *CoroutineGuardian) TryLock(context.Context) (bool, error) {
	return guardi.TryWait(), nil
}

func (guardi *CoroutineGuardian) Unlock(context.Context) error {
	guardi.Release()
	return nil
}
