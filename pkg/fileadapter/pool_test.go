package fileadapter

import (
	"errors"
	"testing"

	"github.com/cuemby/vstorage/pkg/types"
)

func TestPoolRunReturnsFnError(t *testing.T) {
	p := NewPool(types.UUID("d"), 2)
	defer p.Close()

	wantErr := errors.New("boom")
	err := p.Run(func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestPoolRunAfterCloseFails(t *testing.T) {
	p := NewPool(types.UUID("d"), 1)
	p.Close()

	err := p.Run(func() error { return nil })
	if !errors.Is(err, errPoolClosed) {
		t.Errorf("Run() after Close() error = %v, want errPoolClosed", err)
	}
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	p := NewPool(types.UUID("d"), 4)
	defer p.Close()

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_ = p.Run(func() error { return nil })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
