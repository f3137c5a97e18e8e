package main

import (
	"errors"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/retention"
)

// Compile-time verification that mockMachine implements the host slice the
// subcommands drive.
var _ retention.Host = (*mockMachine)(nil)

// mockMachine is a function-injection mock standing in for
// machine.Machine. Each method has an optional func field; if nil, the
// call is unexpected and returns an error.
type mockMachine struct {
	GetSnapsFunc func(ds *dataset.Dataset) error
	DestroyFunc  func(ds *dataset.Dataset, arg string) error
}

func (m *mockMachine) GetSnaps(ds *dataset.Dataset) error {
	if m.GetSnapsFunc == nil {
		return errors.New("unexpected GetSnaps call")
	}
	return m.GetSnapsFunc(ds)
}

func (m *mockMachine) Destroy(ds *dataset.Dataset, arg string) error {
	if m.DestroyFunc == nil {
		return errors.New("unexpected Destroy call")
	}
	return m.DestroyFunc(ds, arg)
}
