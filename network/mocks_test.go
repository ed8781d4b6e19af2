package network

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/ferry/transfer"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// fakeTarget keeps transfer statuses in memory.
type fakeTarget struct {
	mu       sync.Mutex
	statuses map[string]transfer.Status
	resumed  []string
}

func newFakeTarget(statuses map[string]transfer.Status) *fakeTarget {
	return &fakeTarget{statuses: statuses}
}

func (f *fakeTarget) TransferringIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, st := range f.statuses {
		if st == transfer.StatusTransferring {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeTarget) PauseTransfer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrTransferNotFound, id)
	}
	if st != transfer.StatusTransferring {
		return fmt.Errorf("%w: %s", transfer.ErrInvalidState, id)
	}
	f.statuses[id] = transfer.StatusPaused
	return nil
}

func (f *fakeTarget) ResumeTransfer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return fmt.Errorf("%w: %s", transfer.ErrTransferNotFound, id)
	}
	if st != transfer.StatusPaused {
		return fmt.Errorf("%w: %s", transfer.ErrInvalidState, id)
	}
	f.statuses[id] = transfer.StatusTransferring
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeTarget) status(id string) transfer.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeTarget) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, id)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func iface(name string, addrs []string, flags ...string) psnet.InterfaceStat {
	list := make(psnet.InterfaceAddrList, len(addrs))
	for i, a := range addrs {
		list[i] = psnet.InterfaceAddr{Addr: a}
	}
	return psnet.InterfaceStat{Name: name, Flags: flags, Addrs: list}
}
