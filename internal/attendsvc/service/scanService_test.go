package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
)

type scanFixture struct {
	events  *mockEventDirectory
	members *mockMemberDirectory
	ledger  *mockScanLedger
	pub     *mockPublisher
	scans   *ScanService
	admin   *ActivationService
}

func newScanFixture(t *testing.T, opts ...ScanOption) *scanFixture {
	t.Helper()
	events := newMockEventDirectory(1, 2)
	members := newMockMemberDirectory(
		models.Member{ID: 10, BusinessKey: "MBR-0010", DisplayName: "Abebe Kebede"},
		models.Member{ID: 11, BusinessKey: "MBR-0011", DisplayName: "Sara Tesfaye"},
	)
	ledger := newMockScanLedger(events)
	pub := &mockPublisher{}

	opts = append([]ScanOption{
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)

	return &scanFixture{
		events:  events,
		members: members,
		ledger:  ledger,
		pub:     pub,
		scans:   NewScanService(events, members, ledger, pub, opts...),
		admin:   NewActivationService(events, pub),
	}
}

func TestProcessAcceptsThenReportsDuplicate(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	first, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, first.Outcome)
	require.Equal(t, "Abebe Kebede", first.MemberName)

	second, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second.Outcome)
	require.True(t, first.ScannedAt.Equal(second.ScannedAt), "duplicate reports the original scan time")

	require.Equal(t, 1, f.ledger.count())
	require.Equal(t, 1, f.ledger.insertCalls)
	require.Len(t, f.pub.scans, 1)
	require.Equal(t, "dev-a", f.pub.scans[0].DeviceID)
}

func TestProcessUnknownCodeWritesNothing(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	res, err := f.scans.Process(ctx, "NOT-A-MEMBER", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNotRegistered, res.Outcome)
	require.Zero(t, f.ledger.count())
	require.Zero(t, f.ledger.insertCalls)
	require.Zero(t, f.ledger.existingCalls)
}

func TestProcessWithoutEventSkipsStore(t *testing.T) {
	f := newScanFixture(t)

	res, err := f.scans.Process(context.Background(), "MBR-0010", 0, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveEvent, res.Outcome)
	require.Zero(t, f.events.reads)
	require.Zero(t, f.members.calls)
	require.Zero(t, f.ledger.existingCalls)
	require.Zero(t, f.ledger.insertCalls)
}

func TestProcessAgainstInactiveEvent(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 2)
	require.NoError(t, err)

	// a stale device still thinks 1 is active
	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveEvent, res.Outcome)
	require.Zero(t, f.ledger.count())
}

func TestProcessStaleDeviceSeesNoActiveEvent(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)
	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)

	_, err = f.admin.Activate(ctx, 2)
	require.NoError(t, err)
	existingBefore := f.ledger.existingCalls

	// already scanned under 1, but 1 no longer takes scans
	res, err = f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveEvent, res.Outcome)

	res, err = f.scans.Process(ctx, "NOT-A-MEMBER", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveEvent, res.Outcome)

	res, err = f.scans.Process(ctx, "MBR-0010", 99, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveEvent, res.Outcome)

	require.Equal(t, existingBefore, f.ledger.existingCalls)
	require.Equal(t, 1, f.members.calls)
	require.Equal(t, 1, f.ledger.count())
}

func TestProcessConcurrentDevicesYieldOneRow(t *testing.T) {
	f := newScanFixture(t)
	f.ledger.insertDelay = time.Millisecond
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	const devices = 16
	results := make([]ScanResult, devices)
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.scans.Process(ctx, "MBR-0011", 1, fmt.Sprintf("dev-%d", i))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeAccepted:
			accepted++
		case OutcomeDuplicate:
			duplicates++
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, devices-1, duplicates)
	require.Equal(t, 1, f.ledger.count())
}

func TestProcessConstraintRejectionIsDuplicate(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	original := time.Date(2026, time.May, 3, 10, 0, 0, 0, time.UTC)
	f.ledger.preload(models.AttendanceScan{MemberID: 10, EventID: 1, ScannedAt: original})
	// the other device's row lands between our check and our insert
	f.ledger.hideExisting = 1

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-b")
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.True(t, original.Equal(res.ScannedAt))
	require.Equal(t, 1, f.ledger.insertCalls)
	require.Equal(t, 1, f.ledger.count())
	require.Empty(t, f.pub.scans)
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	f := newScanFixture(t, WithRetries(3))
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)
	f.ledger.insertFailures = 2

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	require.Equal(t, 3, f.ledger.insertCalls)
	require.Equal(t, 1, f.ledger.count())
}

func TestProcessReportsScanFailedAfterRetries(t *testing.T) {
	f := newScanFixture(t, WithRetries(2))
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)
	f.ledger.insertFailures = 10

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, f.ledger.insertCalls)
	require.Zero(t, f.ledger.count())
}

func TestProcessPhantomDuplicateIsInvariantViolation(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)
	f.ledger.phantomDuplicate = true

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.ErrorIs(t, err, models.ErrInvariantViolation)
	require.Equal(t, OutcomeFailed, res.Outcome)
}

func TestScenarioSwitchEventAcceptsAgain(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	underA := res.Scan

	res, err = f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)

	_, err = f.admin.Activate(ctx, 2)
	require.NoError(t, err)

	res, err = f.scans.Process(ctx, "MBR-0010", 2, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	require.NotEqual(t, underA.ID, res.Scan.ID)
	require.Equal(t, int64(2), res.Scan.EventID)
	require.Equal(t, 2, f.ledger.count())
}

func TestReactivationKeepsDedupPerEvent(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	_, err := f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	res, err := f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)
	require.Equal(t, int64(1), res.Scan.ActivationEpoch)

	_, err = f.admin.Deactivate(ctx, 1)
	require.NoError(t, err)
	_, err = f.admin.Activate(ctx, 1)
	require.NoError(t, err)

	// uniqueness is per (member, event) across activations
	res, err = f.scans.Process(ctx, "MBR-0010", 1, "dev-a")
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
}
