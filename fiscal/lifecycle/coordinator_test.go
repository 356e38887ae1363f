package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(
		NewMemorySequenceStore(),
		NewMemoryDocumentStore(),
		NewMemoryTransmissionStore(),
	)
}

func authorized(ctx context.Context, number int64) (*Attempt, error) {
	return &Attempt{
		Operation:  "submit",
		Resolution: ResolutionAuthorized,
		StatusCode: "100",
		Message:    "Autorizado o uso da NF-e",
		Protocol:   fmt.Sprintf("13526%09d", number),
	}, nil
}

func TestSubmit_ConcurrentNumbersAreUniqueAndGapFree(t *testing.T) {
	coord := newTestCoordinator()

	var mu sync.Mutex
	var numbers []int64

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			doc, err := coord.Submit(ctx, KindGoods, "1", authorized)
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, doc.Number)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, numbers, 100)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		if n != int64(i+1) {
			t.Fatalf("numbers not gap-free: position %d holds %d", i, n)
		}
	}
}

func TestSubmit_RejectionLeavesCounterUntouched(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{
			Operation:  "submit",
			Resolution: ResolutionRejected,
			StatusCode: "539",
			Message:    "Duplicidade de NF-e com diferenca na chave de acesso",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, doc.State)
	assert.Equal(t, int64(1), doc.Number)
	assert.Equal(t, "539", doc.StatusCode)

	// the number is still available
	doc2, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc2.Number)
	assert.Equal(t, StateAuthorized, doc2.State)

	doc3, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc3.Number)
}

func TestSubmit_TransportTimeoutTransitionsToError(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	transportErr := &fiscal.TransportError{Operation: "authorize", Err: context.DeadlineExceeded}
	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{
			Operation:  "submit",
			Resolution: ResolutionError,
			Elapsed:    45 * time.Second,
		}, transportErr
	})
	require.ErrorIs(t, err, transportErr)
	assert.Equal(t, StateError, doc.State)

	recs, err := coord.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)

	// counter unchanged: next submission reuses the number
	doc2, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)
	assert.Equal(t, doc.Number, doc2.Number)
}

func TestSubmit_SeriesCountersAreIndependent(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	a, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)
	b, err := coord.Submit(ctx, KindService, "1", authorized)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Number)
	assert.Equal(t, int64(1), b.Number)
}

func TestReconcile_ProcessingThenAuthorized(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{
			Operation:  "submit",
			Resolution: ResolutionProcessing,
			StatusCode: "103",
			Message:    "Lote recebido com sucesso",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateTransmitting, doc.State)

	doc, err = coord.Reconcile(ctx, doc.ID, func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{
			Operation:  "queryReceipt",
			Resolution: ResolutionAuthorized,
			StatusCode: "100",
			Protocol:   "135260000000001",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, doc.State)
	assert.Equal(t, "135260000000001", doc.Protocol)

	// the commit happened during reconciliation
	next, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Number)
}

func TestReconcile_StillProcessingIsNonTerminal(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{Operation: "submit", Resolution: ResolutionProcessing}, nil
	})
	require.NoError(t, err)

	doc, err = coord.Reconcile(ctx, doc.ID, func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{Operation: "queryReceipt", Resolution: ResolutionProcessing}, nil
	})
	require.ErrorIs(t, err, fiscal.ErrStillProcessing)
	assert.Equal(t, StateTransmitting, doc.State)
	assert.True(t, fiscal.IsRetryable(err))
}

func TestCancel_Workflow(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)

	doc, err = coord.Cancel(ctx, doc.ID, func(ctx context.Context, d *Document) (*Attempt, error) {
		return &Attempt{
			Operation:  "cancel",
			Resolution: ResolutionAuthorized,
			StatusCode: "135",
			Message:    "Evento registrado e vinculado a NF-e",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, doc.State)
	assert.True(t, doc.State.Terminal())
}

func TestCancel_DeniedIsTerminal(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)

	doc, err = coord.Cancel(ctx, doc.ID, func(ctx context.Context, d *Document) (*Attempt, error) {
		return &Attempt{
			Operation:  "cancel",
			Resolution: ResolutionRejected,
			StatusCode: "220",
			Message:    "Rejeicao: prazo de cancelamento superior ao previsto",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancellationDenied, doc.State)
}

func TestCancel_TransportFailureKeepsRequestedState(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", authorized)
	require.NoError(t, err)

	transportErr := &fiscal.TransportError{Operation: "event", Err: context.DeadlineExceeded}
	doc, err = coord.Cancel(ctx, doc.ID, func(ctx context.Context, d *Document) (*Attempt, error) {
		return &Attempt{Operation: "cancel", Resolution: ResolutionError}, transportErr
	})
	require.ErrorIs(t, err, transportErr)
	assert.Equal(t, StateCancellationRequested, doc.State)

	// retry succeeds from the same state
	doc, err = coord.Cancel(ctx, doc.ID, func(ctx context.Context, d *Document) (*Attempt, error) {
		return &Attempt{Operation: "cancel", Resolution: ResolutionAuthorized, StatusCode: "135"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, doc.State)
}

func TestCancel_RejectedDocumentCannotBeCancelled(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{Operation: "submit", Resolution: ResolutionRejected, StatusCode: "539"}, nil
	})
	require.NoError(t, err)

	_, err = coord.Cancel(ctx, doc.ID, func(ctx context.Context, d *Document) (*Attempt, error) {
		t.Fatal("cancel callback must not run for a rejected document")
		return nil, nil
	})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestHistory_AppendOnly(t *testing.T) {
	coord := newTestCoordinator()
	ctx := context.Background()

	doc, err := coord.Submit(ctx, KindGoods, "1", func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{Operation: "submit", Resolution: ResolutionProcessing, Request: []byte("<enviNFe/>")}, nil
	})
	require.NoError(t, err)

	_, err = coord.Reconcile(ctx, doc.ID, func(ctx context.Context, number int64) (*Attempt, error) {
		return &Attempt{Operation: "queryReceipt", Resolution: ResolutionAuthorized, StatusCode: "100"}, nil
	})
	require.NoError(t, err)

	recs, err := coord.History(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "submit", recs[0].Operation)
	assert.Equal(t, []byte("<enviNFe/>"), recs[0].Request)
	assert.Equal(t, "queryReceipt", recs[1].Operation)
	assert.True(t, recs[1].Success)
}
