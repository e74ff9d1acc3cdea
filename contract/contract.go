//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"time"

	"lanmeet/domain"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker is one supervised loop. It does not protect itself; the
// supervisor recovers panics and restarts it.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker
// lifecycle events, avoiding manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Evictor removes a participant everywhere at once: registry entry,
// reliable connection, owned transfers, room notification. Evicting an
// unknown or already evicted id reports false.
type Evictor interface {
	Evict(id domain.ParticipantID, reason string) bool
}

// TransferJanitor abandons file transfers that stopped making
// progress, telling the sender when it is still connected.
type TransferJanitor interface {
	ReapIdleTransfers(now time.Time, idleBound time.Duration) int
}
