package persistence

import (
	"time"

	"SafeLedger/internal/settlement"
)

func NewPersistenceWorkerForTest(store JournalStore, in <-chan settlement.Output, batchSize int, backoff time.Duration) *PersistenceWorker {
	w := NewPersistenceWorker(store, in, batchSize, time.Hour, nil)
	w.minBackoff = backoff
	return w
}
