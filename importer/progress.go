package importer

import "sync"

// ItemError is one non-fatal per-item import failure. These are data
// returned to the caller, never raised.
type ItemError struct {
	Category    string `json:"category"`
	WalletID    string `json:"walletId"`
	AccountID   string `json:"accountId"`
	NetworkInfo string `json:"networkInfo"`
	Error       string `json:"error"`
}

// Error categories attached to ItemError entries.
const (
	CategoryCreateWallet  = "createHDWallet"
	CategoryNetworkParams = "createHDWallet.createNetworkParams"
	CategoryBatchCreate   = "createHDWallet.batchCreateAccounts"
	CategoryTONMnemonic   = "restoreImportedAccount.tonMnemonic"
)

// Stats is the frozen summary attached to progress when an import
// completes.
type Stats struct {
	ErrorsInfo      []ItemError `json:"errorsInfo"`
	ProgressTotal   int         `json:"progressTotal"`
	ProgressCurrent int         `json:"progressCurrent"`
}

// Progress is the observable state of the in-flight import. Current
// only ever moves forward while IsImporting is true.
type Progress struct {
	Total       int    `json:"total"`
	Current     int    `json:"current"`
	IsImporting bool   `json:"isImporting"`
	Stats       *Stats `json:"stats,omitempty"`
}

// progressTracker serializes writes to the import progress. The import
// loop is strictly sequential, so updates never race; the mutex guards
// concurrent readers.
type progressTracker struct {
	mu       sync.Mutex
	progress Progress
	listener func(Progress)
}

func (p *progressTracker) init(total int) {
	p.mu.Lock()
	p.progress = Progress{Total: total, Current: 0, IsImporting: true}
	p.mu.Unlock()
	p.notify()
}

// advance increments Current by exactly one completed unit.
func (p *progressTracker) advance() {
	p.mu.Lock()
	if p.progress.IsImporting {
		p.progress.Current++
	}
	p.mu.Unlock()
	p.notify()
}

// complete finalizes the progress at natural completion: importing
// stops and stats freeze the error list and last known counters. It is
// never called on cancellation.
func (p *progressTracker) complete(errorsInfo []ItemError) {
	p.mu.Lock()
	p.progress.IsImporting = false
	p.progress.Stats = &Stats{
		ErrorsInfo:      errorsInfo,
		ProgressTotal:   p.progress.Total,
		ProgressCurrent: p.progress.Current,
	}
	p.mu.Unlock()
	p.notify()
}

func (p *progressTracker) reset() {
	p.mu.Lock()
	p.progress = Progress{}
	p.mu.Unlock()
	p.notify()
}

func (p *progressTracker) snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.progress
	if p.progress.Stats != nil {
		stats := *p.progress.Stats
		stats.ErrorsInfo = append([]ItemError(nil), p.progress.Stats.ErrorsInfo...)
		snapshot.Stats = &stats
	}
	return snapshot
}

func (p *progressTracker) notify() {
	p.mu.Lock()
	listener := p.listener
	snapshot := p.progress
	p.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
}
